package plain

import "github.com/dirvault/dirvault"

func init() {
	dirvault.RegisterDriver(dirvault.DirTypePlain, func(p *dirvault.DriverParams) (dirvault.Dir, error) {
		return New(p)
	})
}
