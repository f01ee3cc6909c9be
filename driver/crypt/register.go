package crypt

import "github.com/dirvault/dirvault"

func init() {
	dirvault.RegisterDriver(dirvault.DirTypeCrypt, func(p *dirvault.DriverParams) (dirvault.Dir, error) {
		return New(p)
	})
}
