//go:build !unix

package plain

import "os"

func openNoFollow(path string) (*os.File, error) {
	return os.Open(path)
}
