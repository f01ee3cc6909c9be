//go:build unix

package plain

import (
	"os"
	"syscall"
)

// openNoFollow opens path for reading, refusing to traverse a symlink in
// the final component.
func openNoFollow(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
}
