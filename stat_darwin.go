//go:build darwin

package dirvault

import (
	"io/fs"
	"syscall"
)

// EntryStat extracts POSIX mode bits and nanosecond timestamps from an
// lstat result. On Darwin the syscall package spells the fields
// Mtimespec/Ctimespec.
func EntryStat(info fs.FileInfo) (mode uint32, mtime, ctime uint64) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint32(st.Mode), uint64(st.Mtimespec.Nano()), uint64(st.Ctimespec.Nano())
	}
	return fallbackStat(info)
}
