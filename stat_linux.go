//go:build linux

package dirvault

import (
	"io/fs"
	"syscall"
)

// EntryStat extracts POSIX mode bits and nanosecond timestamps from an
// lstat result. On Linux the status-change time comes from Stat_t.Ctim.
func EntryStat(info fs.FileInfo) (mode uint32, mtime, ctime uint64) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint32(st.Mode), uint64(st.Mtim.Nano()), uint64(st.Ctim.Nano())
	}
	return fallbackStat(info)
}
