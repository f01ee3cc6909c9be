//go:build !linux && !darwin

package dirvault

import "io/fs"

// EntryStat falls back to portable FileInfo fields where the raw stat
// structure is unavailable; ctime degrades to mtime.
func EntryStat(info fs.FileInfo) (mode uint32, mtime, ctime uint64) {
	return fallbackStat(info)
}
