package dirvault

import "io/fs"

// fallbackStat synthesizes POSIX mode bits from the portable FileInfo.
// Entries that are neither regular files nor directories get a zero type
// field and are excluded by enumeration.
func fallbackStat(info fs.FileInfo) (mode uint32, mtime, ctime uint64) {
	perm := uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		mode = ModeDir | perm
	case info.Mode().IsRegular():
		mode = ModeRegular | perm
	default:
		mode = perm
	}
	ns := uint64(info.ModTime().UnixNano())
	return mode, ns, ns
}
