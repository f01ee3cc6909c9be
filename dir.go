package dirvault

// ============================================================================
// Entry Metadata
// ============================================================================

// Mode bit layout follows the POSIX st_mode convention: a 4-bit type field
// in the high bits of the low 16, permission bits below it. These constants
// are part of the on-disk metadata format and never vary by platform.
const (
	ModeTypeMask uint32 = 0xF000
	ModeDir      uint32 = 0x4000
	ModeRegular  uint32 = 0x8000
	ModePermMask uint32 = 0o7777
)

// PathType classifies an entry for the sync engine.
type PathType int

const (
	TypeNone PathType = iota
	TypeDir
	TypeFile
)

func (t PathType) String() string {
	switch t {
	case TypeDir:
		return "DIR"
	case TypeFile:
		return "FILE"
	}
	return "NONE"
}

// TypeOfMode maps raw mode bits to a PathType. Anything that is neither a
// regular file nor a directory maps to TypeNone and is excluded from sync.
func TypeOfMode(mode uint32) PathType {
	switch mode & ModeTypeMask {
	case ModeDir:
		return TypeDir
	case ModeRegular:
		return TypeFile
	}
	return TypeNone
}

// Meta is the per-entry record replicated across the cipher boundary.
//
// For directories Mtime and Ctime are defined to be 0: directory timestamps
// churn with every child operation and are intentionally ignored for
// comparison.
type Meta struct {
	// Mode holds filesystem mode bits including the type field.
	Mode uint32

	// Mtime is the modification time in nanoseconds since the epoch.
	Mtime uint64

	// Ctime is the status-change time in nanoseconds since the epoch.
	Ctime uint64

	// Path is the logical path of the entry relative to its tree root.
	Path Path
}

// Type classifies the entry from its mode bits.
func (m Meta) Type() PathType { return TypeOfMode(m.Mode) }

// Perm returns the permission bits of the mode.
func (m Meta) Perm() uint32 { return m.Mode & ModePermMask }

// ============================================================================
// Entry Set
// ============================================================================

// EntrySet holds the result of one enumeration: entries that take part in
// the sync and entries filtered out by name patterns or by not being a
// regular file or directory. Every path seen during enumeration lands in
// exactly one of the two. Drivers embed EntrySet and populate it from
// CollectPaths.
type EntrySet struct {
	included map[string]Meta
	excluded []Path
}

// Reset drops any previous enumeration state.
func (s *EntrySet) Reset() {
	s.included = make(map[string]Meta)
	s.excluded = nil
}

// Include records an entry as a sync candidate.
func (s *EntrySet) Include(m Meta) {
	if s.included == nil {
		s.included = make(map[string]Meta)
	}
	s.included[m.Path.String()] = m
}

// Exclude records an entry as filtered out.
func (s *EntrySet) Exclude(p Path) {
	s.excluded = append(s.excluded, p)
}

// Included returns the sync candidates keyed by Path.String().
func (s *EntrySet) Included() map[string]Meta { return s.included }

// Excluded returns the filtered-out paths.
func (s *EntrySet) Excluded() []Path { return s.excluded }

// Lookup fetches the metadata collected for p, if any.
func (s *EntrySet) Lookup(p Path) (Meta, bool) {
	m, ok := s.included[p.String()]
	return m, ok
}

// Drop removes p from the candidates after a removal operation.
func (s *EntrySet) Drop(p Path) {
	delete(s.included, p.String())
}

// PathType reports the collected type of p.
func (s *EntrySet) PathType(p Path) PathType {
	if m, ok := s.Lookup(p); ok {
		return m.Type()
	}
	return TypeNone
}

// PathTimes reports the collected (mtime, ctime) of p in nanoseconds.
func (s *EntrySet) PathTimes(p Path) (mtime, ctime uint64, ok bool) {
	m, found := s.Lookup(p)
	if !found {
		return 0, 0, false
	}
	return m.Mtime, m.Ctime, true
}

// PathMode reports the collected mode bits of p.
func (s *EntrySet) PathMode(p Path) (uint32, bool) {
	m, ok := s.Lookup(p)
	return m.Mode, ok
}

// ============================================================================
// Dir Interface
// ============================================================================

// Dir is the uniform directory-access capability the sync engine drives.
// The plaintext implementation reads metadata from stat(2); the encrypted
// one reads it out of the authenticated ciphertexts. Implementations are
// constructed per sync run and are not safe for concurrent use.
//
// Mutating operations return an error instead of unwinding: the engine
// records it on the report and keeps going, except for authenticity
// failures, which abort the run.
type Dir interface {
	// DirType identifies the implementation ("plain" or "crypt").
	DirType() string

	// Root is the absolute path of the tree root.
	Root() string

	// CollectPaths enumerates the tree once, populating the entry set.
	CollectPaths() error

	// Included returns the enumerated sync candidates keyed by
	// Path.String(). Valid after CollectPaths.
	Included() map[string]Meta

	// Excluded returns the enumerated filtered-out paths.
	Excluded() []Path

	// PathType reports the collected type of p, TypeNone if unknown.
	PathType(p Path) PathType

	// PathTimes reports the collected (mtime, ctime) of p in nanoseconds.
	PathTimes(p Path) (mtime, ctime uint64, ok bool)

	// PathMode reports the collected mode bits of p.
	PathMode(p Path) (uint32, bool)

	// MakeDir creates a directory at p with mode's permission bits.
	MakeDir(p Path, mode uint32) error

	// RemoveDir removes the directory at p, recursively for plaintext
	// trees.
	RemoveDir(p Path) error

	// RemoveFile unlinks the file at p.
	RemoveFile(p Path) error

	// PushFile replicates the plaintext file srcAbs into the tree at p,
	// preserving mode and mtime.
	PushFile(p Path, srcAbs string) error

	// PullFile replicates the entry at p out of the tree into the
	// plaintext file dstAbs, restoring mode and mtime.
	PullFile(p Path, dstAbs string) error
}

// MetaRebuilder is implemented by directory accesses that maintain a
// derived metadata cache which can be reconstructed from primary data.
type MetaRebuilder interface {
	// RebuildMeta re-derives the metadata cache from the ciphertext tree.
	RebuildMeta() error
}

// DirTypePlain and DirTypeCrypt are the registered directory types.
const (
	DirTypePlain = "plain"
	DirTypeCrypt = "crypt"
)
