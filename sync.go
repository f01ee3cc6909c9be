package dirvault

import (
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

// TimeResolution is the smallest timestamp difference treated as a real
// change, in nanoseconds. Filesystems round stored timestamps differently,
// so a tighter comparison would recopy files that merely crossed the cipher
// boundary.
const TimeResolution = 10000

// Direction selects which side of a sync is the source of truth.
type Direction int

const (
	// Push copies the local tree onto the remote tree.
	Push Direction = iota
	// Pull copies the remote tree onto the local tree.
	Pull
)

func (d Direction) String() string {
	if d == Pull {
		return "pull"
	}
	return "push"
}

// SyncOptions configure a Syncer.
type SyncOptions struct {
	// DiffOnly computes and renders the comparison without mutating
	// either side.
	DiffOnly bool

	// Verbose additionally renders excluded paths.
	Verbose bool

	// UseCtime also treats a source ctime newer than the destination
	// mtime as a change, so metadata-only source changes force a recopy.
	UseCtime bool
}

// Diff is the result of comparing two directory trees.
type Diff struct {
	SrcRoot string
	DstRoot string

	// SrcExcluded and DstExcluded are the paths filtered out on each side.
	SrcExcluded []Path
	DstExcluded []Path

	// SrcOnly must be created on the destination; DstOnly must be removed
	// from it.
	SrcOnly []Path
	DstOnly []Path

	// Changed are common paths needing action. Pairs of directories are
	// always included but produce no action; their modes are not
	// reconciled.
	Changed []Path

	// CopyNeeded is the subset of Changed that changes the destination: a
	// file copy, or a type transition (a directory replacing a file is
	// created with MakeDir, not copied).
	CopyNeeded []Path
}

// Empty reports whether the two sides were found identical.
func (d *Diff) Empty() bool {
	return len(d.SrcOnly) == 0 && len(d.DstOnly) == 0 && len(d.CopyNeeded) == 0
}

// Output renders the comparison through log, one line per planned action.
func (d *Diff) Output(log logrus.FieldLogger, verbose bool) {
	log.Infof("SOURCE DIR: %s", d.SrcRoot)
	log.Infof("TARGET DIR: %s", d.DstRoot)
	if verbose {
		for _, p := range sortedPaths(d.SrcExcluded) {
			log.Infof("EXCLUDE: %s", filepath.Join(d.SrcRoot, filepath.FromSlash(p.String())))
		}
		for _, p := range sortedPaths(d.DstExcluded) {
			log.Infof("EXCLUDE: %s", filepath.Join(d.DstRoot, filepath.FromSlash(p.String())))
		}
	}
	for _, p := range sortedPaths(d.SrcOnly) {
		log.Infof("ADD: %s -> %s", d.srcFile(p), d.dstFile(p))
	}
	for _, p := range sortedPaths(d.CopyNeeded) {
		log.Infof("COPY: %s -> %s", d.srcFile(p), d.dstFile(p))
	}
	for _, p := range sortedPaths(d.DstOnly) {
		log.Infof("REMOVE: %s", d.dstFile(p))
	}
}

func (d *Diff) srcFile(p Path) string {
	return filepath.Join(d.SrcRoot, filepath.FromSlash(p.String()))
}

func (d *Diff) dstFile(p Path) string {
	return filepath.Join(d.DstRoot, filepath.FromSlash(p.String()))
}

// Syncer compares and synchronizes a local plaintext tree with a remote
// tree. The remote side may be plaintext or encrypted; the local side must
// be plaintext, since it is the tree the user actually edits.
type Syncer struct {
	log    logrus.FieldLogger
	local  Dir
	remote Dir
	opts   SyncOptions
}

// NewSyncer wires two directory accesses together. It fails with a usage
// error when the local side is not plaintext.
func NewSyncer(log logrus.FieldLogger, local, remote Dir, opts SyncOptions) (*Syncer, error) {
	if local.DirType() != DirTypePlain {
		return nil, NewUsageError("local directory must be plaintext").WithCause(ErrUsage)
	}
	return &Syncer{log: log, local: local, remote: remote, opts: opts}, nil
}

// Sync runs one synchronization in the given direction. The returned report
// carries every attempted operation; the error is non-nil only for fatal
// conditions (enumeration failure or an authenticity failure mid-run).
func (s *Syncer) Sync(d Direction) (*Report, error) {
	eng, err := s.engine(d)
	if err != nil {
		return nil, err
	}
	diff, err := eng.compare()
	if err != nil {
		return nil, err
	}
	report := NewReport(s.log)
	if s.opts.DiffOnly {
		diff.Output(s.log, s.opts.Verbose)
		return report, nil
	}
	if err := eng.execute(diff, report); err != nil {
		return report, err
	}
	return report, nil
}

// Compare enumerates both sides and classifies their differences without
// mutating anything.
func (s *Syncer) Compare(d Direction) (*Diff, error) {
	eng, err := s.engine(d)
	if err != nil {
		return nil, err
	}
	return eng.compare()
}

// Local and Remote expose the wired directory accesses.
func (s *Syncer) Local() Dir  { return s.local }
func (s *Syncer) Remote() Dir { return s.remote }

func (s *Syncer) engine(d Direction) (*syncEngine, error) {
	localRoot := s.local.Root()
	switch d {
	case Push:
		return &syncEngine{
			src:  s.local,
			dst:  s.remote,
			opts: s.opts,
			copy: func(p Path) error {
				return s.remote.PushFile(p, filepath.Join(localRoot, filepath.FromSlash(p.String())))
			},
		}, nil
	case Pull:
		return &syncEngine{
			src:  s.remote,
			dst:  s.local,
			opts: s.opts,
			copy: func(p Path) error {
				return s.remote.PullFile(p, filepath.Join(localRoot, filepath.FromSlash(p.String())))
			},
		}, nil
	}
	return nil, NewUsageError("unknown sync direction").WithCause(ErrUsage)
}

// syncEngine drives one directed comparison and its execution.
type syncEngine struct {
	src  Dir
	dst  Dir
	copy func(p Path) error
	opts SyncOptions
}

// newerThan reports whether src/p should overwrite dst/p based on
// timestamps. The ctime branch compares the source's ctime against the
// destination's mtime: the destination only ever learns mtimes, so a
// metadata-only change on the source (which bumps ctime alone) must still
// win against what the destination last recorded.
func (e *syncEngine) newerThan(p Path) bool {
	srcMtime, srcCtime, ok := e.src.PathTimes(p)
	if !ok {
		return false
	}
	dstMtime, _, ok := e.dst.PathTimes(p)
	if !ok {
		return false
	}
	if int64(srcMtime)-int64(dstMtime) >= TimeResolution {
		return true
	}
	if e.opts.UseCtime && int64(srcCtime)-int64(dstMtime) >= TimeResolution {
		return true
	}
	return false
}

// compare enumerates both sides and classifies every path.
func (e *syncEngine) compare() (*Diff, error) {
	if err := e.src.CollectPaths(); err != nil {
		return nil, err
	}
	if err := e.dst.CollectPaths(); err != nil {
		return nil, err
	}

	srcInc := e.src.Included()
	dstInc := e.dst.Included()

	diff := &Diff{
		SrcRoot:     e.src.Root(),
		DstRoot:     e.dst.Root(),
		SrcExcluded: e.src.Excluded(),
		DstExcluded: e.dst.Excluded(),
	}

	for key, m := range srcInc {
		if _, common := dstInc[key]; !common {
			diff.SrcOnly = append(diff.SrcOnly, m.Path)
			continue
		}
		srcType := e.src.PathType(m.Path)
		dstType := e.dst.PathType(m.Path)
		if srcType != dstType || srcType == TypeDir || e.newerThan(m.Path) {
			diff.Changed = append(diff.Changed, m.Path)
			if srcType != dstType || srcType == TypeFile {
				diff.CopyNeeded = append(diff.CopyNeeded, m.Path)
			}
		}
	}
	for key, m := range dstInc {
		if _, common := srcInc[key]; !common {
			diff.DstOnly = append(diff.DstOnly, m.Path)
		}
	}
	return diff, nil
}

// execute applies the classified differences in dependency-safe order:
// removals leaf-first, then changes, then additions parent-first. Every
// per-path action is attempted independently; only authenticity failures
// stop the run.
func (e *syncEngine) execute(diff *Diff, report *Report) error {
	// Contents of a directory must be removed before the directory itself.
	removals := sortedPaths(diff.DstOnly)
	for i := len(removals) - 1; i >= 0; i-- {
		p := removals[i]
		switch e.dst.PathType(p) {
		case TypeDir:
			if err := e.report(report, ActionRemoveDir, p, e.dst.RemoveDir(p)); err != nil {
				return err
			}
		case TypeFile:
			if err := e.report(report, ActionRemoveFile, p, e.dst.RemoveFile(p)); err != nil {
				return err
			}
		}
	}

	for _, p := range sortedPaths(diff.Changed) {
		srcType := e.src.PathType(p)
		dstType := e.dst.PathType(p)
		switch {
		case srcType == TypeFile && dstType == TypeFile:
			if err := e.report(report, ActionCopyFile, p, e.copy(p)); err != nil {
				return err
			}
		case srcType == TypeFile && dstType == TypeDir:
			if err := e.report(report, ActionRemoveDir, p, e.dst.RemoveDir(p)); err != nil {
				return err
			}
			if err := e.report(report, ActionCopyFile, p, e.copy(p)); err != nil {
				return err
			}
		case srcType == TypeDir && dstType == TypeFile:
			srcMode, _ := e.src.PathMode(p)
			if err := e.report(report, ActionRemoveFile, p, e.dst.RemoveFile(p)); err != nil {
				return err
			}
			if err := e.report(report, ActionAddDir, p, e.dst.MakeDir(p, srcMode)); err != nil {
				return err
			}
		}
		// Two directories need no content action; directory mode
		// reconciliation is not performed.
	}

	// Parents sort before children, so additions run in ascending order.
	for _, p := range sortedPaths(diff.SrcOnly) {
		switch e.src.PathType(p) {
		case TypeDir:
			srcMode, _ := e.src.PathMode(p)
			if err := e.report(report, ActionAddDir, p, e.dst.MakeDir(p, srcMode)); err != nil {
				return err
			}
		case TypeFile:
			if err := e.report(report, ActionCopyFile, p, e.copy(p)); err != nil {
				return err
			}
		}
	}
	return nil
}

// report records one outcome and decides whether it is fatal.
func (e *syncEngine) report(r *Report, action Action, p Path, err error) error {
	r.Log(action, p, err)
	if err != nil && IsAuthenticity(err) {
		return err
	}
	return nil
}

// sortedPaths returns a copy of ps in ascending lexicographic component
// order.
func sortedPaths(ps []Path) []Path {
	out := make([]Path, len(ps))
	copy(out, ps)
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
