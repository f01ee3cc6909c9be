package dirvault

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
)

// DefaultSettle is how long the change stream must stay quiet before a
// settled burst triggers a sync.
const DefaultSettle = 200 * time.Millisecond

// WatchOptions configure a Watcher.
type WatchOptions struct {
	// Settle is the quiet window after the last event before syncing.
	// 0 selects DefaultSettle.
	Settle time.Duration

	// Patterns are glob patterns over slash-separated paths relative to
	// the watched root; an event must match one to count as a change.
	// Empty selects every path.
	Patterns []string
}

// Watcher runs a sync direction continuously: it watches the source tree
// for changes, lets each burst of events settle, and then invokes one full
// sync. Syncs never overlap; events arriving during a sync trigger the
// next one.
type Watcher struct {
	log      logrus.FieldLogger
	syncer   *Syncer
	dir      Direction
	root     string
	settle   time.Duration
	patterns []glob.Glob
	fsw      *fsnotify.Watcher
}

// NewWatcher builds a watcher over the source side of the given direction:
// the local tree for Push, the remote tree for Pull.
func NewWatcher(log logrus.FieldLogger, syncer *Syncer, d Direction, opts WatchOptions) (*Watcher, error) {
	root := syncer.Local().Root()
	if d == Pull {
		root = syncer.Remote().Root()
	}
	settle := opts.Settle
	if settle == 0 {
		settle = DefaultSettle
	}
	pats := opts.Patterns
	if len(pats) == 0 {
		pats = []string{"**"}
	}
	compiled := make([]glob.Glob, 0, len(pats))
	for _, p := range pats {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, NewUsageError("bad watch pattern " + p).WithCause(ErrUsage)
		}
		compiled = append(compiled, g)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		log:      log,
		syncer:   syncer,
		dir:      d,
		root:     root,
		settle:   settle,
		patterns: compiled,
		fsw:      fsw,
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// addRecursive registers root and every subdirectory with the watcher.
// fsnotify watches single directories only.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
}

// match reports whether an event path counts as a change.
func (w *Watcher) match(name string) bool {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(name)
	if base == ConfigFilename {
		return false
	}
	for _, g := range w.patterns {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Run blocks, syncing once at startup and then once per settled burst of
// changes, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Infof("# WATCH-%s: %s <-> %s", w.dir, w.syncer.Local().Root(), w.syncer.Remote().Root())
	if err := w.syncOnce(); err != nil {
		return err
	}
	w.log.Info("# Waiting for changes")

	timer := time.NewTimer(w.settle)
	if !timer.Stop() {
		<-timer.C
	}
	triggered := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					// New directories must be watched before their
					// contents start changing.
					_ = w.addRecursive(event.Name)
				}
			}
			if w.match(event.Name) {
				triggered = true
				timer.Reset(w.settle)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("watch error: %v", err)

		case <-timer.C:
			if !triggered {
				continue
			}
			triggered = false
			if err := w.syncOnce(); err != nil {
				return err
			}
			w.log.Info("# Waiting for changes")
		}
	}
}

// syncOnce runs one full sync; per-path failures are already on the report
// and only fatal errors propagate.
func (w *Watcher) syncOnce() error {
	report, err := w.syncer.Sync(w.dir)
	if err != nil {
		return err
	}
	if n := len(report.Failures()); n > 0 {
		w.log.Warnf("sync finished with %d failed paths", n)
	}
	return nil
}
