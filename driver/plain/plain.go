// Package plain provides directory access to an unencrypted tree. Metadata
// comes straight from lstat(2); entries are what they appear to be on disk.
package plain

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dirvault/dirvault"
)

// Adapter implements dirvault.Dir over a plaintext tree root.
type Adapter struct {
	dirvault.EntrySet

	root    string
	version string
	exclude []*regexp.Regexp
	config  *dirvault.DirConfig
}

// New creates a plaintext directory access.
func New(p *dirvault.DriverParams) (*Adapter, error) {
	absRoot, err := filepath.Abs(p.Root)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		root:    absRoot,
		version: p.Version,
		exclude: p.Exclude,
		config:  p.Config,
	}, nil
}

func (a *Adapter) DirType() string { return dirvault.DirTypePlain }

func (a *Adapter) Root() string { return a.root }

// CollectPaths walks the tree without following symlinks. Entries whose
// basename fully matches an exclusion pattern are excluded; excluded
// directories are not descended. Entries that are neither regular files
// nor directories are excluded as well. Directory timestamps are recorded
// as 0: they churn with every child operation and carry no sync signal.
func (a *Adapter) CollectPaths() error {
	a.Reset()
	return filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if path == a.root {
			if err != nil {
				return err
			}
			return nil
		}
		if err != nil {
			// Unreadable entries are skipped, not fatal; the sync
			// proceeds on what can be seen.
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return nil
		}
		logical, err := dirvault.ParsePath(filepath.ToSlash(rel))
		if err != nil {
			return nil
		}

		if a.matchExclude(d.Name()) {
			a.Exclude(logical)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		mode, mtime, ctime := dirvault.EntryStat(info)
		switch dirvault.TypeOfMode(mode) {
		case dirvault.TypeDir:
			a.Include(dirvault.Meta{Mode: mode, Mtime: 0, Ctime: 0, Path: logical})
		case dirvault.TypeFile:
			a.Include(dirvault.Meta{Mode: mode, Mtime: mtime, Ctime: ctime, Path: logical})
		default:
			// Only regular files and directories are replicated.
			a.Exclude(logical)
		}
		return nil
	})
}

func (a *Adapter) matchExclude(name string) bool {
	for _, pat := range a.exclude {
		if pat.MatchString(name) {
			return true
		}
	}
	return false
}

func (a *Adapter) abs(p dirvault.Path) string {
	return filepath.Join(a.root, filepath.FromSlash(p.String()))
}

// MakeDir creates the directory at p and applies mode's permission bits.
func (a *Adapter) MakeDir(p dirvault.Path, mode uint32) error {
	dir := a.abs(p)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return &dirvault.PathError{Op: "mkdir", Path: p.String(), Err: err}
	}
	if err := os.Chmod(dir, fs.FileMode(mode&dirvault.ModePermMask)); err != nil {
		return &dirvault.PathError{Op: "chmod", Path: p.String(), Err: err}
	}
	a.Include(dirvault.Meta{Mode: dirvault.ModeDir | (mode & dirvault.ModePermMask), Path: p})
	return nil
}

// RemoveDir removes the subtree at p.
func (a *Adapter) RemoveDir(p dirvault.Path) error {
	if err := os.RemoveAll(a.abs(p)); err != nil {
		return &dirvault.PathError{Op: "rmdir", Path: p.String(), Err: err}
	}
	a.dropSubtree(p)
	return nil
}

// RemoveFile unlinks the file at p.
func (a *Adapter) RemoveFile(p dirvault.Path) error {
	if err := os.Remove(a.abs(p)); err != nil {
		return &dirvault.PathError{Op: "remove", Path: p.String(), Err: err}
	}
	a.Drop(p)
	return nil
}

// PushFile copies srcAbs into the tree at p, preserving mode and mtime.
func (a *Adapter) PushFile(p dirvault.Path, srcAbs string) error {
	meta, err := a.copyFile(srcAbs, a.abs(p), p)
	if err != nil {
		return err
	}
	a.Include(meta)
	return nil
}

// PullFile copies the file at p out of the tree into dstAbs, preserving
// mode and mtime.
func (a *Adapter) PullFile(p dirvault.Path, dstAbs string) error {
	_, err := a.copyFile(a.abs(p), dstAbs, p)
	return err
}

// copyFile replicates content, permission bits, and mtime. The source is
// opened without following symlinks; enumeration never admits symlinks,
// and the open must not be raced into following one either.
func (a *Adapter) copyFile(srcAbs, dstAbs string, p dirvault.Path) (dirvault.Meta, error) {
	src, err := openNoFollow(srcAbs)
	if err != nil {
		return dirvault.Meta{}, &dirvault.PathError{Op: "copy", Path: p.String(), Err: err}
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return dirvault.Meta{}, &dirvault.PathError{Op: "copy", Path: p.String(), Err: err}
	}
	mode, mtime, ctime := dirvault.EntryStat(info)

	dst, err := os.OpenFile(dstAbs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return dirvault.Meta{}, &dirvault.PathError{Op: "copy", Path: p.String(), Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return dirvault.Meta{}, &dirvault.PathError{Op: "copy", Path: p.String(), Err: err}
	}
	if err := dst.Close(); err != nil {
		return dirvault.Meta{}, &dirvault.PathError{Op: "copy", Path: p.String(), Err: err}
	}
	if err := os.Chmod(dstAbs, fs.FileMode(mode&dirvault.ModePermMask)); err != nil {
		return dirvault.Meta{}, &dirvault.PathError{Op: "chmod", Path: p.String(), Err: err}
	}
	mt := time.Unix(0, int64(mtime))
	if err := os.Chtimes(dstAbs, mt, mt); err != nil {
		return dirvault.Meta{}, &dirvault.PathError{Op: "utime", Path: p.String(), Err: err}
	}
	return dirvault.Meta{Mode: mode, Mtime: mtime, Ctime: ctime, Path: p}, nil
}

// dropSubtree removes p and everything under it from the entry set.
func (a *Adapter) dropSubtree(p dirvault.Path) {
	prefix := p.String() + "/"
	for key := range a.Included() {
		if key == p.String() || strings.HasPrefix(key, prefix) {
			delete(a.Included(), key)
		}
	}
}
