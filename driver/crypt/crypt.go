// Package crypt provides directory access to an encrypted tree. Every
// logical path maps through a keyed hash to a three-level shard location
// under the tree's ciphertext subdirectory; the entry's metadata travels
// inside the ciphertext and is mirrored into a content-free sidecar shard
// so later enumerations can skip the ciphertext tree entirely.
package crypt

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dirvault/dirvault"
	"github.com/dirvault/dirvault/filecrypt"
)

// Adapter implements dirvault.Dir over an encrypted tree root.
type Adapter struct {
	dirvault.EntrySet

	root      string
	version   string
	exclude   []*regexp.Regexp
	config    *dirvault.DirConfig
	key       []byte
	chunkSize uint32
	dataDir   string
	metaDir   string
}

// New creates an encrypted directory access under the given master key.
func New(p *dirvault.DriverParams) (*Adapter, error) {
	if len(p.Key) != dirvault.KeyBytes {
		return nil, dirvault.NewConfigError("master key must be 32 bytes").
			WithCause(dirvault.ErrConfig)
	}
	absRoot, err := filepath.Abs(p.Root)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		root:      absRoot,
		version:   p.Version,
		exclude:   p.Exclude,
		config:    p.Config,
		key:       p.Key,
		chunkSize: p.ChunkSize,
		dataDir:   dirvault.DefaultDataDir,
		metaDir:   dirvault.DefaultMetaDir,
	}
	if a.chunkSize == 0 {
		a.chunkSize = filecrypt.DefaultChunkSize
	}
	if p.Config != nil {
		if p.Config.DataDir != "" {
			a.dataDir = p.Config.DataDir
		}
		if p.Config.MetaDir != "" {
			a.metaDir = p.Config.MetaDir
		}
	}
	return a, nil
}

func (a *Adapter) DirType() string { return dirvault.DirTypeCrypt }

func (a *Adapter) Root() string { return a.root }

func (a *Adapter) shard(p dirvault.Path) (dirvault.Path, error) {
	return dirvault.HashPath(a.key, p)
}

func (a *Adapter) dataPath(shard dirvault.Path) string {
	return filepath.Join(a.root, a.dataDir, filepath.FromSlash(shard.String()))
}

func (a *Adapter) metaPath(shard dirvault.Path) string {
	return filepath.Join(a.root, a.metaDir, filepath.FromSlash(shard.String()))
}

// CollectPaths enumerates the tree. When the sidecar subdirectory exists
// it is the fast path: only the content-free sidecar files are decrypted.
// Otherwise the ciphertext shard tree itself is walked in metadata-only
// mode and the sidecar is rebuilt along the way.
func (a *Adapter) CollectPaths() error {
	a.Reset()
	metaRoot := filepath.Join(a.root, a.metaDir)
	if st, err := os.Stat(metaRoot); err == nil && st.IsDir() {
		return a.walkShards(metaRoot, false)
	}
	return a.walkShards(filepath.Join(a.root, a.dataDir), true)
}

// RebuildMeta re-derives the sidecar from the ciphertext tree, decrypting
// every shard's metadata. Implements dirvault.MetaRebuilder.
func (a *Adapter) RebuildMeta() error {
	a.Reset()
	if err := os.RemoveAll(filepath.Join(a.root, a.metaDir)); err != nil {
		return &dirvault.PathError{Op: "rebuild-meta", Path: a.metaDir, Err: err}
	}
	return a.walkShards(filepath.Join(a.root, a.dataDir), true)
}

// walkShards enumerates one shard tree. Every surviving file is decrypted
// in metadata-only mode; the logical path bound inside must hash back to
// the on-disk shard location, otherwise the tree is corrupt or the wrong
// key is in use. With rebuild set, a sidecar record is written for every
// entry seen.
func (a *Adapter) walkShards(base string, rebuild bool) error {
	if _, err := os.Stat(base); os.IsNotExist(err) {
		// An empty encrypted tree has no shard subdirectory yet.
		return nil
	}
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if path == base {
			return err
		}
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(a.root, path)
		if rerr != nil {
			return nil
		}
		onDisk, perr := dirvault.ParsePath(filepath.ToSlash(rel))
		if perr != nil {
			return nil
		}

		if a.matchExclude(d.Name()) {
			a.Exclude(onDisk)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeType != 0 {
			a.Exclude(onDisk)
			return nil
		}

		raw, derr := filecrypt.Decrypt(a.key, path, "", filecrypt.DecryptOptions{MetadataOnly: true})
		if derr != nil {
			// Wrong key or tampered shard: fatal for the run.
			return derr
		}
		meta, derr := filecrypt.UnmarshalMeta(raw)
		if derr != nil {
			return derr
		}
		shard, derr := a.shard(meta.Path)
		if derr != nil {
			return derr
		}
		shardRel, rerr := filepath.Rel(base, path)
		if rerr != nil {
			return nil
		}
		if filepath.ToSlash(shardRel) != shard.String() {
			return dirvault.NewAuthenticityError("shard location does not match bound path").
				WithOp("collect").WithPath(path).WithCause(dirvault.ErrAuthenticity)
		}
		a.Include(meta)

		if rebuild {
			if werr := a.writeSidecar(shard, meta); werr != nil {
				return werr
			}
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

// writeSidecar records meta as a content-free encryption at the sidecar
// shard location.
func (a *Adapter) writeSidecar(shard dirvault.Path, meta dirvault.Meta) error {
	target := a.metaPath(shard)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return &dirvault.PathError{Op: "sidecar", Path: meta.Path.String(), Err: err}
	}
	return filecrypt.Encrypt(a.key, "", target, filecrypt.MarshalMeta(meta), a.chunkSize)
}

// writeEntry encrypts plainFile (or a pure-metadata placeholder) to the
// ciphertext shard and mirrors the metadata into the sidecar.
func (a *Adapter) writeEntry(plainFile string, meta dirvault.Meta) error {
	shard, err := a.shard(meta.Path)
	if err != nil {
		return err
	}
	target := a.dataPath(shard)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return &dirvault.PathError{Op: "encrypt", Path: meta.Path.String(), Err: err}
	}
	if err := filecrypt.Encrypt(a.key, plainFile, target, filecrypt.MarshalMeta(meta), a.chunkSize); err != nil {
		return err
	}
	if err := a.writeSidecar(shard, meta); err != nil {
		return err
	}
	a.Include(meta)
	return nil
}

// MakeDir records a directory placeholder: metadata only, no body.
func (a *Adapter) MakeDir(p dirvault.Path, mode uint32) error {
	meta := dirvault.Meta{
		Mode: dirvault.ModeDir | (mode & dirvault.ModePermMask),
		Path: p,
	}
	return a.writeEntry("", meta)
}

// RemoveDir removes the entry at p. A directory in an encrypted tree is a
// single placeholder shard, so removal is the same operation as for files.
func (a *Adapter) RemoveDir(p dirvault.Path) error {
	return a.RemoveFile(p)
}

// RemoveFile deletes the ciphertext shard and its sidecar record.
func (a *Adapter) RemoveFile(p dirvault.Path) error {
	shard, err := a.shard(p)
	if err != nil {
		return err
	}
	if err := os.Remove(a.dataPath(shard)); err != nil && !os.IsNotExist(err) {
		return &dirvault.PathError{Op: "remove", Path: p.String(), Err: err}
	}
	if err := os.Remove(a.metaPath(shard)); err != nil && !os.IsNotExist(err) {
		return &dirvault.PathError{Op: "remove", Path: p.String(), Err: err}
	}
	a.Drop(p)
	return nil
}

// PushFile encrypts srcAbs into the tree at p, carrying the source's mode
// and timestamps through the cipher boundary.
func (a *Adapter) PushFile(p dirvault.Path, srcAbs string) error {
	info, err := os.Lstat(srcAbs)
	if err != nil {
		return &dirvault.PathError{Op: "push", Path: p.String(), Err: err}
	}
	mode, mtime, ctime := dirvault.EntryStat(info)
	meta := dirvault.Meta{Mode: mode, Mtime: mtime, Ctime: ctime, Path: p}
	return a.writeEntry(srcAbs, meta)
}

// PullFile decrypts the entry at p into dstAbs. The decode asserts that
// the metadata bound inside the ciphertext names exactly p and a regular
// file: an adversary who rearranges shard files cannot make the tree
// deliver one file's bytes under another's name. The destination then
// takes the decoded permission bits and mtime.
func (a *Adapter) PullFile(p dirvault.Path, dstAbs string) error {
	shard, err := a.shard(p)
	if err != nil {
		return err
	}
	raw, err := filecrypt.Decrypt(a.key, a.dataPath(shard), dstAbs, filecrypt.DecryptOptions{
		Verify: func(metadata []byte) error {
			meta, err := filecrypt.UnmarshalMeta(metadata)
			if err != nil {
				return err
			}
			if !meta.Path.Equal(p) {
				return dirvault.NewAuthenticityError("ciphertext bound to path " + meta.Path.String()).
					WithCause(dirvault.ErrAuthenticity)
			}
			if meta.Type() != dirvault.TypeFile {
				return dirvault.NewAuthenticityError("ciphertext is not a regular file").
					WithCause(dirvault.ErrAuthenticity)
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	meta, err := filecrypt.UnmarshalMeta(raw)
	if err != nil {
		return err
	}
	if err := os.Chmod(dstAbs, fs.FileMode(meta.Perm())); err != nil {
		return &dirvault.PathError{Op: "chmod", Path: p.String(), Err: err}
	}
	mt := time.Unix(0, int64(meta.Mtime))
	if err := os.Chtimes(dstAbs, mt, mt); err != nil {
		return &dirvault.PathError{Op: "utime", Path: p.String(), Err: err}
	}
	return nil
}
