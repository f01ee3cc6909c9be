package dirvault_test

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirvault/dirvault"
	_ "github.com/dirvault/dirvault/driver/crypt"
	_ "github.com/dirvault/dirvault/driver/plain"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func generateKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, dirvault.KeyBytes)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func mkFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func openPlain(t *testing.T, root string) dirvault.Dir {
	t.Helper()
	d, err := dirvault.OpenDir(root, dirvault.OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func openCrypt(t *testing.T, root string, key []byte) dirvault.Dir {
	t.Helper()
	d, err := dirvault.OpenDir(root, dirvault.OpenOptions{TestKey: key})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func newSyncer(t *testing.T, local, remote dirvault.Dir, opts dirvault.SyncOptions) *dirvault.Syncer {
	t.Helper()
	s, err := dirvault.NewSyncer(testLogger(), local, remote, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustSync(t *testing.T, s *dirvault.Syncer, d dirvault.Direction) *dirvault.Report {
	t.Helper()
	report, err := s.Sync(d)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if fails := report.Failures(); len(fails) > 0 {
		t.Fatalf("sync had failures: %v", fails)
	}
	return report
}

// assertTreesEqual compares the regular files and directories of two
// plaintext trees: same paths, same content, same permission bits, mtimes
// within the sync resolution.
func assertTreesEqual(t *testing.T, want, got string) {
	t.Helper()
	seen := make(map[string]bool)
	err := filepath.Walk(want, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(want, path)
		if rel == "." || info.Name() == dirvault.ConfigFilename {
			return nil
		}
		seen[rel] = true
		other := filepath.Join(got, rel)
		otherInfo, err := os.Lstat(other)
		if err != nil {
			t.Errorf("%s missing from %s", rel, got)
			return nil
		}
		if info.IsDir() != otherInfo.IsDir() {
			t.Errorf("%s type mismatch", rel)
			return nil
		}
		if info.Mode().Perm() != otherInfo.Mode().Perm() {
			t.Errorf("%s mode %o != %o", rel, otherInfo.Mode().Perm(), info.Mode().Perm())
		}
		if !info.IsDir() {
			a, _ := os.ReadFile(path)
			b, _ := os.ReadFile(other)
			if !bytes.Equal(a, b) {
				t.Errorf("%s content mismatch", rel)
			}
			delta := info.ModTime().UnixNano() - otherInfo.ModTime().UnixNano()
			if delta < 0 {
				delta = -delta
			}
			if delta >= dirvault.TimeResolution {
				t.Errorf("%s mtime differs by %d ns", rel, delta)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// No extras on the other side.
	filepath.Walk(got, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(got, path)
		if rel == "." || info.Name() == dirvault.ConfigFilename {
			return nil
		}
		if !seen[rel] {
			t.Errorf("unexpected %s in %s", rel, got)
		}
		return nil
	})
}

func TestPushPullSingleFileEncrypted(t *testing.T) {
	key := generateKey(t)
	l1, remote, l2 := t.TempDir(), t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "a.txt"), bytes.Repeat([]byte{0x41}, 10))

	mustSync(t, newSyncer(t, openPlain(t, l1), openCrypt(t, remote, key), dirvault.SyncOptions{}), dirvault.Push)
	mustSync(t, newSyncer(t, openPlain(t, l2), openCrypt(t, remote, key), dirvault.SyncOptions{}), dirvault.Pull)

	assertTreesEqual(t, l1, l2)
}

func TestPushPullTreeWithSidecarRebuild(t *testing.T) {
	key := generateKey(t)
	l1, remote, l2 := t.TempDir(), t.TempDir(), t.TempDir()
	big := make([]byte, 4096)
	if _, err := rand.Read(big); err != nil {
		t.Fatal(err)
	}
	mkFile(t, filepath.Join(l1, "d", "x"), nil)
	mkFile(t, filepath.Join(l1, "d", "y"), big)

	mustSync(t, newSyncer(t, openPlain(t, l1), openCrypt(t, remote, key), dirvault.SyncOptions{}), dirvault.Push)

	// Dropping the sidecar forces the next enumeration to rebuild it from
	// the ciphertext tree.
	if err := os.RemoveAll(filepath.Join(remote, dirvault.DefaultMetaDir)); err != nil {
		t.Fatal(err)
	}

	mustSync(t, newSyncer(t, openPlain(t, l2), openCrypt(t, remote, key), dirvault.SyncOptions{}), dirvault.Pull)
	assertTreesEqual(t, l1, l2)
}

func TestPushPullPlainRemote(t *testing.T) {
	l1, remote, l2 := t.TempDir(), t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "d", "f"), []byte("payload"))
	mkFile(t, filepath.Join(l1, "top"), []byte("other"))

	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Push)
	mustSync(t, newSyncer(t, openPlain(t, l2), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Pull)
	assertTreesEqual(t, l1, l2)
}

func TestSyncIsIdempotent(t *testing.T) {
	key := generateKey(t)
	l1, remote := t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "d", "f"), []byte("payload"))

	mustSync(t, newSyncer(t, openPlain(t, l1), openCrypt(t, remote, key), dirvault.SyncOptions{}), dirvault.Push)
	report := mustSync(t, newSyncer(t, openPlain(t, l1), openCrypt(t, remote, key), dirvault.SyncOptions{}), dirvault.Push)
	for _, rec := range report.Records() {
		if rec.Action == dirvault.ActionCopyFile {
			t.Errorf("unchanged file %s was recopied", rec.Path)
		}
	}
}

func TestOlderSourceDoesNotOverwrite(t *testing.T) {
	l1, remote := t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "f"), []byte("old"))
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(l1, "f"), past, past); err != nil {
		t.Fatal(err)
	}
	mkFile(t, filepath.Join(remote, "f"), []byte("newer"))

	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Push)
	got, _ := os.ReadFile(filepath.Join(remote, "f"))
	if string(got) != "newer" {
		t.Error("older source overwrote newer destination")
	}
}

func TestRemovalOrdering(t *testing.T) {
	l1, remote := t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "d", "sub", "f1"), []byte("1"))
	mkFile(t, filepath.Join(l1, "d", "sub", "f2"), []byte("2"))
	mkFile(t, filepath.Join(l1, "d", "f3"), []byte("3"))
	mkFile(t, filepath.Join(l1, "keep"), []byte("k"))

	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Push)

	// The whole subtree disappears on the source.
	if err := os.RemoveAll(filepath.Join(l1, "d")); err != nil {
		t.Fatal(err)
	}
	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Push)

	if _, err := os.Stat(filepath.Join(remote, "d")); !os.IsNotExist(err) {
		t.Error("removed subtree survived on the destination")
	}
	if _, err := os.Stat(filepath.Join(remote, "keep")); err != nil {
		t.Error("unrelated file was removed")
	}
}

func TestExclusion(t *testing.T) {
	key := generateKey(t)
	l1, remote := t.TempDir(), t.TempDir()
	if err := dirvault.InitConfig(dirvault.DirTypePlain, l1, []string{"drop"}, nil, false); err != nil {
		t.Fatal(err)
	}
	mkFile(t, filepath.Join(l1, "keep"), []byte("keep me"))
	mkFile(t, filepath.Join(l1, "drop"), []byte("not me"))

	remoteDir := openCrypt(t, remote, key)
	mustSync(t, newSyncer(t, openPlain(t, l1), remoteDir, dirvault.SyncOptions{}), dirvault.Push)

	if err := remoteDir.CollectPaths(); err != nil {
		t.Fatal(err)
	}
	if _, ok := remoteDir.Included()["keep"]; !ok {
		t.Error("keep missing from remote")
	}
	if _, ok := remoteDir.Included()["drop"]; ok {
		t.Error("excluded file was pushed")
	}
	shard, err := dirvault.HashPath(key, dirvault.Path{"keep"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(remote, dirvault.DefaultDataDir, filepath.FromSlash(shard.String()))); err != nil {
		t.Error("shard(keep) missing on disk")
	}
}

func TestExcludedDestinationPathIsNotRemoved(t *testing.T) {
	l1, remote := t.TempDir(), t.TempDir()
	if err := dirvault.InitConfig(dirvault.DirTypePlain, remote, []string{"private"}, nil, false); err != nil {
		t.Fatal(err)
	}
	mkFile(t, filepath.Join(l1, "f"), []byte("x"))
	mkFile(t, filepath.Join(remote, "private"), []byte("leave me alone"))

	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Push)
	if _, err := os.Stat(filepath.Join(remote, "private")); err != nil {
		t.Error("excluded destination path was removed")
	}
}

func TestFileReplacesDirectory(t *testing.T) {
	l1, remote := t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "p"), []byte("now a file"))
	mkFile(t, filepath.Join(remote, "p", "child"), []byte("was a dir"))

	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Push)

	st, err := os.Stat(filepath.Join(remote, "p"))
	if err != nil {
		t.Fatal(err)
	}
	if st.IsDir() {
		t.Fatal("p is still a directory")
	}
	got, _ := os.ReadFile(filepath.Join(remote, "p"))
	if string(got) != "now a file" {
		t.Error("content mismatch after type transition")
	}
}

func TestDirectoryReplacesFile(t *testing.T) {
	l1, remote := t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "p", "child"), []byte("x"))
	mkFile(t, filepath.Join(remote, "p"), []byte("was a file"))

	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Push)

	st, err := os.Stat(filepath.Join(remote, "p"))
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsDir() {
		t.Fatal("p is not a directory")
	}
	if _, err := os.Stat(filepath.Join(remote, "p", "child")); err != nil {
		t.Error("child was not created")
	}
}

func TestDiffOnlyMutatesNothing(t *testing.T) {
	l1, remote := t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "f"), []byte("x"))

	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{DiffOnly: true}), dirvault.Push)
	entries, err := os.ReadDir(remote)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Error("diffonly sync wrote to the destination")
	}
}

func TestUseCtimeForcesRecopy(t *testing.T) {
	l1, remote := t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "f"), []byte("x"))
	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Push)

	// A chmod bumps ctime but not mtime.
	time.Sleep(20 * time.Millisecond)
	if err := os.Chmod(filepath.Join(l1, "f"), 0o600); err != nil {
		t.Fatal(err)
	}

	report := mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{UseCtime: true}), dirvault.Push)
	copied := false
	for _, rec := range report.Records() {
		if rec.Action == dirvault.ActionCopyFile {
			copied = true
		}
	}
	if !copied {
		t.Error("ctime change did not force a recopy")
	}
	st, err := os.Stat(filepath.Join(remote, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Error("metadata change did not propagate")
	}
}

func TestVerifyDetectsTamperedRemote(t *testing.T) {
	key := generateKey(t)
	l1, remote := t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "f"), []byte("payload"))
	mustSync(t, newSyncer(t, openPlain(t, l1), openCrypt(t, remote, key), dirvault.SyncOptions{}), dirvault.Push)

	s := newSyncer(t, openPlain(t, l1), openCrypt(t, remote, key), dirvault.SyncOptions{})
	result, err := s.Verify(dirvault.ChecksumXXHash)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Clean() || result.Checked != 1 {
		t.Fatalf("fresh push should verify clean, got %+v", result)
	}

	shard, err := dirvault.HashPath(key, dirvault.Path{"f"})
	if err != nil {
		t.Fatal(err)
	}
	dataFile := filepath.Join(remote, dirvault.DefaultDataDir, filepath.FromSlash(shard.String()))
	raw, err := os.ReadFile(dataFile)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0x01
	if err := os.WriteFile(dataFile, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	s = newSyncer(t, openPlain(t, l1), openCrypt(t, remote, key), dirvault.SyncOptions{})
	if _, err := s.Verify(dirvault.ChecksumXXHash); !dirvault.IsAuthenticity(err) {
		t.Fatalf("tampered remote verified as %v, want authenticity error", err)
	}
}

func TestVerifyDetectsContentDrift(t *testing.T) {
	l1, remote := t.TempDir(), t.TempDir()
	mkFile(t, filepath.Join(l1, "f"), []byte("same"))
	mustSync(t, newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{}), dirvault.Push)

	// Change remote bytes but keep size and mtime, so only a digest can
	// tell the difference.
	info, err := os.Stat(filepath.Join(remote, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(remote, "f"), []byte("diff"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(remote, "f"), info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	s := newSyncer(t, openPlain(t, l1), openPlain(t, remote), dirvault.SyncOptions{})
	result, err := s.Verify(dirvault.ChecksumXXHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Mismatched) != 1 || result.Mismatched[0].String() != "f" {
		t.Fatalf("drift not detected: %+v", result)
	}
}

func TestWrongPasswordFailsBeforeSync(t *testing.T) {
	remote := t.TempDir()
	if err := dirvault.InitConfig(dirvault.DirTypeCrypt, remote, nil, []byte("correct"), false); err != nil {
		t.Fatal(err)
	}
	_, err := dirvault.OpenDir(remote, dirvault.OpenOptions{
		Password: func() ([]byte, error) { return []byte("wrong"), nil },
	})
	if !dirvault.IsAuthenticity(err) {
		t.Fatalf("open with wrong password = %v, want authenticity error", err)
	}
}

func TestLocalMustBePlain(t *testing.T) {
	key := generateKey(t)
	root := t.TempDir()
	crypt := openCrypt(t, root, key)
	if _, err := dirvault.NewSyncer(testLogger(), crypt, crypt, dirvault.SyncOptions{}); !dirvault.IsUsage(err) {
		t.Fatalf("crypt local accepted: %v", err)
	}
}
