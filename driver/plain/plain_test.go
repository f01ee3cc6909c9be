package plain

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/dirvault/dirvault"
)

func newAdapter(t *testing.T, root string, exclude ...string) *Adapter {
	t.Helper()
	pats := make([]*regexp.Regexp, 0, len(exclude))
	for _, e := range exclude {
		pats = append(pats, regexp.MustCompile(`\A(?:`+e+`)\z`))
	}
	a, err := New(&dirvault.DriverParams{Root: root, Version: dirvault.Version, Exclude: pats})
	if err != nil {
		t.Fatal(err)
	}
	return a
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

func TestCollectPaths(t *testing.T) {
	root := t.TempDir()
	mkFile(t, filepath.Join(root, "a.txt"), []byte("aaa"))
	mkFile(t, filepath.Join(root, "d", "x"), nil)
	mkFile(t, filepath.Join(root, "drop", "hidden"), []byte("x"))
	mkFile(t, filepath.Join(root, "drop.txt"), []byte("x"))
	if err := os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	a := newAdapter(t, root, "drop")
	if err := a.CollectPaths(); err != nil {
		t.Fatal(err)
	}

	inc := a.Included()
	for _, want := range []string{"a.txt", "d", "d/x", "drop.txt"} {
		if _, ok := inc[want]; !ok {
			t.Errorf("%s missing from included", want)
		}
	}
	if len(inc) != 4 {
		t.Errorf("included has %d entries, want 4: %v", len(inc), inc)
	}

	excluded := make(map[string]bool)
	for _, p := range a.Excluded() {
		excluded[p.String()] = true
	}
	if !excluded["drop"] {
		t.Error("pattern-matched directory not excluded")
	}
	if !excluded["link"] {
		t.Error("symlink not excluded")
	}
	// Excluded directories are not descended.
	if _, ok := inc["drop/hidden"]; ok || excluded["drop/hidden"] {
		t.Error("excluded subtree was walked")
	}

	if a.PathType(dirvault.Path{"d"}) != dirvault.TypeDir {
		t.Error("d is not a DIR")
	}
	if a.PathType(dirvault.Path{"a.txt"}) != dirvault.TypeFile {
		t.Error("a.txt is not a FILE")
	}
	if mtime, ctime, _ := a.PathTimes(dirvault.Path{"d"}); mtime != 0 || ctime != 0 {
		t.Error("directory timestamps should be 0")
	}
}

func TestPushFilePreservesModeAndMtime(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "src")
	mkFile(t, src, []byte("payload"))
	if err := os.Chmod(src, 0o640); err != nil {
		t.Fatal(err)
	}
	stamp := time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC)
	if err := os.Chtimes(src, stamp, stamp); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	a := newAdapter(t, root)
	if err := a.CollectPaths(); err != nil {
		t.Fatal(err)
	}
	if err := a.PushFile(dirvault.Path{"dst"}, src); err != nil {
		t.Fatal(err)
	}

	st, err := os.Stat(filepath.Join(root, "dst"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o640 {
		t.Errorf("mode = %o, want 640", st.Mode().Perm())
	}
	if !st.ModTime().Equal(stamp) {
		t.Errorf("mtime = %v, want %v", st.ModTime(), stamp)
	}
	if _, ok := a.Lookup(dirvault.Path{"dst"}); !ok {
		t.Error("pushed file missing from included")
	}
}

func TestMakeAndRemove(t *testing.T) {
	root := t.TempDir()
	a := newAdapter(t, root)
	if err := a.CollectPaths(); err != nil {
		t.Fatal(err)
	}

	if err := a.MakeDir(dirvault.Path{"d"}, dirvault.ModeDir|0o750); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(filepath.Join(root, "d"))
	if err != nil || !st.IsDir() {
		t.Fatalf("d not created: %v", err)
	}
	if st.Mode().Perm() != 0o750 {
		t.Errorf("dir mode = %o, want 750", st.Mode().Perm())
	}

	mkFile(t, filepath.Join(root, "d", "f"), []byte("x"))
	if err := a.RemoveDir(dirvault.Path{"d"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "d")); !os.IsNotExist(err) {
		t.Error("d still exists after RemoveDir")
	}
	if _, ok := a.Lookup(dirvault.Path{"d"}); ok {
		t.Error("d still in included after RemoveDir")
	}

	if err := a.RemoveFile(dirvault.Path{"missing"}); err == nil {
		t.Error("removing a missing file should report an error")
	}
}
