package scan

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/grafthq/graft/internal/hashio"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestWalkSortedAndComplete(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"b.txt":                    "bee",
		"a.txt":                    "ay",
		".hidden":                  "still included",
		"assets/ui/en/strings.txt": "hi",
		"assets/logo.bin":          "\x00\x01",
	}
	writeTree(t, root, files)

	s, err := Walk(root, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(s.Entries) != len(files) {
		t.Fatalf("got %d entries, want %d", len(s.Entries), len(files))
	}
	if !sort.SliceIsSorted(s.Entries, func(i, j int) bool {
		return s.Entries[i].Path < s.Entries[j].Path
	}) {
		t.Fatalf("entries not sorted: %#v", s.Entries)
	}

	for _, e := range s.Entries {
		if _, ok := files[e.Path]; !ok {
			t.Fatalf("unexpected entry %q", e.Path)
		}
		if e.Digest != hashio.Sum([]byte(files[e.Path])) {
			t.Fatalf("digest mismatch for %s", e.Path)
		}
		if e.Size != int64(len(files[e.Path])) {
			t.Fatalf("size mismatch for %s: %d", e.Path, e.Size)
		}
	}
}

func TestWalkExcludesBackupAlways(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"keep.txt":                        "k",
		BackupDirName + "/old.txt":        "journaled",
		AssetsDirName + "/stub-linux.bin": "stub",
	})

	s, err := Walk(root, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	paths := entryPaths(s)
	if _, ok := s.Lookup("keep.txt"); !ok {
		t.Fatalf("keep.txt missing from %v", paths)
	}
	if _, ok := s.Lookup(BackupDirName + "/old.txt"); ok {
		t.Fatalf("backup subtree scanned: %v", paths)
	}
	// Target scans include packaging-asset names; only patch roots
	// exclude them.
	if _, ok := s.Lookup(AssetsDirName + "/stub-linux.bin"); !ok {
		t.Fatalf("target scan should include %s: %v", AssetsDirName, paths)
	}

	ps, err := Walk(root, Options{PatchRoot: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Walk patch root: %v", err)
	}
	if _, ok := ps.Lookup(AssetsDirName + "/stub-linux.bin"); ok {
		t.Fatalf("patch-root scan should exclude %s: %v", AssetsDirName, entryPaths(ps))
	}
}

func TestWalkSkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs privileges on windows")
	}
	root := t.TempDir()
	writeTree(t, root, map[string]string{"real.txt": "data"})
	if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	s, err := Walk(root, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(s.Entries) != 1 || s.Entries[0].Path != "real.txt" {
		t.Fatalf("entries = %v, want only real.txt", entryPaths(s))
	}
}

func TestCheckPath(t *testing.T) {
	valid := []string{"a.txt", "dir/sub/file.bin", ".hidden", "weird name with spaces"}
	for _, p := range valid {
		if err := CheckPath(p); err != nil {
			t.Fatalf("CheckPath(%q) = %v", p, err)
		}
	}

	invalid := []string{"", "/abs", "a//b", "../escape", "a/../b", "./a", "a/.", "win\\path"}
	for _, p := range invalid {
		if err := CheckPath(p); err == nil {
			t.Fatalf("CheckPath(%q) succeeded", p)
		}
	}
}

func entryPaths(s *Scan) []string {
	out := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.Path)
	}
	return out
}
