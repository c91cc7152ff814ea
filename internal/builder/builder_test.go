package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/grafthq/graft/internal/delta"
	"github.com/grafthq/graft/internal/hashio"
	"github.com/grafthq/graft/internal/manifest"
	"github.com/grafthq/graft/internal/scan"
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

func scanTree(t *testing.T, root string) *scan.Scan {
	t.Helper()
	s, err := scan.Walk(root, scan.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Walk(%s): %v", root, err)
	}
	return s
}

func build(t *testing.T, orig, mod map[string]string, opts Options) (string, *manifest.Manifest) {
	t.Helper()
	origDir := t.TempDir()
	modDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "patch")
	writeTree(t, origDir, orig)
	writeTree(t, modDir, mod)

	m, err := Build(scanTree(t, origDir), scanTree(t, modDir), outDir, opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return outDir, m
}

func TestBuildPureModify(t *testing.T) {
	outDir, m := build(t,
		map[string]string{"a.txt": "hello"},
		map[string]string{"a.txt": "hello world"},
		Options{Title: "modify", Logger: zerolog.Nop()})

	if len(m.Entries) != 1 {
		t.Fatalf("entries = %#v, want one patch op", m.Entries)
	}
	e := m.Entries[0]
	if e.Op != manifest.OpPatch || e.Path != "a.txt" {
		t.Fatalf("entry = %#v", e)
	}
	if e.OldDigest != hashio.Sum([]byte("hello")).String() ||
		e.NewDigest != hashio.Sum([]byte("hello world")).String() {
		t.Fatalf("digests wrong: %#v", e)
	}

	// The staged delta must reconstruct the modified bytes.
	d, err := os.ReadFile(filepath.Join(outDir, manifest.DiffsDir, e.DeltaRef))
	if err != nil {
		t.Fatalf("read delta: %v", err)
	}
	got, err := delta.Apply([]byte("hello"), d)
	if err != nil {
		t.Fatalf("apply staged delta: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("staged delta produced %q", got)
	}
}

func TestBuildAddAndDelete(t *testing.T) {
	outDir, m := build(t,
		map[string]string{"keep.bin": "\x00\x01", "gone.bin": "\xFF"},
		map[string]string{"keep.bin": "\x00\x01", "new.bin": "\xAA\xBB"},
		Options{Title: "add+delete", Logger: zerolog.Nop()})

	if len(m.Entries) != 2 {
		t.Fatalf("entries = %#v, want add+delete", m.Entries)
	}
	// Canonical order: gone.bin before new.bin.
	if m.Entries[0].Op != manifest.OpDelete || m.Entries[0].Path != "gone.bin" {
		t.Fatalf("first entry = %#v", m.Entries[0])
	}
	if m.Entries[1].Op != manifest.OpAdd || m.Entries[1].Path != "new.bin" {
		t.Fatalf("second entry = %#v", m.Entries[1])
	}

	payload := filepath.Join(outDir, manifest.FilesDir, m.Entries[1].PayloadRef)
	if err := hashio.CheckFile(payload, hashio.Sum([]byte("\xAA\xBB"))); err != nil {
		t.Fatalf("staged payload: %v", err)
	}
}

func TestBuildUnchangedEmitsNothing(t *testing.T) {
	_, m := build(t,
		map[string]string{"same.txt": "stable"},
		map[string]string{"same.txt": "stable"},
		Options{Title: "noop", Logger: zerolog.Nop()})
	if len(m.Entries) != 0 {
		t.Fatalf("entries = %#v, want none", m.Entries)
	}
}

func TestBuildNestedPaths(t *testing.T) {
	_, m := build(t,
		map[string]string{},
		map[string]string{"assets/ui/en/strings.txt": "hi"},
		Options{Title: "nested", Logger: zerolog.Nop()})
	if len(m.Entries) != 1 || m.Entries[0].Path != "assets/ui/en/strings.txt" {
		t.Fatalf("entries = %#v", m.Entries)
	}
}

func TestBuildManifestLoadsBack(t *testing.T) {
	outDir, _ := build(t,
		map[string]string{"a": "1", "b": "2"},
		map[string]string{"b": "2 changed", "c": "3"},
		Options{Title: "reload", Version: "2.0.0", Logger: zerolog.Nop()})

	m, err := manifest.Load(filepath.Join(outDir, manifest.FileName))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Title != "reload" || m.PatchVersion != "2.0.0" || len(m.Entries) != 3 {
		t.Fatalf("reloaded manifest = %#v", m)
	}
}

func TestBuildNonSemverVersionAccepted(t *testing.T) {
	// Only warns; the manifest still records the string verbatim.
	_, m := build(t,
		map[string]string{"a": "1"},
		map[string]string{"a": "2"},
		Options{Title: "v", Version: "build-1234", Logger: zerolog.Nop()})
	if m.PatchVersion != "build-1234" {
		t.Fatalf("PatchVersion = %q", m.PatchVersion)
	}
}
