package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grafthq/graft/internal/engine"
	"github.com/grafthq/graft/internal/manifest"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"usage", usageError{errors.New("bad flag")}, exitUsage},
		{"preflight", &engine.PreflightError{Path: "a", Kind: engine.DigestMismatch}, exitPreflight},
		{"apply rolled back", &engine.ApplyError{Path: "a", Cause: errors.New("boom")}, exitApplyFailed},
		{"apply with corrupt rollback", &engine.ApplyError{
			Path:        "a",
			Cause:       errors.New("boom"),
			RollbackErr: &engine.CorruptionError{Path: "a", BackupDir: "b"},
		}, exitUnrecoverable},
		{"unrecoverable", &engine.CorruptionError{Path: "a", BackupDir: "b"}, exitUnrecoverable},
		{"wrapped preflight", fmt.Errorf("context: %w", &engine.PreflightError{Path: "a"}), exitPreflight},
		{"generic io", errors.New("open: permission denied"), exitPreflight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestExactArgs(t *testing.T) {
	cmd := newRootCmd()
	validate := exactArgs(2)

	if err := validate(cmd, []string{"a", "b"}); err != nil {
		t.Fatalf("exactArgs(2) on 2 args: %v", err)
	}
	err := validate(cmd, []string{"a"})
	var ue usageError
	if !errors.As(err, &ue) {
		t.Fatalf("expected usageError, got %v", err)
	}
}

func TestLockTargetExcludes(t *testing.T) {
	dir := t.TempDir()

	release, err := lockTarget(dir)
	if err != nil {
		t.Fatalf("lockTarget: %v", err)
	}
	defer release()

	if _, err := lockTarget(dir); err == nil {
		t.Fatalf("second lockTarget on the same dir succeeded")
	}

	release()
	release2, err := lockTarget(dir)
	if err != nil {
		t.Fatalf("lockTarget after release: %v", err)
	}
	release2()
}

func TestLoadManifestFromDir(t *testing.T) {
	dir := t.TempDir()
	m := &manifest.Manifest{
		Version:   manifest.SchemaVersion,
		Title:     "info target",
		CreatedAt: manifest.Timestamp(time.Now()),
	}
	if err := m.Save(filepath.Join(dir, manifest.FileName)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, cleanup, err := loadManifestFrom(dir)
	if err != nil {
		t.Fatalf("loadManifestFrom: %v", err)
	}
	defer cleanup()
	if got.Title != "info target" {
		t.Fatalf("Title = %q", got.Title)
	}
}

func TestLoadManifestFromMissing(t *testing.T) {
	if _, _, err := loadManifestFrom(filepath.Join(t.TempDir(), "nope")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestStubCandidatesPlatform(t *testing.T) {
	for _, name := range stubCandidates() {
		if name == "" {
			t.Fatalf("empty stub candidate")
		}
	}
}
