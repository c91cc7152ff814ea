package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grafthq/graft/internal/fsutil"
	"github.com/grafthq/graft/internal/hashio"
	"github.com/grafthq/graft/internal/scan"
)

// RollbackOptions selects caller behavior for one rollback.
type RollbackOptions struct {
	// Purge removes the backup directory after a fully verified
	// restore.
	Purge bool
}

// Rollback restores the target tree from its backup journal, newest
// entry first. It is safe to re-run after a crash: entries whose
// backup copy is already consumed are accepted when the target
// already carries the original content.
//
// A file that can be neither restored nor verified yields
// *CorruptionError and leaves the backup directory untouched.
func (e *Engine) Rollback(targetDir string, opts RollbackOptions) error {
	backupDir := filepath.Join(targetDir, scan.BackupDirName)
	m, err := readBackupManifest(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup to roll back at %s: %w", targetDir, err)
		}
		return err
	}

	for i := len(m.Entries) - 1; i >= 0; i-- {
		en := m.Entries[i]
		target := filepath.Join(targetDir, filepath.FromSlash(en.Path))

		switch en.Action {
		case actionRestoreContent:
			if err := e.restoreContent(backupDir, target, en); err != nil {
				return err
			}

		case actionRestoreAbsence:
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				return &CorruptionError{Path: en.Path, BackupDir: backupDir, Cause: err}
			}
			pruneEmptyDirs(filepath.Dir(target), targetDir)
		}
	}

	// Post-verification: every restored file must carry its pre-apply
	// digest.
	for _, en := range m.Entries {
		if en.Action != actionRestoreContent {
			continue
		}
		want, err := hashio.Parse(en.OldDigest)
		if err != nil {
			return &CorruptionError{Path: en.Path, BackupDir: backupDir, Cause: err}
		}
		target := filepath.Join(targetDir, filepath.FromSlash(en.Path))
		if err := hashio.CheckFile(target, want); err != nil {
			return &CorruptionError{Path: en.Path, BackupDir: backupDir, Cause: err}
		}
	}

	// The marker reflects the rolled-back apply; drop it so it cannot
	// claim a version the tree no longer has.
	_ = os.Remove(filepath.Join(targetDir, VersionMarkerName))

	if opts.Purge {
		if err := os.RemoveAll(backupDir); err != nil {
			e.Logger.Warn().Err(err).Msg("could not purge backup directory")
		}
	}
	e.Logger.Info().Int("restored", len(m.Entries)).Msg("rollback complete")
	return nil
}

func (e *Engine) restoreContent(backupDir, target string, en backupEntry) error {
	src := filepath.Join(backupDir, filepath.FromSlash(en.Path))

	if _, err := os.Lstat(src); errors.Is(err, os.ErrNotExist) {
		// Already consumed by a previous rollback run. Acceptable only
		// if the target already holds the original bytes.
		want, perr := hashio.Parse(en.OldDigest)
		if perr != nil {
			return &CorruptionError{Path: en.Path, BackupDir: backupDir, Cause: perr}
		}
		if cerr := hashio.CheckFile(target, want); cerr != nil {
			return &CorruptionError{Path: en.Path, BackupDir: backupDir, Cause: cerr}
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &CorruptionError{Path: en.Path, BackupDir: backupDir, Cause: err}
	}
	if err := replaceFile(src, target); err != nil {
		return &CorruptionError{Path: en.Path, BackupDir: backupDir, Cause: err}
	}
	if err := fsutil.SyncDir(filepath.Dir(target)); err != nil {
		e.Logger.Warn().Str("path", en.Path).Err(err).Msg("could not sync directory after restore")
	}
	return nil
}
