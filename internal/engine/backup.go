package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grafthq/graft/internal/fsutil"
	"github.com/grafthq/graft/internal/manifest"
	"github.com/grafthq/graft/internal/scan"
)

// BackupManifestName is the journal file inside the backup directory.
const BackupManifestName = "backup-manifest.json"

const (
	actionRestoreContent = "restore-content"
	actionRestoreAbsence = "restore-absence"
)

// backupEntry journals one touched path, in the order it was touched.
// restore-content entries have a byte-for-byte copy of the original
// file at the same relative path inside the backup directory.
type backupEntry struct {
	Action    string `json:"action"`
	Path      string `json:"path"`
	OldDigest string `json:"old_digest,omitempty"`
	OldSize   uint64 `json:"old_size,omitempty"`
}

type backupManifest struct {
	Version   string        `json:"version"`
	CreatedAt string        `json:"created_at"`
	Entries   []backupEntry `json:"entries"`
}

// journal is the undo log. Every append is durable before the
// mutation it documents runs: entry write, file sync, directory sync.
type journal struct {
	dir      string
	manifest backupManifest
}

func newJournal(targetDir string) (*journal, error) {
	dir := filepath.Join(targetDir, scan.BackupDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	j := &journal{
		dir: dir,
		manifest: backupManifest{
			Version:   manifest.SchemaVersion,
			CreatedAt: manifest.Timestamp(time.Now()),
		},
	}
	if err := j.flush(); err != nil {
		return nil, err
	}
	return j, nil
}

// backupContent copies the current target file into the backup tree
// and journals a restore-content entry. Returns only after both the
// copy and the journal are on disk.
func (j *journal) backupContent(targetDir string, e manifest.Entry) error {
	src := filepath.Join(targetDir, filepath.FromSlash(e.Path))
	dst := filepath.Join(j.dir, filepath.FromSlash(e.Path))
	if err := fsutil.CopyFile(src, dst, 0o644); err != nil {
		return fmt.Errorf("back up %s: %w", e.Path, err)
	}
	if err := fsutil.SyncDir(filepath.Dir(dst)); err != nil {
		return fmt.Errorf("sync backup dir: %w", err)
	}
	return j.append(backupEntry{
		Action:    actionRestoreContent,
		Path:      e.Path,
		OldDigest: e.OldDigest,
		OldSize:   e.OldSize,
	})
}

// backupAbsence journals that e.Path did not exist before the apply.
func (j *journal) backupAbsence(e manifest.Entry) error {
	return j.append(backupEntry{Action: actionRestoreAbsence, Path: e.Path})
}

func (j *journal) append(e backupEntry) error {
	j.manifest.Entries = append(j.manifest.Entries, e)
	return j.flush()
}

func (j *journal) flush() error {
	data, err := json.MarshalIndent(&j.manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.AtomicWriteFile(filepath.Join(j.dir, BackupManifestName), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write backup manifest: %w", err)
	}
	return fsutil.SyncDir(j.dir)
}

func readBackupManifest(backupDir string) (*backupManifest, error) {
	data, err := os.ReadFile(filepath.Join(backupDir, BackupManifestName))
	if err != nil {
		return nil, err
	}
	var m backupManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse backup manifest: %w", err)
	}
	for _, e := range m.Entries {
		if err := scan.CheckPath(e.Path); err != nil {
			return nil, fmt.Errorf("backup manifest: %w", err)
		}
		if e.Action != actionRestoreContent && e.Action != actionRestoreAbsence {
			return nil, fmt.Errorf("backup manifest: unknown action %q", e.Action)
		}
	}
	return &m, nil
}
