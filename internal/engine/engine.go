// Package engine applies patch manifests to a target directory with a
// verify-then-mutate protocol. Phase P1 checks every precondition
// without touching the tree; phase P2 journals each file's prior state
// to a backup directory before mutating it, so any failure (or crash)
// rolls back to the exact original tree.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/grafthq/graft/internal/delta"
	"github.com/grafthq/graft/internal/fsutil"
	"github.com/grafthq/graft/internal/hashio"
	"github.com/grafthq/graft/internal/manifest"
	"github.com/grafthq/graft/internal/scan"
)

// VersionMarkerName records the applied patch_version at the target
// root, enabling downgrade warnings on later applies.
const VersionMarkerName = ".graft-version"

// replaceFile is swapped out by tests to inject mutation failures.
var replaceFile = fsutil.ReplaceFile

// ProgressFunc observes per-operation progress during phase P2.
type ProgressFunc func(done, total int, path string)

// Engine owns a target directory for the duration of one Apply or
// Rollback call. The caller guarantees no other process writes the
// target concurrently; the engine takes no lock itself.
type Engine struct {
	Logger   zerolog.Logger
	Progress ProgressFunc
}

// ApplyOptions selects caller behavior for one apply.
type ApplyOptions struct {
	// Force downgrades an Add onto an already-present, digest-equal
	// file from an error to a no-op.
	Force bool
	// PurgeBackup removes the backup directory after full success.
	PurgeBackup bool

	// set by tests to leave the tree mid-mutation for crash-recovery
	// scenarios.
	noAutoRollback bool
}

// plannedOp is one manifest entry plus its preflight outcome.
type plannedOp struct {
	manifest.Entry
	skip bool
}

// Apply executes the patch at patchDir against targetDir.
//
// Failures in phase P1 return *PreflightError (or a manifest
// *FormatError) with the tree untouched. Failures in phase P2 trigger
// rollback and return *ApplyError carrying the rollback outcome.
func (e *Engine) Apply(targetDir, patchDir string, opts ApplyOptions) error {
	m, err := manifest.Load(filepath.Join(patchDir, manifest.FileName))
	if err != nil {
		return err
	}
	e.Logger.Info().Str("title", m.Title).Str("patch_version", m.PatchVersion).
		Int("operations", len(m.Entries)).Msg("applying patch")
	e.warnDowngrade(targetDir, m.PatchVersion)

	plan, err := e.preflight(targetDir, patchDir, m, opts.Force)
	if err != nil {
		return err
	}

	j, err := newJournal(targetDir)
	if err != nil {
		return err
	}

	total := len(plan)
	for i, op := range plan {
		if op.skip {
			e.report(i+1, total, op.Path)
			continue
		}
		if err := e.journalThenMutate(targetDir, patchDir, j, op.Entry); err != nil {
			e.Logger.Error().Str("path", op.Path).Err(err).Msg("operation failed")
			if opts.noAutoRollback {
				return &ApplyError{Path: op.Path, Cause: err}
			}
			return &ApplyError{Path: op.Path, Cause: err, RollbackErr: e.Rollback(targetDir, RollbackOptions{})}
		}
		e.report(i+1, total, op.Path)
	}

	if err := e.postVerify(targetDir, plan); err != nil {
		e.Logger.Error().Err(err).Msg("post-verification failed")
		if opts.noAutoRollback {
			return &ApplyError{Cause: err}
		}
		return &ApplyError{Cause: err, RollbackErr: e.Rollback(targetDir, RollbackOptions{})}
	}

	e.writeVersionMarker(targetDir, m.PatchVersion)

	if opts.PurgeBackup {
		if err := os.RemoveAll(filepath.Join(targetDir, scan.BackupDirName)); err != nil {
			e.Logger.Warn().Err(err).Msg("could not purge backup directory")
		}
	}
	e.Logger.Info().Msg("patch applied")
	return nil
}

// preflight is phase P1: verify every precondition with zero
// filesystem mutation.
func (e *Engine) preflight(targetDir, patchDir string, m *manifest.Manifest, force bool) ([]plannedOp, error) {
	plan := make([]plannedOp, 0, len(m.Entries))
	for _, op := range m.Entries {
		target := filepath.Join(targetDir, filepath.FromSlash(op.Path))

		switch op.Op {
		case manifest.OpPatch, manifest.OpDelete:
			if err := checkSource(op, target); err != nil {
				return nil, err
			}
			if op.Op == manifest.OpPatch {
				ref := filepath.Join(patchDir, manifest.DiffsDir, op.DeltaRef)
				if _, err := os.Stat(ref); err != nil {
					return nil, &PreflightError{Path: op.Path, Kind: MissingPayload}
				}
			}
			plan = append(plan, plannedOp{Entry: op})

		case manifest.OpAdd:
			skip, err := checkAddTarget(op, target, force)
			if err != nil {
				return nil, err
			}
			if err := checkPayload(patchDir, op); err != nil {
				return nil, err
			}
			plan = append(plan, plannedOp{Entry: op, skip: skip})
			if skip {
				e.Logger.Info().Str("path", op.Path).Msg("target already has the new content; skipping")
			}
		}
	}
	return plan, nil
}

func checkSource(op manifest.Entry, target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return &PreflightError{Path: op.Path, Kind: MissingSource}
	}
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return &PreflightError{Path: op.Path, Kind: MissingSource, Expected: "regular file", Got: info.Mode().String()}
	}
	want, err := hashio.Parse(op.OldDigest)
	if err != nil {
		return &manifest.FormatError{Detail: err.Error()}
	}
	if err := hashio.CheckFile(target, want); err != nil {
		var mismatch *hashio.MismatchError
		if errors.As(err, &mismatch) {
			return &PreflightError{Path: op.Path, Kind: DigestMismatch, Expected: op.OldDigest, Got: mismatch.Got.String()}
		}
		return err
	}
	return nil
}

func checkAddTarget(op manifest.Entry, target string, force bool) (skip bool, err error) {
	_, statErr := os.Lstat(target)
	if os.IsNotExist(statErr) {
		return false, nil
	}
	if statErr != nil {
		return false, statErr
	}
	if !force {
		return false, &PreflightError{Path: op.Path, Kind: UnexpectedExistingTarget}
	}
	want, err := hashio.Parse(op.NewDigest)
	if err != nil {
		return false, &manifest.FormatError{Detail: err.Error()}
	}
	if err := hashio.CheckFile(target, want); err != nil {
		var mismatch *hashio.MismatchError
		if errors.As(err, &mismatch) {
			return false, &PreflightError{Path: op.Path, Kind: UnexpectedExistingTarget, Expected: op.NewDigest, Got: mismatch.Got.String()}
		}
		return false, err
	}
	return true, nil
}

func checkPayload(patchDir string, op manifest.Entry) error {
	ref := filepath.Join(patchDir, manifest.FilesDir, op.PayloadRef)
	if _, err := os.Stat(ref); err != nil {
		if os.IsNotExist(err) {
			return &PreflightError{Path: op.Path, Kind: MissingPayload}
		}
		return err
	}
	want, err := hashio.Parse(op.NewDigest)
	if err != nil {
		return &manifest.FormatError{Detail: err.Error()}
	}
	if err := hashio.CheckFile(ref, want); err != nil {
		var mismatch *hashio.MismatchError
		if errors.As(err, &mismatch) {
			return &PreflightError{Path: op.Path, Kind: DigestMismatch, Expected: op.NewDigest, Got: mismatch.Got.String()}
		}
		return err
	}
	return nil
}

// journalThenMutate enforces the journal invariant: the backup entry
// for a path is durable before that path is mutated.
func (e *Engine) journalThenMutate(targetDir, patchDir string, j *journal, op manifest.Entry) error {
	target := filepath.Join(targetDir, filepath.FromSlash(op.Path))

	switch op.Op {
	case manifest.OpPatch:
		if err := j.backupContent(targetDir, op); err != nil {
			return err
		}
		return e.mutatePatch(target, patchDir, op)

	case manifest.OpDelete:
		if err := j.backupContent(targetDir, op); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil {
			return err
		}
		pruneEmptyDirs(filepath.Dir(target), targetDir)
		return nil

	case manifest.OpAdd:
		if err := j.backupAbsence(op); err != nil {
			return err
		}
		payload := filepath.Join(patchDir, manifest.FilesDir, op.PayloadRef)
		return writeVerified(target, payload, op.NewDigest)
	}
	return fmt.Errorf("unknown op %q", op.Op)
}

func (e *Engine) mutatePatch(target, patchDir string, op manifest.Entry) error {
	oldBytes, err := os.ReadFile(target)
	if err != nil {
		return err
	}
	d, err := os.ReadFile(filepath.Join(patchDir, manifest.DiffsDir, op.DeltaRef))
	if err != nil {
		return err
	}
	newBytes, err := delta.Apply(oldBytes, d)
	if err != nil {
		return err
	}

	want, err := hashio.Parse(op.NewDigest)
	if err != nil {
		return &manifest.FormatError{Detail: err.Error()}
	}
	if got := hashio.Sum(newBytes); got != want {
		return &hashio.MismatchError{Path: op.Path, Want: want, Got: got}
	}

	tmp, err := fsutil.TempSibling(target)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(newBytes); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := replaceFile(tmp.Name(), target); err != nil {
		return err
	}
	return fsutil.SyncDir(filepath.Dir(target))
}

// writeVerified stages payload bytes to a temp sibling of target,
// verifies the digest, and renames into place, creating parent
// directories as needed.
func writeVerified(target, payload, wantHex string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := fsutil.TempSibling(target)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	src, err := os.Open(payload)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	_, copyErr := tmp.ReadFrom(src)
	_ = src.Close()
	if copyErr != nil {
		_ = tmp.Close()
		return copyErr
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	want, err := hashio.Parse(wantHex)
	if err != nil {
		return &manifest.FormatError{Detail: err.Error()}
	}
	if err := hashio.CheckFile(tmpName, want); err != nil {
		return err
	}
	if err := replaceFile(tmpName, target); err != nil {
		return err
	}
	return fsutil.SyncDir(filepath.Dir(target))
}

// postVerify re-checks every touched path against its expected
// post-state.
func (e *Engine) postVerify(targetDir string, plan []plannedOp) error {
	for _, op := range plan {
		if op.skip {
			continue
		}
		target := filepath.Join(targetDir, filepath.FromSlash(op.Path))
		switch op.Op {
		case manifest.OpDelete:
			if _, err := os.Lstat(target); !os.IsNotExist(err) {
				return fmt.Errorf("%s still present after delete", op.Path)
			}
		default:
			want, err := hashio.Parse(op.NewDigest)
			if err != nil {
				return err
			}
			if err := hashio.CheckFile(target, want); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) report(done, total int, path string) {
	if e.Progress != nil {
		e.Progress(done, total, path)
	}
}

// warnDowngrade compares the incoming patch_version against the
// target's version marker. Both must parse as semver for the check to
// apply.
func (e *Engine) warnDowngrade(targetDir, incoming string) {
	if incoming == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(targetDir, VersionMarkerName))
	if err != nil {
		return
	}
	current, err := semver.NewVersion(string(trimNewline(data)))
	if err != nil {
		return
	}
	next, err := semver.NewVersion(incoming)
	if err != nil {
		return
	}
	if next.LessThan(current) {
		e.Logger.Warn().Str("installed", current.String()).Str("patch", next.String()).
			Msg("patch version is older than the installed version")
	}
}

func (e *Engine) writeVersionMarker(targetDir, version string) {
	if version == "" {
		return
	}
	path := filepath.Join(targetDir, VersionMarkerName)
	if err := fsutil.AtomicWriteFile(path, []byte(version+"\n"), 0o644); err != nil {
		e.Logger.Warn().Err(err).Msg("could not write version marker")
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// pruneEmptyDirs removes dir and its parents while they are empty,
// stopping at root.
func pruneEmptyDirs(dir, root string) {
	for {
		if dir == root || len(dir) <= len(root) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
