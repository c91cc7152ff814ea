package engine

import "fmt"

// PreflightKind names the precondition that failed.
type PreflightKind string

const (
	// MissingSource: a Patch/Delete target does not exist.
	MissingSource PreflightKind = "missing-source"
	// UnexpectedExistingTarget: an Add target already exists.
	UnexpectedExistingTarget PreflightKind = "unexpected-existing-target"
	// DigestMismatch: content does not hash to the manifest's digest.
	DigestMismatch PreflightKind = "digest-mismatch"
	// MissingPayload: a delta_ref/payload_ref is absent from the patch
	// directory.
	MissingPayload PreflightKind = "missing-payload"
)

// PreflightError aborts an apply before any mutation. The target tree
// is untouched.
type PreflightError struct {
	Path     string
	Kind     PreflightKind
	Expected string
	Got      string
}

func (e *PreflightError) Error() string {
	msg := fmt.Sprintf("preflight failed for %s: %s", e.Path, e.Kind)
	if e.Expected != "" || e.Got != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", e.Expected, e.Got)
	}
	return msg + "; target unchanged"
}

// ApplyError reports a mutation-phase failure together with the
// outcome of the automatic rollback.
type ApplyError struct {
	Path        string
	Cause       error
	RollbackErr error
}

func (e *ApplyError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("apply failed at %s: %v; rollback also failed: %v", e.Path, e.Cause, e.RollbackErr)
	}
	return fmt.Sprintf("apply failed at %s: %v; target rolled back", e.Path, e.Cause)
}

func (e *ApplyError) Unwrap() error { return e.Cause }

// CorruptionError is terminal: rollback could not restore a file. The
// backup directory is left in place for forensics.
type CorruptionError struct {
	Path      string
	BackupDir string
	Cause     error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("unrecoverable corruption at %s", e.Path)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg + "; backup preserved at " + e.BackupDir
}

func (e *CorruptionError) Unwrap() error { return e.Cause }
