// Package manifest defines the versioned patch manifest: a canonical,
// sorted list of per-path operations with pre/post content digests.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/grafthq/graft/internal/fsutil"
	"github.com/grafthq/graft/internal/scan"
)

// SchemaVersion is the manifest schema identifier written by this
// build and the only version it accepts.
const SchemaVersion = "1"

// FileName is the manifest's name inside a patch directory. Its
// presence signals a complete patch directory, so builders write it
// last.
const FileName = "manifest.json"

const (
	// DiffsDir holds one delta per Patch op, named by RefName.
	DiffsDir = "diffs"
	// FilesDir holds one verbatim payload per Add op, named by RefName.
	FilesDir = "files"
)

// Op tags a per-path action.
type Op string

const (
	OpAdd    Op = "add"
	OpPatch  Op = "patch"
	OpDelete Op = "delete"
)

// Entry is one operation. Which fields are meaningful depends on Op;
// MarshalJSON emits exactly the keys the wire format defines for each.
type Entry struct {
	Op         Op
	Path       string
	OldDigest  string
	OldSize    uint64
	NewDigest  string
	NewSize    uint64
	PayloadRef string
	DeltaRef   string
}

// Manifest describes a patch: metadata plus operations sorted by path.
type Manifest struct {
	Version      string  `json:"version"`
	Title        string  `json:"title"`
	PatchVersion string  `json:"patch_version,omitempty"`
	CreatedAt    string  `json:"created_at"`
	Entries      []Entry `json:"entries"`
}

// FormatError reports a structural or schema violation in a manifest.
type FormatError struct {
	Detail string
}

func (e *FormatError) Error() string {
	return "manifest corrupt: " + e.Detail
}

// RefName derives the payload/delta filename for a relative path: the
// hex SHA-256 of the path itself. Stable, collision-resistant, and
// free of any filesystem-hostile characters.
func RefName(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])
}

// Timestamp renders t in the manifest's RFC3339 form.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (e *Entry) MarshalJSON() ([]byte, error) {
	m := map[string]any{"op": e.Op, "path": e.Path}
	switch e.Op {
	case OpAdd:
		m["new_digest"] = e.NewDigest
		m["new_size"] = e.NewSize
		m["payload_ref"] = e.PayloadRef
	case OpPatch:
		m["old_digest"] = e.OldDigest
		m["old_size"] = e.OldSize
		m["new_digest"] = e.NewDigest
		m["new_size"] = e.NewSize
		m["delta_ref"] = e.DeltaRef
	case OpDelete:
		m["old_digest"] = e.OldDigest
		m["old_size"] = e.OldSize
	default:
		return nil, fmt.Errorf("unknown op %q", e.Op)
	}
	return json.Marshal(m)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Op         Op     `json:"op"`
		Path       string `json:"path"`
		OldDigest  string `json:"old_digest"`
		OldSize    uint64 `json:"old_size"`
		NewDigest  string `json:"new_digest"`
		NewSize    uint64 `json:"new_size"`
		PayloadRef string `json:"payload_ref"`
		DeltaRef   string `json:"delta_ref"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Entry(raw)
	return nil
}

// Validate checks the structural invariants: known schema version,
// sorted unique valid paths, per-op field completeness, well-formed
// digests.
func (m *Manifest) Validate() error {
	if m.Version != SchemaVersion {
		return &FormatError{Detail: fmt.Sprintf("unsupported schema version %q", m.Version)}
	}
	if _, err := time.Parse(time.RFC3339, m.CreatedAt); err != nil {
		return &FormatError{Detail: fmt.Sprintf("bad created_at %q", m.CreatedAt)}
	}

	var prev string
	for i, e := range m.Entries {
		if err := scan.CheckPath(e.Path); err != nil {
			return &FormatError{Detail: fmt.Sprintf("entry %d: %v", i, err)}
		}
		if i > 0 && e.Path <= prev {
			return &FormatError{Detail: fmt.Sprintf("entries not sorted by path at %q", e.Path)}
		}
		prev = e.Path

		if err := e.check(); err != nil {
			return &FormatError{Detail: fmt.Sprintf("entry for %s: %v", e.Path, err)}
		}
	}
	return nil
}

func (e *Entry) check() error {
	switch e.Op {
	case OpAdd:
		if err := checkDigest(e.NewDigest); err != nil {
			return fmt.Errorf("new_digest: %w", err)
		}
		if e.PayloadRef == "" {
			return fmt.Errorf("missing payload_ref")
		}
	case OpPatch:
		if err := checkDigest(e.OldDigest); err != nil {
			return fmt.Errorf("old_digest: %w", err)
		}
		if err := checkDigest(e.NewDigest); err != nil {
			return fmt.Errorf("new_digest: %w", err)
		}
		if e.OldDigest == e.NewDigest {
			return fmt.Errorf("patch with identical digests")
		}
		if e.DeltaRef == "" {
			return fmt.Errorf("missing delta_ref")
		}
	case OpDelete:
		if err := checkDigest(e.OldDigest); err != nil {
			return fmt.Errorf("old_digest: %w", err)
		}
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}

func checkDigest(s string) error {
	if len(s) != 64 {
		return fmt.Errorf("want 64 hex chars, got %d", len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("not lowercase hex: %q", s)
		}
	}
	return nil
}

// Sort orders entries canonically by path.
func (m *Manifest) Sort() {
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
}

// Load reads, schema-checks, and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &FormatError{Detail: err.Error()}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the manifest atomically. Callers ensure payloads are
// already durable; the manifest's appearance commits the directory.
func (m *Manifest) Save(path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWriteFile(path, append(data, '\n'), 0o644)
}
