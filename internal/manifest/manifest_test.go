package manifest

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	digA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	digB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func sample() *Manifest {
	return &Manifest{
		Version:      SchemaVersion,
		Title:        "Season 2 content update",
		PatchVersion: "1.4.0",
		CreatedAt:    Timestamp(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Entries: []Entry{
			{Op: OpPatch, Path: "a.txt", OldDigest: digA, OldSize: 5, NewDigest: digB, NewSize: 11, DeltaRef: RefName("a.txt")},
			{Op: OpAdd, Path: "new.bin", NewDigest: digB, NewSize: 2, PayloadRef: RefName("new.bin")},
			{Op: OpDelete, Path: "old.bin", OldDigest: digA, OldSize: 1},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	m := sample()
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Title != m.Title || got.PatchVersion != m.PatchVersion || len(got.Entries) != 3 {
		t.Fatalf("round trip lost data: %#v", got)
	}
	if got.Entries[0] != m.Entries[0] || got.Entries[1] != m.Entries[1] || got.Entries[2] != m.Entries[2] {
		t.Fatalf("entries differ:\n got %#v\nwant %#v", got.Entries, m.Entries)
	}
}

func TestMarshalEmitsPerOpKeys(t *testing.T) {
	m := sample()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)

	// The delete entry must not carry new_* keys, and the add entry no
	// old_* keys.
	var decoded struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	add := decoded.Entries[1]
	if _, ok := add["old_digest"]; ok {
		t.Fatalf("add entry carries old_digest: %s", s)
	}
	if _, ok := add["new_size"]; !ok {
		t.Fatalf("add entry missing new_size: %s", s)
	}
	del := decoded.Entries[2]
	if _, ok := del["new_digest"]; ok {
		t.Fatalf("delete entry carries new_digest: %s", s)
	}
	if _, ok := del["old_size"]; !ok {
		t.Fatalf("delete entry missing old_size: %s", s)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"unknown version", func(m *Manifest) { m.Version = "99" }},
		{"bad timestamp", func(m *Manifest) { m.CreatedAt = "yesterday" }},
		{"unsorted", func(m *Manifest) {
			m.Entries[0], m.Entries[2] = m.Entries[2], m.Entries[0]
		}},
		{"duplicate path", func(m *Manifest) { m.Entries[1].Path = m.Entries[0].Path; m.Sort() }},
		{"traversal path", func(m *Manifest) { m.Entries[0].Path = "../../etc/passwd" }},
		{"short digest", func(m *Manifest) { m.Entries[0].OldDigest = "abc" }},
		{"uppercase digest", func(m *Manifest) { m.Entries[0].OldDigest = strings.ToUpper(digA) }},
		{"patch equal digests", func(m *Manifest) { m.Entries[0].NewDigest = m.Entries[0].OldDigest }},
		{"add missing payload ref", func(m *Manifest) { m.Entries[1].PayloadRef = "" }},
		{"unknown op", func(m *Manifest) { m.Entries[0].Op = "replace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sample()
			tt.mutate(m)
			err := m.Validate()
			var ferr *FormatError
			if !errors.As(err, &ferr) {
				t.Fatalf("expected FormatError, got %v", err)
			}
		})
	}
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "not json at all"},
		{"wrong root type", `[]`},
		{"missing title", `{"version":"1","created_at":"2026-03-01T12:00:00Z","entries":[]}`},
		{"entries not array", `{"version":"1","title":"t","created_at":"2026-03-01T12:00:00Z","entries":{}}`},
		{"bad op", `{"version":"1","title":"t","created_at":"2026-03-01T12:00:00Z","entries":[{"op":"rename","path":"a"}]}`},
		{"bad digest pattern", `{"version":"1","title":"t","created_at":"2026-03-01T12:00:00Z","entries":[{"op":"delete","path":"a","old_digest":"xyz","old_size":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			var ferr *FormatError
			if !errors.As(err, &ferr) {
				t.Fatalf("expected FormatError, got %v", err)
			}
		})
	}
}

func TestRefName(t *testing.T) {
	// RefName must be stable across builds: it names files on disk.
	if got := RefName("a.txt"); got != RefName("a.txt") || len(got) != 64 {
		t.Fatalf("RefName unstable or wrong length: %q", got)
	}
	if RefName("a.txt") == RefName("b.txt") {
		t.Fatalf("distinct paths share a ref")
	}
}
