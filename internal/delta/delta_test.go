package delta

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func roundTrip(t *testing.T, old, new []byte) []byte {
	t.Helper()
	d, err := Diff(old, new)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	got, err := Apply(old, d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(got, new) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(new))
	}
	return d
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	randBytes := func(n int) []byte {
		b := make([]byte, n)
		rng.Read(b)
		return b
	}
	base := randBytes(4096)

	modified := append([]byte(nil), base...)
	copy(modified[1000:], []byte("spliced region"))
	modified = append(modified, randBytes(100)...)

	tests := []struct {
		name     string
		old, new []byte
	}{
		{"both empty", nil, nil},
		{"old empty", nil, []byte("hello world")},
		{"new empty", []byte("hello world"), nil},
		{"identical", base, base},
		{"small edit", []byte("hello"), []byte("hello world")},
		{"splice and extend", base, modified},
		{"disjoint", randBytes(2048), randBytes(2048)},
		{"repeated runs", bytes.Repeat([]byte{0x00}, 5000), bytes.Repeat([]byte{0x00, 0x01}, 2500)},
		{"prefix rewrite", append([]byte("AAAA"), base...), append([]byte("BBBB"), base...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roundTrip(t, tt.old, tt.new)
		})
	}
}

func TestDiffDeterministic(t *testing.T) {
	old := []byte("the quick brown fox jumps over the lazy dog")
	new := []byte("the quick brown cat jumps over the lazy dog, twice")

	a, err := Diff(old, new)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	b, err := Diff(old, new)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("Diff is not deterministic")
	}
}

func TestDiffBoundedOnDisjointInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	old := make([]byte, 64*1024)
	new := make([]byte, 64*1024)
	rng.Read(old)
	rng.Read(new)

	d := roundTrip(t, old, new)
	// Compressed literal data plus framing; anything quadratic would
	// be orders of magnitude larger.
	if len(d) > 2*len(new) {
		t.Fatalf("delta for disjoint inputs is %d bytes for %d-byte new", len(d), len(new))
	}
}

func TestApplyRejectsCorrupt(t *testing.T) {
	old := []byte("original content here")
	new := []byte("patched content here, longer")
	d := roundTrip(t, old, new)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func([]byte) []byte { return nil }},
		{"bad magic", func(d []byte) []byte {
			d = append([]byte(nil), d...)
			d[0] ^= 0xFF
			return d
		}},
		{"truncated header", func(d []byte) []byte { return d[:headerLen-1] }},
		{"truncated body", func(d []byte) []byte { return d[:headerLen+3] }},
		{"garbage streams", func(d []byte) []byte {
			d = append([]byte(nil), d...)
			for i := headerLen; i < len(d); i++ {
				d[i] = 0x5A
			}
			return d
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Apply(old, tt.mutate(append([]byte(nil), d...))); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestApplyRejectsWrongOldLength(t *testing.T) {
	old := []byte("original content")
	d := roundTrip(t, old, []byte("new content"))

	if _, err := Apply(old[:5], d); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for short old, got %v", err)
	}
	if _, err := Apply(append(old, 'x'), d); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for long old, got %v", err)
	}
}

func TestApplyReader(t *testing.T) {
	old := []byte("stream me")
	new := []byte("stream me please")
	d, err := Diff(old, new)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	got, err := ApplyReader(old, bytes.NewReader(d))
	if err != nil {
		t.Fatalf("ApplyReader: %v", err)
	}
	if !bytes.Equal(got, new) {
		t.Fatalf("ApplyReader mismatch")
	}
}
