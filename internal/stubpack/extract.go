package stubpack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grafthq/graft/internal/hashio"
)

// ErrNoPayload means the executable carries no valid embedded payload.
// The stub front-end treats this as demo mode.
var ErrNoPayload = errors.New("no embedded payload")

// Extracted is a handle to a payload unpacked into a temporary
// directory.
type Extracted struct {
	// Dir is the extracted patch directory.
	Dir string
}

// Close removes the extracted files.
func (x *Extracted) Close() error {
	return os.RemoveAll(x.Dir)
}

// Extract locates the payload appended to the executable at exePath,
// verifies it, and unpacks it into a fresh owner-only temporary
// directory. Callers pass their own executable path in explicitly
// (os.Executable resolved at the entry point).
//
// A missing footer, a length that does not fit the file, or a digest
// mismatch all yield ErrNoPayload.
func Extract(exePath string) (*Extracted, error) {
	exePath, err := filepath.EvalSymlinks(exePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(exePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < FooterLen {
		return nil, ErrNoPayload
	}

	var foot [FooterLen]byte
	if _, err := f.ReadAt(foot[:], size-FooterLen); err != nil {
		return nil, err
	}
	payloadLen, wantSum, ok := parseFooter(foot[:])
	if !ok {
		return nil, ErrNoPayload
	}
	if int64(payloadLen) < 0 || int64(payloadLen) > size-FooterLen {
		return nil, ErrNoPayload
	}

	payload := make([]byte, payloadLen)
	if _, err := f.ReadAt(payload, size-FooterLen-int64(payloadLen)); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if hashio.Sum(payload) != wantSum {
		return nil, ErrNoPayload
	}

	dir, err := os.MkdirTemp("", "graft-stub-*")
	if err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := unpack(payload, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("unpack payload: %w", err)
	}
	return &Extracted{Dir: dir}, nil
}
