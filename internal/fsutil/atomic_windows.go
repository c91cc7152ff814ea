//go:build windows

package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// AtomicWriteFile writes data to path via a synced temp sibling and an
// atomic rename.
func AtomicWriteFile(path string, data []byte, _ os.FileMode) error {
	dir := filepath.Dir(path)

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return ReplaceFile(tmp, path)
}

// ReplaceFile atomically renames tmp over dest. os.Rename on Windows
// refuses to clobber an existing file, so go through MoveFileEx.
func ReplaceFile(tmp, dest string) error {
	from, err := windows.UTF16PtrFromString(tmp)
	if err != nil {
		return err
	}
	to, err := windows.UTF16PtrFromString(dest)
	if err != nil {
		return err
	}

	if err := windows.MoveFileEx(from, to, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

// SyncDir is a no-op: directory handles cannot be fsync'd on Windows,
// and MOVEFILE_WRITE_THROUGH already forces the rename to disk.
func SyncDir(string) error { return nil }
