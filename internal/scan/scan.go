// Package scan walks a directory tree into a sorted, immutable list of
// regular files with their sizes and content digests.
package scan

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/grafthq/graft/internal/hashio"
)

const (
	// BackupDirName is the apply engine's journal directory; never part
	// of a scan.
	BackupDirName = ".patch-backup"
	// AssetsDirName holds packaging assets inside a patch directory.
	AssetsDirName = ".graft_assets"
	// LockFileName is the advisory lock the CLI takes on a target.
	LockFileName = ".graft.lock"
)

// FileEntry is one regular file, identified by a POSIX-style relative
// path with forward slashes.
type FileEntry struct {
	Path   string
	Size   int64
	Digest hashio.Digest
}

// Scan is a lexicographically sorted set of FileEntry rooted at a
// directory. Construct with Walk; do not mutate.
type Scan struct {
	Root    string
	Entries []FileEntry
}

// Lookup returns the entry for a relative path, if present.
func (s *Scan) Lookup(path string) (FileEntry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool {
		return s.Entries[i].Path >= path
	})
	if i < len(s.Entries) && s.Entries[i].Path == path {
		return s.Entries[i], true
	}
	return FileEntry{}, false
}

// Options controls a walk.
type Options struct {
	// PatchRoot additionally excludes packaging-asset subtrees, which
	// are bookkeeping rather than content when the root is a patch
	// directory. The backup subtree is excluded from every walk.
	PatchRoot bool
	Logger    zerolog.Logger
}

// Walk produces a Scan of every regular file under root. Non-regular
// entries (symlinks, devices, sockets) are skipped with a warning;
// hidden files are included.
func Walk(root string, opts Options) (*Scan, error) {
	var entries []FileEntry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if name == BackupDirName {
				return filepath.SkipDir
			}
			if opts.PatchRoot && name == AssetsDirName {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			opts.Logger.Warn().Str("path", path).Str("type", d.Type().String()).
				Msg("skipping non-regular file")
			return nil
		}
		if name == LockFileName && filepath.Dir(path) == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if err := CheckPath(rel); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		digest, err := hashio.File(path)
		if err != nil {
			return err
		}

		entries = append(entries, FileEntry{Path: rel, Size: info.Size(), Digest: digest})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return &Scan{Root: root, Entries: entries}, nil
}

// CheckPath validates a manifest-grade relative path: forward slashes,
// no leading slash, no empty or dot segments, no traversal outside the
// root.
func CheckPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("absolute path %q", path)
	}
	if strings.Contains(path, "\\") {
		return fmt.Errorf("backslash in path %q", path)
	}
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "":
			return fmt.Errorf("empty segment in path %q", path)
		case ".", "..":
			return fmt.Errorf("path %q escapes its root", path)
		}
	}
	return nil
}
