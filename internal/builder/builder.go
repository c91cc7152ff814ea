// Package builder diffs two directory scans into a patch directory:
// a manifest plus per-file deltas and added-file payloads.
package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/grafthq/graft/internal/delta"
	"github.com/grafthq/graft/internal/fsutil"
	"github.com/grafthq/graft/internal/manifest"
	"github.com/grafthq/graft/internal/scan"
)

// Options configures a build.
type Options struct {
	// Title is the human-visible patch title.
	Title string
	// Version is the optional user-visible patch version. When set it
	// should parse as semver; anything else is accepted with a warning.
	Version string
	Logger  zerolog.Logger
	// Now supplies the manifest timestamp; defaults to time.Now.
	Now func() time.Time
}

// Build compares original against modified and writes a complete patch
// directory to outDir. The manifest is written last, after every
// payload is durable, so a manifest on disk implies a usable patch.
func Build(original, modified *scan.Scan, outDir string, opts Options) (*manifest.Manifest, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Version != "" {
		if _, err := semver.NewVersion(opts.Version); err != nil {
			opts.Logger.Warn().Str("version", opts.Version).
				Msg("patch version is not semver; downgrade detection will not apply")
		}
	}
	warnCaseCollisions(modified, opts.Logger)

	diffsDir := filepath.Join(outDir, manifest.DiffsDir)
	filesDir := filepath.Join(outDir, manifest.FilesDir)
	for _, dir := range []string{outDir, diffsDir, filesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create patch dir: %w", err)
		}
	}

	m := &manifest.Manifest{
		Version:      manifest.SchemaVersion,
		Title:        opts.Title,
		PatchVersion: opts.Version,
		CreatedAt:    manifest.Timestamp(now()),
	}

	for _, pair := range mergeScans(original, modified) {
		switch {
		case pair.new == nil:
			m.Entries = append(m.Entries, manifest.Entry{
				Op:        manifest.OpDelete,
				Path:      pair.path,
				OldDigest: pair.old.Digest.String(),
				OldSize:   uint64(pair.old.Size),
			})

		case pair.old == nil:
			ref := manifest.RefName(pair.path)
			src := filepath.Join(modified.Root, filepath.FromSlash(pair.path))
			if err := fsutil.CopyFile(src, filepath.Join(filesDir, ref), 0o644); err != nil {
				return nil, fmt.Errorf("stage payload for %s: %w", pair.path, err)
			}
			m.Entries = append(m.Entries, manifest.Entry{
				Op:         manifest.OpAdd,
				Path:       pair.path,
				NewDigest:  pair.new.Digest.String(),
				NewSize:    uint64(pair.new.Size),
				PayloadRef: ref,
			})

		case pair.old.Digest == pair.new.Digest:
			// Unchanged files generate no operation.

		default:
			ref := manifest.RefName(pair.path)
			if err := writeDelta(original.Root, modified.Root, pair.path, filepath.Join(diffsDir, ref)); err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, manifest.Entry{
				Op:        manifest.OpPatch,
				Path:      pair.path,
				OldDigest: pair.old.Digest.String(),
				OldSize:   uint64(pair.old.Size),
				NewDigest: pair.new.Digest.String(),
				NewSize:   uint64(pair.new.Size),
				DeltaRef:  ref,
			})
		}
	}

	m.Sort()

	// Payload writes are individually synced; flush the directories
	// before the manifest commits the patch.
	for _, dir := range []string{diffsDir, filesDir} {
		if err := fsutil.SyncDir(dir); err != nil {
			return nil, fmt.Errorf("sync %s: %w", dir, err)
		}
	}
	if err := m.Save(filepath.Join(outDir, manifest.FileName)); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	opts.Logger.Info().Int("operations", len(m.Entries)).Str("out", outDir).
		Msg("patch directory built")
	return m, nil
}

func writeDelta(oldRoot, newRoot, path, out string) error {
	oldBytes, err := os.ReadFile(filepath.Join(oldRoot, filepath.FromSlash(path)))
	if err != nil {
		return fmt.Errorf("read original %s: %w", path, err)
	}
	newBytes, err := os.ReadFile(filepath.Join(newRoot, filepath.FromSlash(path)))
	if err != nil {
		return fmt.Errorf("read modified %s: %w", path, err)
	}
	d, err := delta.Diff(oldBytes, newBytes)
	if err != nil {
		return fmt.Errorf("diff %s: %w", path, err)
	}
	if err := fsutil.WriteFileSynced(out, d, 0o644); err != nil {
		return fmt.Errorf("stage delta for %s: %w", path, err)
	}
	return nil
}

// filePair joins the two sides of one relative path. A nil side means
// the file is absent in that tree.
type filePair struct {
	path     string
	old, new *scan.FileEntry
}

// mergeScans walks the union of both sorted entry lists in
// lexicographic order.
func mergeScans(original, modified *scan.Scan) []filePair {
	var out []filePair
	i, j := 0, 0
	for i < len(original.Entries) || j < len(modified.Entries) {
		switch {
		case j >= len(modified.Entries) ||
			(i < len(original.Entries) && original.Entries[i].Path < modified.Entries[j].Path):
			out = append(out, filePair{path: original.Entries[i].Path, old: &original.Entries[i]})
			i++
		case i >= len(original.Entries) || original.Entries[i].Path > modified.Entries[j].Path:
			out = append(out, filePair{path: modified.Entries[j].Path, new: &modified.Entries[j]})
			j++
		default:
			out = append(out, filePair{path: original.Entries[i].Path, old: &original.Entries[i], new: &modified.Entries[j]})
			i++
			j++
		}
	}
	return out
}

// warnCaseCollisions flags paths that collide under case folding.
// Paths are case-sensitive here, but such patches misbehave on
// case-folding filesystems.
func warnCaseCollisions(s *scan.Scan, logger zerolog.Logger) {
	seen := make(map[string]string, len(s.Entries))
	for _, e := range s.Entries {
		folded := strings.ToLower(e.Path)
		if prev, ok := seen[folded]; ok && prev != e.Path {
			logger.Warn().Str("path", e.Path).Str("collides_with", prev).
				Msg("paths collide under case folding")
			continue
		}
		seen[folded] = e.Path
	}
}
