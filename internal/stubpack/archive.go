package stubpack

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/grafthq/graft/internal/scan"
)

// pack archives a patch directory as a gzip-compressed tar. Entries
// are sorted and timestamps zeroed so identical directories produce
// identical payloads. Packaging assets are not part of the payload.
func pack(patchDir string) ([]byte, error) {
	var paths []string
	err := filepath.WalkDir(patchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == patchDir {
			return nil
		}
		if d.IsDir() && d.Name() == scan.AssetsDirName {
			return filepath.SkipDir
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk patch dir: %w", err)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)

	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(patchDir, path)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)

		hdr := &tar.Header{Name: rel, Mode: 0o644}
		if info.IsDir() {
			hdr.Name += "/"
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
			continue
		}

		hdr.Typeflag = tar.TypeReg
		hdr.Size = info.Size()
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		_, copyErr := io.Copy(tw, f)
		_ = f.Close()
		if copyErr != nil {
			return nil, fmt.Errorf("archive %s: %w", rel, copyErr)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unpack extracts a payload produced by pack into destDir, refusing
// entries that would escape it.
func unpack(payload []byte, destDir string) error {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not gzip: %w", err)
	}
	tr := tar.NewReader(zr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read payload archive: %w", err)
		}

		name := strings.TrimSuffix(hdr.Name, "/")
		if err := scan.CheckPath(name); err != nil {
			return fmt.Errorf("payload entry: %w", err)
		}
		dest := filepath.Join(destDir, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(f, tr)
			closeErr := f.Close()
			if copyErr != nil {
				return fmt.Errorf("extract %s: %w", name, copyErr)
			}
			if closeErr != nil {
				return closeErr
			}
		default:
			return fmt.Errorf("payload entry %s has unsupported type %d", name, hdr.Typeflag)
		}
	}
	return zr.Close()
}
