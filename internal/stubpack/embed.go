package stubpack

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grafthq/graft/internal/fsutil"
	"github.com/grafthq/graft/internal/hashio"
)

// Embed writes outPath = host executable + payload + footer, where the
// payload is the compressed archive of patchDir. The host's image is
// copied untouched; loaders ignore trailing bytes, so no PE/ELF/Mach-O
// surgery is needed. If the host already carries a payload it is
// stripped first.
//
// The result is staged in a temp sibling and renamed into place with
// executable bits set.
func Embed(stubPath, patchDir, outPath string) error {
	payload, err := pack(patchDir)
	if err != nil {
		return err
	}
	sum := hashio.Sum(payload)

	hostLen, err := imageLength(stubPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	tmp, err := fsutil.TempSibling(outPath)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	host, err := os.Open(stubPath)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	_, copyErr := io.Copy(tmp, io.LimitReader(host, hostLen))
	_ = host.Close()
	if copyErr != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy stub: %w", copyErr)
	}

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("append payload: %w", err)
	}
	footer := encodeFooter(uint64(len(payload)), sum)
	if _, err := tmp.Write(footer[:]); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("append footer: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := fsutil.ReplaceFile(tmpName, outPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return fsutil.SyncDir(filepath.Dir(outPath))
}

// imageLength returns how many leading bytes of path are the
// executable image itself: the full file, minus any prior embedded
// payload and footer.
func imageLength(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size < FooterLen {
		return size, nil
	}

	var foot [FooterLen]byte
	if _, err := f.ReadAt(foot[:], size-FooterLen); err != nil {
		return 0, err
	}
	payloadLen, _, ok := parseFooter(foot[:])
	if !ok {
		return size, nil
	}
	trailer := int64(payloadLen) + FooterLen
	if int64(payloadLen) < 0 || trailer > size {
		// A stray magic with an implausible length; keep the file
		// intact rather than truncating a real image.
		return size, nil
	}
	return size - trailer, nil
}
