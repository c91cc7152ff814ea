// Package delta produces and applies binary deltas between byte
// sequences. Diff emits control, diff, and extra streams in the bsdiff
// manner, each gzip-compressed behind a fixed header, so the delta
// stays proportional to the change even when the inputs share nothing.
package delta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

// ErrCorrupt reports a malformed delta, or a delta applied to an old
// input it was not produced from.
var ErrCorrupt = errors.New("delta corrupt")

const (
	magic = "GRAFTDLT"

	// magic + old size + new size + compressed ctrl len + compressed
	// diff len, all u64 little-endian after the magic.
	headerLen = 8 + 4*8
)

// Diff computes a delta such that Apply(old, Diff(old, new)) == new.
// The result depends only on the two inputs.
func Diff(old, new []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := DiffTo(&buf, old, new); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DiffTo writes the delta between old and new to w.
func DiffTo(w io.Writer, old, new []byte) error {
	ctrl, diff, extra := diffStreams(old, new)

	ctrlz, err := deflate(ctrl)
	if err != nil {
		return err
	}
	diffz, err := deflate(diff)
	if err != nil {
		return err
	}
	extraz, err := deflate(extra)
	if err != nil {
		return err
	}

	var hdr [headerLen]byte
	copy(hdr[:8], magic)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(len(old)))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(len(new)))
	binary.LittleEndian.PutUint64(hdr[24:], uint64(len(ctrlz)))
	binary.LittleEndian.PutUint64(hdr[32:], uint64(len(diffz)))

	for _, chunk := range [][]byte{hdr[:], ctrlz, diffz, extraz} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("write delta: %w", err)
		}
	}
	return nil
}

// diffStreams runs the bsdiff match loop: greedy longest matches into
// the suffix-sorted old data, extended forward and backward, with the
// approximate-match regions encoded as byte-wise subtraction in the
// diff stream.
func diffStreams(obuf, nbuf []byte) (ctrl, diff, extra []byte) {
	I := qsufsort(obuf)

	var db, eb []byte
	var cb bytes.Buffer

	var scan, length, lastscan, lastpos, lastoffset, pos int
	for scan < len(nbuf) {
		var oldscore int
		scan += length

		for scsc := scan; scan < len(nbuf); scan++ {
			pos, length = search(I, obuf, nbuf[scan:], 0, len(obuf))

			for ; scsc < scan+length; scsc++ {
				if scsc+lastoffset < len(obuf) &&
					obuf[scsc+lastoffset] == nbuf[scsc] {
					oldscore++
				}
			}

			if (length == oldscore && length != 0) || length > oldscore+8 {
				break
			}

			if scan+lastoffset < len(obuf) && obuf[scan+lastoffset] == nbuf[scan] {
				oldscore--
			}
		}

		if length != oldscore || scan == len(nbuf) {
			var s, sf int
			lenf := 0
			for i := 0; lastscan+i < scan && lastpos+i < len(obuf); {
				if obuf[lastpos+i] == nbuf[lastscan+i] {
					s++
				}
				i++
				if s*2-i > sf*2-lenf {
					sf = s
					lenf = i
				}
			}

			lenb := 0
			if scan < len(nbuf) {
				var s, sb int
				for i := 1; scan >= lastscan+i && pos >= i; i++ {
					if obuf[pos-i] == nbuf[scan-i] {
						s++
					}
					if s*2-i > sb*2-lenb {
						sb = s
						lenb = i
					}
				}
			}

			if lastscan+lenf > scan-lenb {
				overlap := (lastscan + lenf) - (scan - lenb)
				var s, ss, lens int
				for i := 0; i < overlap; i++ {
					if nbuf[lastscan+lenf-overlap+i] == obuf[lastpos+lenf-overlap+i] {
						s++
					}
					if nbuf[scan-lenb+i] == obuf[pos-lenb+i] {
						s--
					}
					if s > ss {
						ss = s
						lens = i + 1
					}
				}
				lenf += lens - overlap
				lenb -= lens
			}

			for i := 0; i < lenf; i++ {
				db = append(db, nbuf[lastscan+i]-obuf[lastpos+i])
			}
			eb = append(eb, nbuf[lastscan+lenf:scan-lenb]...)

			writeTriple(&cb,
				int64(lenf),
				int64((scan-lenb)-(lastscan+lenf)),
				int64((pos-lenb)-(lastpos+lenf)))

			lastscan = scan - lenb
			lastpos = pos - lenb
			lastoffset = pos - scan
		}
	}

	return cb.Bytes(), db, eb
}

func writeTriple(w *bytes.Buffer, x, y, z int64) {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(x))
	binary.LittleEndian.PutUint64(b[8:], uint64(y))
	binary.LittleEndian.PutUint64(b[16:], uint64(z))
	w.Write(b[:])
}

// Apply reconstructs the new byte sequence from old and a delta
// produced by Diff. The result is bitwise equal to the original new
// input.
func Apply(old, patch []byte) ([]byte, error) {
	if len(patch) < headerLen || string(patch[:8]) != magic {
		return nil, fmt.Errorf("bad header: %w", ErrCorrupt)
	}

	oldSize := binary.LittleEndian.Uint64(patch[8:])
	newSize := binary.LittleEndian.Uint64(patch[16:])
	ctrlLen := binary.LittleEndian.Uint64(patch[24:])
	diffLen := binary.LittleEndian.Uint64(patch[32:])

	if oldSize != uint64(len(old)) {
		return nil, fmt.Errorf("delta built for %d-byte input, got %d bytes: %w", oldSize, len(old), ErrCorrupt)
	}
	if newSize > math.MaxInt64 {
		return nil, fmt.Errorf("implausible new size %d: %w", newSize, ErrCorrupt)
	}
	body := patch[headerLen:]
	if ctrlLen > uint64(len(body)) || diffLen > uint64(len(body))-ctrlLen {
		return nil, fmt.Errorf("truncated streams: %w", ErrCorrupt)
	}

	ctrl, err := inflate(body[:ctrlLen])
	if err != nil {
		return nil, fmt.Errorf("control stream: %w", ErrCorrupt)
	}
	diff, err := inflate(body[ctrlLen : ctrlLen+diffLen])
	if err != nil {
		return nil, fmt.Errorf("diff stream: %w", ErrCorrupt)
	}
	extra, err := inflate(body[ctrlLen+diffLen:])
	if err != nil {
		return nil, fmt.Errorf("extra stream: %w", ErrCorrupt)
	}

	// Every output byte comes from exactly one of the two streams.
	if uint64(len(diff))+uint64(len(extra)) != newSize {
		return nil, fmt.Errorf("stream sizes disagree with new size: %w", ErrCorrupt)
	}

	nbuf := make([]byte, newSize)
	var newpos, oldpos int
	var diffpos, extrapos int

	for newpos < len(nbuf) {
		if len(ctrl) < 24 {
			return nil, fmt.Errorf("control stream exhausted: %w", ErrCorrupt)
		}
		x := int64(binary.LittleEndian.Uint64(ctrl[0:]))
		y := int64(binary.LittleEndian.Uint64(ctrl[8:]))
		z := int64(binary.LittleEndian.Uint64(ctrl[16:]))
		ctrl = ctrl[24:]

		if x < 0 || y < 0 ||
			int64(newpos)+x > int64(len(nbuf)) ||
			int64(diffpos)+x > int64(len(diff)) {
			return nil, fmt.Errorf("control out of range: %w", ErrCorrupt)
		}

		copy(nbuf[newpos:], diff[diffpos:diffpos+int(x)])
		for i := 0; i < int(x); i++ {
			if oldpos+i >= 0 && oldpos+i < len(old) {
				nbuf[newpos+i] += old[oldpos+i]
			}
		}
		newpos += int(x)
		oldpos += int(x)

		if int64(newpos)+y > int64(len(nbuf)) || int64(extrapos)+y > int64(len(extra)) {
			return nil, fmt.Errorf("control out of range: %w", ErrCorrupt)
		}
		copy(nbuf[newpos:], extra[extrapos:extrapos+int(y)])
		newpos += int(y)
		extrapos += int(y)
		diffpos += int(x)

		// The seek may move outside old temporarily; the add loop
		// above only reads in-bounds positions. Reject seeks no valid
		// delta could produce.
		no := int64(oldpos) + z
		if no > int64(len(old))+int64(len(nbuf)) || no < -int64(len(nbuf)) {
			return nil, fmt.Errorf("seek out of range: %w", ErrCorrupt)
		}
		oldpos = int(no)
	}

	return nbuf, nil
}

// ApplyReader is Apply over a delta supplied as a reader.
func ApplyReader(old []byte, r io.Reader) ([]byte, error) {
	patch, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read delta: %w", err)
	}
	return Apply(old, patch)
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	if err := zr.Close(); err != nil {
		return nil, err
	}
	return out, nil
}
