// Package stubpack turns a prebuilt patcher executable into a
// self-contained distributable by appending a compressed archive of a
// patch directory, framed by a fixed trailing footer, and recovers
// that payload again at run time.
package stubpack

import (
	"bytes"
	"encoding/binary"

	"github.com/grafthq/graft/internal/hashio"
)

// Footer layout, at the very end of the executable:
//
//	offset  size  field
//	 0      8     magic "GRAFTPKG"
//	 8      8     payload length (little-endian u64)
//	16      32    payload SHA-256
//	48      8     magic "GRAFTPKG"
const (
	magic     = "GRAFTPKG"
	FooterLen = 8 + 8 + hashio.Size + 8
)

func encodeFooter(payloadLen uint64, sum hashio.Digest) [FooterLen]byte {
	var f [FooterLen]byte
	copy(f[0:8], magic)
	binary.LittleEndian.PutUint64(f[8:16], payloadLen)
	copy(f[16:48], sum[:])
	copy(f[48:56], magic)
	return f
}

func parseFooter(b []byte) (payloadLen uint64, sum hashio.Digest, ok bool) {
	if len(b) != FooterLen {
		return 0, hashio.Digest{}, false
	}
	if !bytes.Equal(b[0:8], []byte(magic)) || !bytes.Equal(b[48:56], []byte(magic)) {
		return 0, hashio.Digest{}, false
	}
	payloadLen = binary.LittleEndian.Uint64(b[8:16])
	copy(sum[:], b[16:48])
	return payloadLen, sum, true
}
