// Package hash provides the blake3 checksums used to
// protect kdmsg headers and aux payloads on the wire.
package hash

import (
	"encoding/binary"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// Blake3 holds a reusable hasher. It is not goroutine
// safe: each reader or writer goroutine owns its own,
// which keeps checksumming allocation free on the hot path.
type Blake3 struct {
	hasher *blake3.Hasher
	sum    [64]byte
}

// NewBlake3 creates a new Blake3.
func NewBlake3() *Blake3 {
	return &Blake3{
		hasher: blake3.New(64, nil),
	}
}

// Sum32 returns the first 32 bits of the blake3 digest
// of the concatenation of parts.
func (b *Blake3) Sum32(parts ...[]byte) uint32 {
	b.hasher.Reset()
	for _, p := range parts {
		b.hasher.Write(p)
	}
	sum := b.hasher.Sum(b.sum[:0])
	return binary.BigEndian.Uint32(sum[:4])
}

// Blake3OfBytes is goroutine safe and lock free, since
// it creates a new hasher every time.
func Blake3OfBytes(by []byte) []byte {
	h := blake3.New(64, nil)
	h.Write(by)
	return h.Sum(nil)
}

// Blake3OfBytesString returns a printable fingerprint
// of by. The returned string starts with
// the "blake3.33B-" prefix.
func Blake3OfBytesString(by []byte) string {
	sum := Blake3OfBytes(by)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(sum[:33])
}
