package kdmsg

import (
	cryrand "crypto/rand"
	"encoding/binary"
	mathrand2 "math/rand/v2"

	cristalbase64 "github.com/cristalhq/base64"
)

// newCryrandSeededChaCha8 gives each Conn its own msgid
// source. It is not goroutine safe; the Conn uses it under
// its lock.
func newCryrandSeededChaCha8() *mathrand2.ChaCha8 {
	var seed [32]byte
	_, err := cryrand.Read(seed[:])
	panicOn(err)
	return mathrand2.NewChaCha8(seed)
}

// returns r > 0
func cryptoRandPositiveInt64() (r int64) {
	var b [8]byte
	for r <= 0 {
		_, err := cryrand.Read(b[:])
		panicOn(err)
		r = int64(binary.BigEndian.Uint64(b[:]) >> 1)
	}
	return
}

// cryptoRandNonZeroUint32 is used for connection salts.
func cryptoRandNonZeroUint32() (r uint32) {
	var b [4]byte
	for r == 0 {
		_, err := cryrand.Read(b[:])
		panicOn(err)
		r = binary.BigEndian.Uint32(b[:])
	}
	return
}

// saltName is the default connection name, derived from
// its salt so that log lines from the two ends of a link
// can be told apart.
func saltName(salt uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], salt)
	return "kd-" + cristalbase64.RawURLEncoding.EncodeToString(b[:])
}
