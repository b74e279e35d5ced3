package hash

import (
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test001_sum32_agrees_with_full_digest(t *testing.T) {

	cv.Convey("Sum32 over split parts must equal the first 4 bytes of the digest of the whole", t, func() {
		data := []byte("hello world! kdmsg header bytes")
		full := Blake3OfBytes(data)
		want := uint32(full[0])<<24 | uint32(full[1])<<16 | uint32(full[2])<<8 | uint32(full[3])

		b3 := NewBlake3()
		cv.So(b3.Sum32(data), cv.ShouldEqual, want)
		cv.So(b3.Sum32(data[:5], data[5:]), cv.ShouldEqual, want)
		// reuse must not carry state over.
		cv.So(b3.Sum32(data), cv.ShouldEqual, want)

		cv.So(b3.Sum32([]byte("hello world? kdmsg header bytes")), cv.ShouldNotEqual, want)
	})
}

func Test002_fingerprint_string(t *testing.T) {

	cv.Convey("Blake3OfBytesString is prefixed and stable", t, func() {
		a := Blake3OfBytesString([]byte("abc"))
		b := Blake3OfBytesString([]byte("abc"))
		cv.So(strings.HasPrefix(a, "blake3.33B-"), cv.ShouldBeTrue)
		cv.So(a, cv.ShouldEqual, b)
		cv.So(a, cv.ShouldNotEqual, Blake3OfBytesString([]byte("abd")))
	})
}
