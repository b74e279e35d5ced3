package kdmsg

import (
	"bytes"
	cryrand "crypto/rand"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/stretchr/testify/require"
)

func Test020_aux_compression_round_trip(t *testing.T) {

	cv.Convey("each aux compression algorithm round trips through the codec and actually shrinks a compressible payload", t, func() {
		aux := bytes.Repeat([]byte("compressible kdmsg aux payload; "), 512)

		for _, algo := range []Compression{CompS2, CompLZ4, CompZstd} {
			press, err := newPressor(algo, 64)
			require.NoError(t, err)
			enc := newEncoder(DefaultLimits, press)
			dec := newDecoder(DefaultLimits)

			// twice, so the reused compressor and decompressor
			// are exercised too.
			for i := 0; i < 2; i++ {
				msg := &Message{Cmd: ProtoAPP | 3, MsgID: uint64(i + 1), Aux: aux}
				hdr, wire, err := enc.encode(msg)
				require.NoError(t, err)
				require.Equal(t, algo, msg.AuxComp, "algo %v", algo)
				require.Less(t, len(wire), len(aux))

				got, auxWire, err := dec.decodeHeader(hdr)
				require.NoError(t, err)
				require.Equal(t, algo, got.AuxComp)
				require.Equal(t, len(wire), auxWire)
				require.NoError(t, dec.decodeAux(got, wire))
				cv.So(bytes.Equal(got.Aux, aux), cv.ShouldBeTrue)
			}
			press.Close()
			dec.dec.Close()
		}
	})

	cv.Convey("small or incompressible payloads go out raw", t, func() {
		press, err := newPressor(CompZstd, 64)
		require.NoError(t, err)
		defer press.Close()
		enc := newEncoder(DefaultLimits, press)

		msg := &Message{Cmd: ProtoAPP | 3, MsgID: 1, Aux: []byte("tiny")}
		_, _, err = enc.encode(msg)
		require.NoError(t, err)
		cv.So(msg.AuxComp, cv.ShouldEqual, CompNone)

		noise := make([]byte, 4096)
		_, err = cryrand.Read(noise)
		require.NoError(t, err)
		msg = &Message{Cmd: ProtoAPP | 3, MsgID: 2, Aux: noise}
		hdr, wire, err := enc.encode(msg)
		require.NoError(t, err)
		cv.So(msg.AuxComp, cv.ShouldEqual, CompNone)

		got, _, err := DecodeHeader(hdr, DefaultLimits)
		require.NoError(t, err)
		require.NoError(t, DecodeAux(got, wire))
		cv.So(bytes.Equal(got.Aux, noise), cv.ShouldBeTrue)
	})

	cv.Convey("a compressed aux whose raw length lies is a decompression error", t, func() {
		press, err := newPressor(CompS2, 0)
		require.NoError(t, err)
		enc := newEncoder(DefaultLimits, press)
		msg := &Message{Cmd: ProtoAPP | 3, MsgID: 1, Aux: bytes.Repeat([]byte("ab"), 1000)}
		hdr, wire, err := enc.encode(msg)
		require.NoError(t, err)
		got, _, err := DecodeHeader(hdr, DefaultLimits)
		require.NoError(t, err)
		got.auxRaw += 10
		err = DecodeAux(got, wire)
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(Classify(err), cv.ShouldEqual, OutcomeFatal)
	})

	cv.Convey("ParseCompression knows the config names", t, func() {
		for name, want := range map[string]Compression{"": CompNone, "none": CompNone, "s2": CompS2, "lz4": CompLZ4, "zstd": CompZstd} {
			got, err := ParseCompression(name)
			require.NoError(t, err)
			require.Equal(t, want, got)
		}
		_, err := ParseCompression("gzip")
		cv.So(err, cv.ShouldNotBeNil)
	})
}
