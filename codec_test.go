package kdmsg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/stretchr/testify/require"
)

func Test010_codec_round_trip(t *testing.T) {

	cv.Convey("a message with extension and aux survives Encode, DecodeHeader and DecodeAux", t, func() {
		ext := []byte("0123456789")
		aux := bytes.Repeat([]byte("kdmsg"), 20)
		msg := &Message{
			Cmd:      ProtoAPP | 0x42 | CmdCreate | CmdDelete,
			MsgID:    0x1122334455667788,
			Circuit:  0xabcdef,
			Error:    ErrCodeParam,
			Salt:     0x5a5a5a5a,
			AuxDescr: 7,
			Ext:      ext,
			Aux:      aux,
		}
		hdr, wire, err := Encode(msg)
		require.NoError(t, err)
		require.Equal(t, 128, len(hdr))
		require.Equal(t, 128, len(wire))
		require.Equal(t, 128, msg.Cmd.HeaderSize())

		got, auxWire, err := DecodeHeader(hdr, DefaultLimits)
		require.NoError(t, err)
		require.Equal(t, 128, auxWire)
		require.Equal(t, msg.Cmd, got.Cmd)
		require.Equal(t, msg.MsgID, got.MsgID)
		require.Equal(t, msg.Circuit, got.Circuit)
		require.Equal(t, msg.Error, got.Error)
		require.Equal(t, msg.Salt, got.Salt)
		require.Equal(t, msg.AuxDescr, got.AuxDescr)

		// extension comes back padded to the alignment unit.
		require.Equal(t, Align, len(got.Ext))
		require.Equal(t, ext, got.Ext[:len(ext)])
		require.Equal(t, make([]byte, Align-len(ext)), got.Ext[len(ext):])

		require.NoError(t, DecodeAux(got, wire))
		cv.So(bytes.Equal(got.Aux, aux), cv.ShouldBeTrue)
		cv.So(got.AuxComp, cv.ShouldEqual, CompNone)
	})

	cv.Convey("a bare header has no extension and no aux", t, func() {
		hdr, wire, err := Encode(&Message{Cmd: LnkPing | CmdCreate, MsgID: 5})
		require.NoError(t, err)
		require.Equal(t, HdrMin, len(hdr))
		require.Nil(t, wire)

		got, auxWire, err := DecodeHeader(hdr, DefaultLimits)
		require.NoError(t, err)
		require.Equal(t, 0, auxWire)
		require.Nil(t, got.Ext)
		cv.So(got.Cmd.Base(), cv.ShouldEqual, LnkPing)
		cv.So(got.Cmd.String(), cv.ShouldEqual, "LNK_PING|CREATE")
	})
}

func Test011_header_framing_errors(t *testing.T) {

	cases := []struct {
		name   string
		mangle func(hdr []byte)
		want   error
	}{
		{"size below the fixed header", func(hdr []byte) {
			cmd := Cmd(binary.BigEndian.Uint32(hdr[offCmd:]))
			binary.BigEndian.PutUint32(hdr[offCmd:], uint32(cmd.WithHeaderSize(0)))
		}, ErrHeaderSize},
		{"size above the limit", func(hdr []byte) {
			cmd := Cmd(binary.BigEndian.Uint32(hdr[offCmd:]))
			binary.BigEndian.PutUint32(hdr[offCmd:], uint32(cmd.WithHeaderSize(4096)))
		}, ErrHeaderSize},
		{"byte swapped magic", func(hdr []byte) {
			hdr[0], hdr[1] = hdr[1], hdr[0]
		}, ErrWrongEndian},
		{"garbage magic", func(hdr []byte) {
			hdr[0] = 0
		}, ErrBadMagic},
		{"corrupted msgid", func(hdr []byte) {
			hdr[offMsgID+3] ^= 0x10
		}, ErrHeaderCRC},
		{"corrupted crc", func(hdr []byte) {
			hdr[offHdrCRC] ^= 0x01
		}, ErrHeaderCRC},
	}

	cv.Convey("mangled headers are refused with the matching framing error", t, func() {
		for _, tc := range cases {
			hdr, _, err := Encode(&Message{Cmd: LnkSpan | CmdCreate, MsgID: 99})
			require.NoError(t, err)
			tc.mangle(hdr)
			_, _, err = DecodeHeader(hdr, DefaultLimits)
			require.Error(t, err, tc.name)
			require.True(t, errors.Is(err, tc.want), "%v: got %v", tc.name, err)
			cv.So(Classify(err), cv.ShouldEqual, OutcomeFatal)
		}
	})

	cv.Convey("DecodeBase rejects a too-small size field before touching anything else", t, func() {
		hdr, _, err := Encode(&Message{Cmd: LnkPing, MsgID: 1})
		require.NoError(t, err)
		binary.BigEndian.PutUint32(hdr[offCmd:], uint32(LnkPing.WithHeaderSize(0)))
		_, err = DecodeBase(hdr, DefaultLimits)
		cv.So(errors.Is(err, ErrHeaderSize), cv.ShouldBeTrue)

		_, err = DecodeBase(hdr[:10], DefaultLimits)
		cv.So(errors.Is(err, ErrHeaderSize), cv.ShouldBeTrue)
	})
}

func Test012_aux_checks(t *testing.T) {

	cv.Convey("a corrupted aux payload fails its checksum", t, func() {
		hdr, wire, err := Encode(&Message{Cmd: ProtoAPP | 1, MsgID: 3, Aux: []byte("some payload")})
		require.NoError(t, err)
		got, _, err := DecodeHeader(hdr, DefaultLimits)
		require.NoError(t, err)
		wire[2] ^= 0xff
		err = DecodeAux(got, wire)
		cv.So(errors.Is(err, ErrAuxCRC), cv.ShouldBeTrue)
	})

	cv.Convey("an aux shorter or longer than its header says is a length error, not a size error", t, func() {
		hdr, wire, err := Encode(&Message{Cmd: ProtoAPP | 1, MsgID: 4, Aux: make([]byte, 100)})
		require.NoError(t, err)
		got, auxWire, err := DecodeHeader(hdr, DefaultLimits)
		require.NoError(t, err)
		require.Equal(t, 128, auxWire)

		err = DecodeAux(got, wire[:64])
		cv.So(errors.Is(err, ErrAuxLength), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrAuxTooLarge), cv.ShouldBeFalse)
		cv.So(isFramingError(err), cv.ShouldBeTrue)

		err = DecodeAux(got, append(wire, make([]byte, 64)...))
		cv.So(errors.Is(err, ErrAuxLength), cv.ShouldBeTrue)
	})

	cv.Convey("an aux length over the receiver's limit is refused at the header", t, func() {
		hdr, _, err := Encode(&Message{Cmd: ProtoAPP | 1, MsgID: 3, Aux: make([]byte, 1000)})
		require.NoError(t, err)
		_, _, err = DecodeHeader(hdr, Limits{MaxHeader: 2048, MaxAux: 512})
		cv.So(errors.Is(err, ErrAuxTooLarge), cv.ShouldBeTrue)
	})

	cv.Convey("an extension too big for the size field cannot be encoded", t, func() {
		_, _, err := Encode(&Message{Cmd: ProtoAPP | 1, Ext: make([]byte, 3000)})
		cv.So(errors.Is(err, ErrHeaderTooLarge), cv.ShouldBeTrue)
	})
}

func Test013_stream_read_write(t *testing.T) {

	cv.Convey("WriteMessage then ReadMessage keeps message boundaries", t, func() {
		var buf bytes.Buffer
		msgs := []*Message{
			{Cmd: LnkConn | CmdCreate, MsgID: 1, Ext: []byte("hello")},
			{Cmd: ProtoAPP | 9, MsgID: 1, Aux: bytes.Repeat([]byte{7}, 65)},
			{Cmd: LnkConn | CmdDelete, MsgID: 1},
		}
		for _, m := range msgs {
			require.NoError(t, WriteMessage(&buf, m))
		}
		for _, m := range msgs {
			got, err := ReadMessage(&buf, DefaultLimits)
			require.NoError(t, err)
			require.Equal(t, m.Cmd, got.Cmd)
			require.Equal(t, m.MsgID, got.MsgID)
			require.Equal(t, len(m.Aux), len(got.Aux))
		}
		_, err := ReadMessage(&buf, DefaultLimits)
		cv.So(err, cv.ShouldNotBeNil)
	})

	cv.Convey("ReadMessage refuses a header bigger than its limit", t, func() {
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, &Message{Cmd: LnkConn | CmdCreate, MsgID: 2, Ext: make([]byte, 100)}))
		_, err := ReadMessage(&buf, Limits{MaxHeader: 128, MaxAux: 1024})
		cv.So(errors.Is(err, ErrHeaderSize), cv.ShouldBeTrue)
	})
}
