package kdmsg

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/glycerine/kdmsg/hash"
)

// Align is the wire alignment unit. Header extensions and
// aux payloads are zero padded to a multiple of it.
const Align = 64

// HdrMin is the size of the fixed header.
const HdrMin = 64

// HdrMagic starts every header. Read back byte-swapped
// it means the peer has the other endianness.
const (
	HdrMagic    uint16 = 0x4832
	HdrMagicRev uint16 = 0x3248
)

// fixed header layout, all big endian.
const (
	offMagic    = 0
	offAuxComp  = 2
	offSalt     = 4
	offMsgID    = 8
	offCircuit  = 16
	offAuxRaw   = 24
	offCmd      = 32
	offAuxCRC   = 36
	offAuxBytes = 40
	offError    = 44
	offAuxDescr = 48
	offHdrCRC   = 60
)

var zeroCRC [4]byte

func alignUp(n int) int {
	return (n + Align - 1) &^ (Align - 1)
}

// Limits bounds what a decoder accepts. Anything outside
// them is a framing error.
type Limits struct {
	MaxHeader int
	MaxAux    int
}

var DefaultLimits = Limits{
	MaxHeader: 2048,
	MaxAux:    32 << 20,
}

// Message is one framed unit on the wire.
type Message struct {
	Cmd      Cmd
	MsgID    uint64
	Circuit  uint64
	Error    uint32
	Salt     uint32
	AuxDescr uint64

	// Ext holds command specific header fields. On decode it
	// includes the zero padding up to the alignment unit.
	Ext []byte

	Aux []byte

	// AuxComp is how Aux travelled; set by the codec.
	AuxComp Compression

	auxBytes uint32 // on-wire aux length, before padding
	auxRaw   uint32 // aux length after decompression
	auxCRC   uint32

	state *Transaction
	circ  *Circuit
	conn  *Conn

	// synthesized locally rather than read off the wire.
	synthetic bool
}

func (msg *Message) String() string {
	return fmt.Sprintf("Message{Cmd:%v MsgID:%x Circuit:%x Error:%v Ext:%v Aux:%v}",
		msg.Cmd, msg.MsgID, msg.Circuit, ErrCodeString(msg.Error), len(msg.Ext), len(msg.Aux))
}

// State returns the Transaction the message belongs to,
// or nil for a one-off message.
func (msg *Message) State() *Transaction { return msg.state }

// Circ returns the circuit the message was addressed
// through, nil for the root of the connection.
func (msg *Message) Circ() *Circuit { return msg.circ }

// Conn returns the connection a received message arrived on.
func (msg *Message) Conn() *Conn { return msg.conn }

// Synthetic reports whether the engine made up this
// message locally, as it does for lost-link aborts.
func (msg *Message) Synthetic() bool { return msg.synthetic }

// encoder turns messages into wire bytes for one writer
// goroutine, reusing its hasher and compressor.
type encoder struct {
	b3    *hash.Blake3
	press *pressor
	lim   Limits
}

func newEncoder(lim Limits, press *pressor) *encoder {
	return &encoder{
		b3:    hash.NewBlake3(),
		press: press,
		lim:   lim,
	}
}

// Encode serializes msg without aux compression. It sets
// the size field of msg.Cmd to match the header it built.
func Encode(msg *Message) (hdr, aux []byte, err error) {
	return newEncoder(DefaultLimits, nil).encode(msg)
}

func (e *encoder) encode(msg *Message) (hdr, aux []byte, err error) {
	hdrSize := HdrMin + alignUp(len(msg.Ext))
	if hdrSize > maxSizeField || hdrSize > e.lim.MaxHeader {
		return nil, nil, fmt.Errorf("%w: %v bytes of extension", ErrHeaderTooLarge, len(msg.Ext))
	}

	wire, comp, err := e.press.handleCompress(msg.Aux)
	if err != nil {
		return nil, nil, err
	}
	if len(wire) > e.lim.MaxAux || len(msg.Aux) > e.lim.MaxAux {
		return nil, nil, fmt.Errorf("%w: %v bytes", ErrAuxTooLarge, len(msg.Aux))
	}

	msg.Cmd = msg.Cmd.WithHeaderSize(hdrSize)
	msg.AuxComp = comp
	msg.auxBytes = uint32(len(wire))
	msg.auxRaw = uint32(len(msg.Aux))
	msg.auxCRC = 0

	var auxCRC uint32
	if len(wire) > 0 {
		aux = make([]byte, alignUp(len(wire)))
		copy(aux, wire)
		auxCRC = e.b3.Sum32(wire)
		msg.auxCRC = auxCRC
	}

	hdr = make([]byte, hdrSize)
	be := binary.BigEndian
	be.PutUint16(hdr[offMagic:], HdrMagic)
	hdr[offAuxComp] = byte(comp)
	be.PutUint32(hdr[offSalt:], msg.Salt)
	be.PutUint64(hdr[offMsgID:], msg.MsgID)
	be.PutUint64(hdr[offCircuit:], msg.Circuit)
	be.PutUint32(hdr[offAuxRaw:], msg.auxRaw)
	be.PutUint32(hdr[offCmd:], uint32(msg.Cmd))
	be.PutUint32(hdr[offAuxCRC:], auxCRC)
	be.PutUint32(hdr[offAuxBytes:], msg.auxBytes)
	be.PutUint32(hdr[offError:], msg.Error)
	be.PutUint64(hdr[offAuxDescr:], msg.AuxDescr)
	copy(hdr[HdrMin:], msg.Ext)

	// crc field is still zero here.
	be.PutUint32(hdr[offHdrCRC:], e.b3.Sum32(hdr))
	return hdr, aux, nil
}

// DecodeBase checks the magic and the size field of the
// fixed header and returns the full header length. It
// looks at nothing else, so a bad frame is refused before
// any connection state is touched.
func DecodeBase(base []byte, lim Limits) (hdrSize int, err error) {
	if len(base) < HdrMin {
		return 0, fmt.Errorf("%w: short header of %v bytes", ErrHeaderSize, len(base))
	}
	magic := binary.BigEndian.Uint16(base[offMagic:])
	switch magic {
	case HdrMagic:
	case HdrMagicRev:
		return 0, ErrWrongEndian
	default:
		return 0, fmt.Errorf("%w: 0x%04x", ErrBadMagic, magic)
	}
	cmd := Cmd(binary.BigEndian.Uint32(base[offCmd:]))
	hdrSize = cmd.HeaderSize()
	if hdrSize < HdrMin || hdrSize > lim.MaxHeader {
		return 0, fmt.Errorf("%w: %v bytes (min %v, max %v)",
			ErrHeaderSize, hdrSize, HdrMin, lim.MaxHeader)
	}
	return hdrSize, nil
}

// decoder turns wire bytes into messages for one reader
// goroutine.
type decoder struct {
	b3  *hash.Blake3
	dec *decomp
	lim Limits
}

func newDecoder(lim Limits) *decoder {
	return &decoder{
		b3:  hash.NewBlake3(),
		dec: newDecomp(),
		lim: lim,
	}
}

// DecodeHeader verifies and parses a complete header (the
// fixed part plus its extension). auxWire is the padded
// number of aux bytes that follow it on the wire.
func DecodeHeader(raw []byte, lim Limits) (msg *Message, auxWire int, err error) {
	return newDecoder(lim).decodeHeader(raw)
}

func (d *decoder) decodeHeader(raw []byte) (msg *Message, auxWire int, err error) {
	hdrSize, err := DecodeBase(raw, d.lim)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) != hdrSize {
		return nil, 0, fmt.Errorf("%w: size field says %v bytes, have %v",
			ErrHeaderSize, hdrSize, len(raw))
	}
	be := binary.BigEndian
	want := be.Uint32(raw[offHdrCRC:])
	got := d.b3.Sum32(raw[:offHdrCRC], zeroCRC[:], raw[offHdrCRC+4:])
	if got != want {
		return nil, 0, fmt.Errorf("%w: got 0x%08x want 0x%08x", ErrHeaderCRC, got, want)
	}

	msg = &Message{
		Cmd:      Cmd(be.Uint32(raw[offCmd:])),
		MsgID:    be.Uint64(raw[offMsgID:]),
		Circuit:  be.Uint64(raw[offCircuit:]),
		Error:    be.Uint32(raw[offError:]),
		Salt:     be.Uint32(raw[offSalt:]),
		AuxDescr: be.Uint64(raw[offAuxDescr:]),
		AuxComp:  Compression(raw[offAuxComp]),
		auxBytes: be.Uint32(raw[offAuxBytes:]),
		auxRaw:   be.Uint32(raw[offAuxRaw:]),
		auxCRC:   be.Uint32(raw[offAuxCRC:]),
	}
	if msg.AuxComp >= compOutOfBounds {
		return nil, 0, fmt.Errorf("%w: unknown aux compression %v", ErrDecompress, msg.AuxComp)
	}
	if msg.AuxComp == CompNone {
		msg.auxRaw = msg.auxBytes
	}
	if int64(msg.auxBytes) > int64(d.lim.MaxAux) || int64(msg.auxRaw) > int64(d.lim.MaxAux) {
		return nil, 0, fmt.Errorf("%w: %v bytes (max %v)", ErrAuxTooLarge, msg.auxRaw, d.lim.MaxAux)
	}
	if hdrSize > HdrMin {
		msg.Ext = append([]byte(nil), raw[HdrMin:]...)
	}
	return msg, alignUp(int(msg.auxBytes)), nil
}

// DecodeAux verifies and unpacks the aux bytes that
// followed msg's header; wire includes the padding.
func DecodeAux(msg *Message, wire []byte) error {
	d := newDecoder(DefaultLimits)
	defer d.dec.Close()
	return d.decodeAux(msg, wire)
}

func (d *decoder) decodeAux(msg *Message, wire []byte) error {
	n := int(msg.auxBytes)
	if len(wire) != alignUp(n) {
		return fmt.Errorf("%w: aux of %v bytes, expected %v", ErrAuxLength, len(wire), alignUp(n))
	}
	if n == 0 {
		msg.Aux = nil
		return nil
	}
	data := wire[:n]
	if got := d.b3.Sum32(data); got != msg.auxCRC {
		return fmt.Errorf("%w: got 0x%08x want 0x%08x", ErrAuxCRC, got, msg.auxCRC)
	}
	aux, err := d.dec.handleDecompress(msg.AuxComp, data, int(msg.auxRaw))
	if err != nil {
		return err
	}
	msg.Aux = aux
	return nil
}

// readMessage reads one framed message from r: the fixed
// header, then its extension, then the aux payload.
func (d *decoder) readMessage(r io.Reader) (*Message, error) {
	var base [HdrMin]byte
	if _, err := io.ReadFull(r, base[:]); err != nil {
		return nil, err
	}
	hdrSize, err := DecodeBase(base[:], d.lim)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, hdrSize)
	copy(raw, base[:])
	if hdrSize > HdrMin {
		if _, err := io.ReadFull(r, raw[HdrMin:]); err != nil {
			return nil, err
		}
	}
	msg, auxWire, err := d.decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if auxWire > 0 {
		wire := make([]byte, auxWire)
		if _, err := io.ReadFull(r, wire); err != nil {
			return nil, err
		}
		if err := d.decodeAux(msg, wire); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// ReadMessage reads and verifies one framed message from r.
func ReadMessage(r io.Reader, lim Limits) (*Message, error) {
	d := newDecoder(lim)
	defer d.dec.Close()
	return d.readMessage(r)
}

// writeMessage encodes msg and writes header then aux.
func (e *encoder) writeMessage(w io.Writer, msg *Message) (n int, err error) {
	hdr, aux, err := e.encode(msg)
	if err != nil {
		return 0, err
	}
	if err = writeFull(w, hdr); err != nil {
		return 0, err
	}
	n = len(hdr)
	if len(aux) > 0 {
		if err = writeFull(w, aux); err != nil {
			return n, err
		}
		n += len(aux)
	}
	return n, nil
}

// WriteMessage encodes msg, without aux compression, to w.
func WriteMessage(w io.Writer, msg *Message) error {
	_, err := newEncoder(DefaultLimits, nil).writeMessage(w, msg)
	return err
}

// writeFull writes all bytes in buf to w
func writeFull(w io.Writer, buf []byte) error {
	need := len(buf)
	total := 0
	for total < need {
		n, err := w.Write(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
