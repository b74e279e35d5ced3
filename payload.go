package kdmsg

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// The link-level commands carry their parameters in the
// header extension, msgpack encoded as fixed-length arrays.
// Decoding ignores the zero padding that follows.

// ConnInfo rides on LNK_CONN.
type ConnInfo struct {
	PeerID   uint64
	PeerType uint8
	Label    string
}

// SpanInfo rides on LNK_SPAN: Target is reachable through
// the sender at the given Distance.
type SpanInfo struct {
	Target   string
	Distance int32
}

// CircInfo rides on LNK_CIRC.
type CircInfo struct {
	Target string
	Weight int32
}

var _ msgp.Marshaler = (*ConnInfo)(nil)
var _ msgp.Unmarshaler = (*ConnInfo)(nil)
var _ msgp.Marshaler = (*SpanInfo)(nil)
var _ msgp.Unmarshaler = (*SpanInfo)(nil)
var _ msgp.Marshaler = (*CircInfo)(nil)
var _ msgp.Unmarshaler = (*CircInfo)(nil)

func (z *ConnInfo) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendUint64(o, z.PeerID)
	o = msgp.AppendUint8(o, z.PeerType)
	o = msgp.AppendString(o, z.Label)
	return
}

func (z *ConnInfo) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var sz uint32
	sz, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != 3 {
		err = fmt.Errorf("ConnInfo: want 3 fields, have %v", sz)
		return
	}
	z.PeerID, bts, err = nbs.ReadUint64Bytes(bts)
	if err != nil {
		return
	}
	z.PeerType, bts, err = nbs.ReadUint8Bytes(bts)
	if err != nil {
		return
	}
	z.Label, bts, err = nbs.ReadStringBytes(bts)
	if err != nil {
		return
	}
	o = bts
	return
}

func (z *SpanInfo) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendString(o, z.Target)
	o = msgp.AppendInt32(o, z.Distance)
	return
}

func (z *SpanInfo) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var sz uint32
	sz, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != 2 {
		err = fmt.Errorf("SpanInfo: want 2 fields, have %v", sz)
		return
	}
	z.Target, bts, err = nbs.ReadStringBytes(bts)
	if err != nil {
		return
	}
	z.Distance, bts, err = nbs.ReadInt32Bytes(bts)
	if err != nil {
		return
	}
	o = bts
	return
}

func (z *CircInfo) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendString(o, z.Target)
	o = msgp.AppendInt32(o, z.Weight)
	return
}

func (z *CircInfo) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var sz uint32
	sz, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != 2 {
		err = fmt.Errorf("CircInfo: want 2 fields, have %v", sz)
		return
	}
	z.Target, bts, err = nbs.ReadStringBytes(bts)
	if err != nil {
		return
	}
	z.Weight, bts, err = nbs.ReadInt32Bytes(bts)
	if err != nil {
		return
	}
	o = bts
	return
}

// extInfo decodes msg's extension into u, wrapping any
// failure as a parameter error.
func extInfo(msg *Message, u msgp.Unmarshaler) error {
	if len(msg.Ext) == 0 {
		return fmt.Errorf("%w: %v has no header extension", ErrProtocol, msg.Cmd)
	}
	if _, err := u.UnmarshalMsg(msg.Ext); err != nil {
		return fmt.Errorf("%w: %v extension: %v", ErrProtocol, msg.Cmd, err)
	}
	return nil
}
