package kdmsg

import (
	"fmt"
)

// Circuit is a virtual route through the mesh. A forged
// circuit is one we open toward a target the peer
// advertised with LNK_SPAN; a received circuit is one the
// peer opened toward us with LNK_CIRC. Either way its ID
// is the msgid of the LNK_CIRC transaction behind it, and
// never changes.
//
// Circuits are reference counted under the Conn lock. The
// span, the acknowledged forged LNK_CIRC and the received
// LNK_CIRC transactions each hold one reference, as does
// every Transaction and in-flight Message addressed through
// the circuit. The circuit is in the Conn's index exactly
// while the count is at least one.
type Circuit struct {
	conn   *Conn
	ID     uint64
	Weight int32
	Target string
	Forged bool

	refs int

	span   *Transaction // LNK_SPAN that made us forge it
	fcirc  *Transaction // our LNK_CIRC
	rcirc  *Transaction // the peer's LNK_CIRC
	acked  bool         // fcirc reference counted
	gone   bool
}

func (circ *Circuit) String() string {
	return fmt.Sprintf("Circuit{ID:%x Weight:%v Target:'%v' Forged:%v refs:%v acked:%v gone:%v}",
		circ.ID, circ.Weight, circ.Target, circ.Forged, circ.refs, circ.acked, circ.gone)
}

// Refs returns the current reference count.
func (circ *Circuit) Refs() int {
	circ.conn.mut.Lock()
	defer circ.conn.mut.Unlock()
	return circ.refs
}

// Established reports whether the circuit can carry traffic:
// a forged circuit once the peer acked it, a received
// circuit as soon as it exists.
func (circ *Circuit) Established() bool {
	circ.conn.mut.Lock()
	defer circ.conn.mut.Unlock()
	if circ.gone {
		return false
	}
	if circ.Forged {
		return circ.acked
	}
	return circ.rcirc != nil
}

// newCircuit makes a circuit holding one reference and
// puts it in the index. Caller holds c.mut.
func (c *Conn) newCircuit(id uint64, forged bool) *Circuit {
	circ := &Circuit{
		conn:   c,
		ID:     id,
		Forged: forged,
		refs:   1,
	}
	c.circs.set(id, circ)
	c.stats.circuitsCreated++
	return circ
}

// circHold takes a reference. Caller holds c.mut.
func (c *Conn) circHold(circ *Circuit) {
	if circ.gone {
		panicf("circHold on destroyed %v\n%v", circ, stack())
	}
	circ.refs++
}

// circDrop releases a reference. Leaving the index happens
// under the same lock hold as the count reaching zero.
// Caller holds c.mut.
func (c *Conn) circDrop(circ *Circuit) {
	if circ.refs <= 0 {
		panicf("circuit refcount underflow on %v\n%v", circ, stack())
	}
	circ.refs--
	if circ.refs > 0 {
		return
	}
	circ.gone = true
	c.circs.delkey(circ.ID)
	c.stats.circuitsDestroyed++
	c.log.Debug().Uint64("circuit", circ.ID).Str("target", circ.Target).Msg("circuit destroyed")
	c.tracef("circuit %x destroyed", circ.ID)
}

// LookupCircuit returns the circuit with id, or nil if no
// such circuit is open.
func (c *Conn) LookupCircuit(id uint64) *Circuit {
	c.mut.Lock()
	defer c.mut.Unlock()
	circ, _ := c.circs.get2(id)
	return circ
}

// Circuits returns the open circuits in id order.
func (c *Conn) Circuits() (r []*Circuit) {
	c.mut.Lock()
	defer c.mut.Unlock()
	for _, circ := range c.circs.all() {
		r = append(r, circ)
	}
	return
}

// resolveRxCircuit attaches the circuit named by an
// inbound message, taking a reference for the message's
// lifetime. Caller holds c.mut.
func (c *Conn) resolveRxCircuit(msg *Message) error {
	if msg.Circuit == 0 {
		return nil
	}
	circ, ok := c.circs.get2(msg.Circuit)
	if !ok {
		return fmt.Errorf("%w: %x on %v", ErrUnknownCircuit, msg.Circuit, msg.Cmd)
	}
	c.circHold(circ)
	msg.circ = circ
	return nil
}

// resolveTxCircuit is the outbound version, run at
// enqueue. A continuation of a transaction may keep
// naming a circuit that has since gone away (a reply to a
// message that arrived on an unknown circuit, say); new
// traffic may not. Caller holds c.mut.
func (c *Conn) resolveTxCircuit(msg *Message) error {
	if msg.circ != nil {
		if msg.circ.gone {
			return fmt.Errorf("%w: %x is closed", ErrUnknownCircuit, msg.circ.ID)
		}
		msg.Circuit = msg.circ.ID
		c.circHold(msg.circ)
		return nil
	}
	if msg.Circuit == 0 {
		return nil
	}
	circ, ok := c.circs.get2(msg.Circuit)
	if !ok {
		if msg.state != nil && (msg.Cmd&CmdCreate == 0 || msg.Cmd&CmdReply != 0) {
			return nil
		}
		return fmt.Errorf("%w: %x", ErrUnknownCircuit, msg.Circuit)
	}
	c.circHold(circ)
	msg.circ = circ
	return nil
}

// freeMsg releases what msg holds. Caller holds c.mut.
func (c *Conn) freeMsg(msg *Message) {
	if msg.circ != nil {
		c.circDrop(msg.circ)
		msg.circ = nil
	}
}

// forgeCircuit answers a span the peer advertised: it
// makes a circuit weighted by the span's distance, held by
// the span, and sends LNK_CIRC CREATE to open it. The
// circuit id is the msgid of that LNK_CIRC.
// Caller holds c.mut.
func (c *Conn) forgeCircuit(span *Transaction, info *SpanInfo) (*Circuit, *Message) {
	msg := &Message{Cmd: LnkCirc | CmdCreate}
	fcirc := c.newTxState(msg)

	circ := c.newCircuit(fcirc.MsgID, true)
	circ.Weight = info.Distance
	circ.Target = info.Target
	circ.span = span
	circ.fcirc = fcirc
	span.link = circ
	fcirc.link = circ

	ext, err := (&CircInfo{Target: info.Target, Weight: info.Distance}).MarshalMsg(nil)
	panicOn(err)
	msg.Ext = ext

	c.log.Debug().Uint64("circuit", circ.ID).Str("target", circ.Target).
		Int32("weight", circ.Weight).Msg("forging circuit")
	c.tracef("forge circuit %x for span %x target '%v' weight %v",
		circ.ID, span.MsgID, circ.Target, circ.Weight)
	return circ, msg
}

// circAcked records the peer's acceptance of a forged
// circuit; the LNK_CIRC transaction now holds a reference.
// Caller holds c.mut.
func (c *Conn) circAcked(circ *Circuit) bool {
	if circ.acked || circ.gone {
		return false
	}
	circ.acked = true
	c.circHold(circ)
	return true
}

// circFcircClosed is the end of the forged LNK_CIRC
// transaction's rx side. Caller holds c.mut.
func (c *Conn) circFcircClosed(circ *Circuit) (wasAcked bool) {
	wasAcked = circ.acked
	circ.fcirc = nil
	if circ.acked {
		circ.acked = false
		c.circDrop(circ)
	}
	return
}

// circSpanClosed drops the span's reference and reports
// the forged LNK_CIRC still needing a DELETE from us, if any.
// Caller holds c.mut.
func (c *Conn) circSpanClosed(circ *Circuit) (closeFcirc *Transaction) {
	if circ.span == nil {
		return nil
	}
	circ.span.link = nil
	circ.span = nil
	if fc := circ.fcirc; fc != nil && !fc.dead && (fc.txcmd|fc.txpend)&CmdDelete == 0 {
		closeFcirc = fc
	}
	c.circDrop(circ)
	return
}

// acceptCircuit makes a received circuit for the peer's
// LNK_CIRC CREATE. Caller holds c.mut.
func (c *Conn) acceptCircuit(rcirc *Transaction, info *CircInfo) (*Circuit, error) {
	if c.circs.has(rcirc.MsgID) {
		return nil, fmt.Errorf("%w: circuit %x already exists", ErrDuplicateTransaction, rcirc.MsgID)
	}
	circ := c.newCircuit(rcirc.MsgID, false)
	circ.rcirc = rcirc
	if info != nil {
		circ.Target = info.Target
		circ.Weight = info.Weight
	}
	rcirc.link = circ
	return circ, nil
}

// circRcircClosed drops the received LNK_CIRC reference.
// Caller holds c.mut.
func (c *Conn) circRcircClosed(circ *Circuit) {
	if circ.rcirc == nil {
		return
	}
	circ.rcirc.link = nil
	circ.rcirc = nil
	c.circDrop(circ)
}
