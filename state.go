package kdmsg

import (
	"fmt"
	"time"
)

// TransFunc receives every message the peer sends on a
// transaction, including the synthesized LostLink abort
// when the link goes down. It runs on the reader goroutine
// (or the writer, during shutdown) without the Conn lock.
type TransFunc func(t *Transaction, msg *Message) error

// Transaction tracks one command/reply exchange. Each
// direction opens with CREATE and closes with DELETE, and
// the two directions close independently. The Transaction
// is forgotten once both have closed.
type Transaction struct {
	conn  *Conn
	MsgID uint64

	// Func, when set, claims all inbound messages of the
	// transaction ahead of the auto handlers and the Conn's
	// RecvFunc. It may be set from the RecvFunc call that
	// delivers the CREATE.
	Func TransFunc

	// Any is left for the application.
	Any any

	icmd   Cmd // base command that opened the transaction
	rxcmd  Cmd // flags seen inbound
	txcmd  Cmd // flags sent outbound
	txpend Cmd // flags queued but not yet sent

	circ   *Circuit // addressing circuit, holds a reference
	circID uint64   // circuit id as named on the wire
	link   *Circuit // circuit this span/circ transaction manages

	created time.Time
	inRd    bool
	inWr    bool
	dead    bool
}

func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction{MsgID:%x icmd:%v rxcmd:%v txcmd:%v inRd:%v inWr:%v dead:%v}",
		t.MsgID, t.icmd, t.rxcmd.Flags(), t.txcmd.Flags(), t.inRd, t.inWr, t.dead)
}

// Cmd returns the base command the transaction was opened with.
func (t *Transaction) Cmd() Cmd { return t.icmd }

// Circ returns the circuit the transaction runs over, if any.
func (t *Transaction) Circ() *Circuit { return t.circ }

// Conn returns the connection that owns the transaction.
func (t *Transaction) Conn() *Conn { return t.conn }

// RxClosed reports whether the peer has closed its side.
func (t *Transaction) RxClosed() bool {
	t.conn.mut.Lock()
	defer t.conn.mut.Unlock()
	return t.rxcmd&CmdDelete != 0
}

// TxClosed reports whether our side has sent (or queued) DELETE.
func (t *Transaction) TxClosed() bool {
	t.conn.mut.Lock()
	defer t.conn.mut.Unlock()
	return (t.txcmd|t.txpend)&CmdDelete != 0
}

// Open reports whether the transaction is still indexed.
func (t *Transaction) Open() bool {
	t.conn.mut.Lock()
	defer t.conn.mut.Unlock()
	return !t.dead
}

// takeSlot hands out the cached Transaction in *slot, if
// any, so that allocation mostly happens outside the lock.
func takeSlot(slot **Transaction) (st *Transaction) {
	st = *slot
	*slot = nil
	if st == nil {
		st = &Transaction{}
	}
	return
}

// txTable / rxTable pick the table a message's state lives
// in. Inbound replies answer transactions we opened (wr);
// outbound replies answer transactions the peer opened (rd).
func (c *Conn) rxTable(cmd Cmd) *omap[uint64, *Transaction] {
	if cmd&CmdReply != 0 {
		return c.wrTable
	}
	return c.rdTable
}

func (c *Conn) txTable(cmd Cmd) *omap[uint64, *Transaction] {
	if cmd&CmdReply != 0 {
		return c.rdTable
	}
	return c.wrTable
}

// closedOrNoSuch is the answer for a close or abort that
// finds nothing open to act on: benign when ABORT is set
// (it can race a normal close), fatal otherwise.
func closedOrNoSuch(cmd Cmd, id uint64, why string) error {
	if cmd&CmdAbort != 0 {
		return fmt.Errorf("%w: msgid %x %v (%v)", ErrAlreadyClosed, id, cmd, why)
	}
	return fmt.Errorf("%w: msgid %x %v (%v)", ErrNoSuchTransaction, id, cmd, why)
}

// admitRx validates an inbound message against the
// transaction tables and updates them. On success
// msg.state is the message's Transaction, or nil for a
// one-off message. Caller holds c.mut.
func (c *Conn) admitRx(msg *Message) error {
	cmd := msg.Cmd
	table := c.rxTable(cmd)

	st, found := table.get2(msg.MsgID)
	if found {
		msg.state = st
	}

	if cmd&(CmdCreate|CmdDelete|CmdAbort) == 0 {
		// mid-stream continuation, or a one-off.
		return nil
	}

	switch cmd & (CmdCreate | CmdDelete | CmdReply) {
	case CmdCreate, CmdCreate | CmdDelete:
		// the peer opens a transaction.
		if found {
			return fmt.Errorf("%w: msgid %x %v", ErrDuplicateTransaction, msg.MsgID, cmd)
		}
		if msg.MsgID == 0 {
			return fmt.Errorf("%w: CREATE with zero msgid", ErrProtocol)
		}
		st = takeSlot(&c.rdSlot)
		st.conn = c
		st.MsgID = msg.MsgID
		st.icmd = cmd.Base()
		st.rxcmd = cmd &^ (CmdDelete | CmdSizeMask)
		st.txcmd = CmdReply
		st.created = time.Now()
		st.inRd = true
		st.circID = msg.Circuit
		if msg.circ != nil {
			st.circ = msg.circ
			c.circHold(st.circ)
		}
		c.rdTable.set(st.MsgID, st)
		c.stats.opened++
		msg.state = st
		return nil

	case CmdDelete:
		// the peer closes its side of a transaction it opened.
		if !found {
			return closedOrNoSuch(cmd, msg.MsgID, "no state")
		}
		if st.rxcmd&CmdCreate == 0 {
			return closedOrNoSuch(cmd, msg.MsgID, "never opened")
		}
		if st.rxcmd&CmdDelete != 0 {
			return closedOrNoSuch(cmd, msg.MsgID, "already deleted")
		}
		return nil

	case CmdReply | CmdCreate, CmdReply | CmdCreate | CmdDelete:
		// the peer opens the reply leg of a transaction we opened.
		if !found {
			return fmt.Errorf("%w: msgid %x %v (no state)", ErrNoSuchTransaction, msg.MsgID, cmd)
		}
		if st.rxcmd&CmdCreate != 0 {
			return fmt.Errorf("%w: msgid %x %v (reply leg already open)",
				ErrDuplicateTransaction, msg.MsgID, cmd)
		}
		st.rxcmd = cmd &^ (CmdDelete | CmdSizeMask)
		return nil

	case CmdReply | CmdDelete:
		if !found {
			return closedOrNoSuch(cmd, msg.MsgID, "no state")
		}
		if st.rxcmd&CmdCreate == 0 {
			return closedOrNoSuch(cmd, msg.MsgID, "reply leg never opened")
		}
		if st.rxcmd&CmdDelete != 0 {
			return closedOrNoSuch(cmd, msg.MsgID, "already deleted")
		}
		return nil
	}

	// mid-stream ABORT
	if !found || st.rxcmd&CmdCreate == 0 {
		return fmt.Errorf("%w: msgid %x %v (abort without open transaction)",
			ErrAlreadyClosed, msg.MsgID, cmd)
	}
	return nil
}

// cleanupRx finishes an inbound message after dispatch. A
// DELETE closes the rx side; the Transaction goes away once
// the tx side has closed too. Caller holds c.mut.
func (c *Conn) cleanupRx(msg *Message) {
	st := msg.state
	if st == nil || st.dead {
		return
	}
	if msg.Cmd&CmdDelete == 0 {
		return
	}
	st.rxcmd |= CmdDelete
	if st.txcmd&CmdDelete != 0 {
		c.destroyState(st)
	}
}

// admitTx is the mirror image of admitRx for a message
// about to be written. Caller holds c.mut.
func (c *Conn) admitTx(msg *Message) error {
	cmd := msg.Cmd
	table := c.txTable(cmd)

	st, found := table.get2(msg.MsgID)
	if found {
		msg.state = st
	} else {
		msg.state = nil
	}

	if cmd&(CmdCreate|CmdDelete|CmdAbort) == 0 {
		return nil
	}

	switch cmd & (CmdCreate | CmdDelete | CmdReply) {
	case CmdCreate, CmdCreate | CmdDelete:
		// enqueue indexed the state already.
		if !found {
			return fmt.Errorf("%w: msgid %x %v (CREATE for unallocated state)",
				ErrNoSuchTransaction, msg.MsgID, cmd)
		}
		if st.txcmd&CmdCreate != 0 {
			return fmt.Errorf("%w: msgid %x %v", ErrDuplicateTransaction, msg.MsgID, cmd)
		}
		st.txcmd = cmd &^ (CmdDelete | CmdSizeMask)
		return nil

	case CmdDelete:
		if !found {
			return closedOrNoSuch(cmd, msg.MsgID, "no state")
		}
		if st.txcmd&CmdCreate == 0 {
			return closedOrNoSuch(cmd, msg.MsgID, "never opened")
		}
		if st.txcmd&CmdDelete != 0 {
			return closedOrNoSuch(cmd, msg.MsgID, "already deleted")
		}
		return nil

	case CmdReply | CmdCreate, CmdReply | CmdCreate | CmdDelete:
		if !found {
			return closedOrNoSuch(cmd, msg.MsgID, "no state to reply to")
		}
		if st.txcmd&CmdCreate != 0 {
			return fmt.Errorf("%w: msgid %x %v (reply leg already open)",
				ErrDuplicateTransaction, msg.MsgID, cmd)
		}
		st.txcmd = cmd &^ (CmdDelete | CmdSizeMask)
		return nil

	case CmdReply | CmdDelete:
		if !found {
			return closedOrNoSuch(cmd, msg.MsgID, "no state")
		}
		if st.txcmd&CmdCreate == 0 {
			return closedOrNoSuch(cmd, msg.MsgID, "reply leg never opened")
		}
		if st.txcmd&CmdDelete != 0 {
			return closedOrNoSuch(cmd, msg.MsgID, "already deleted")
		}
		return nil
	}

	if !found || st.txcmd&CmdCreate == 0 {
		return fmt.Errorf("%w: msgid %x %v (abort without open transaction)",
			ErrAlreadyClosed, msg.MsgID, cmd)
	}
	return nil
}

// cleanupTx finishes an outbound message once it has been
// written, or once writing it failed, or once it has been
// drained at shutdown. Caller holds c.mut.
func (c *Conn) cleanupTx(msg *Message) {
	st := msg.state
	if st == nil || st.dead {
		return
	}
	st.txpend &^= msg.Cmd & (CmdCreate | CmdDelete)
	if msg.Cmd&CmdDelete == 0 {
		return
	}
	st.txcmd |= CmdDelete
	if st.rxcmd&CmdDelete != 0 {
		c.destroyState(st)
	}
}

// destroyState unindexes st. It runs exactly once per
// Transaction. Caller holds c.mut.
func (c *Conn) destroyState(st *Transaction) {
	if st.dead {
		panicf("double destroy of %v\n%v", st, stack())
	}
	st.dead = true
	if st.inRd {
		c.rdTable.delkey(st.MsgID)
		st.inRd = false
	}
	if st.inWr {
		c.wrTable.delkey(st.MsgID)
		st.inWr = false
	}
	if st.circ != nil {
		c.circDrop(st.circ)
		st.circ = nil
	}
	c.stats.closed++
	if !st.created.IsZero() {
		c.stats.addLifetime(time.Since(st.created))
	}
}

// newTxState allocates and indexes the state for a message
// we are about to send with CREATE (and without REPLY),
// choosing its id. Caller holds c.mut.
func (c *Conn) newTxState(msg *Message) *Transaction {
	st := takeSlot(&c.wrSlot)
	st.conn = c
	st.MsgID = c.newMsgID()
	st.icmd = msg.Cmd.Base()
	st.rxcmd = CmdReply
	st.created = time.Now()
	st.inWr = true
	st.circID = msg.Circuit
	if msg.circ != nil {
		st.circ = msg.circ
		c.circHold(st.circ)
	}
	c.wrTable.set(st.MsgID, st)
	c.stats.opened++
	msg.MsgID = st.MsgID
	msg.state = st
	return st
}

// newMsgID picks a random non-zero id that is neither an
// open transaction of ours nor a circuit id in use.
// Caller holds c.mut.
func (c *Conn) newMsgID() (id uint64) {
	for {
		id = c.rng.Uint64()
		if id == 0 || c.wrTable.has(id) || c.circs.has(id) {
			continue
		}
		return
	}
}
