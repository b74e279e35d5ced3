package kdmsg

import (
	"errors"
	"fmt"
	mathrand2 "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/circbuf"
	"github.com/glycerine/idem"
	"github.com/glycerine/kdmsg/hash"
	"github.com/rs/zerolog"
)

// Phase is where a Conn is in its life. It only moves forward.
type Phase int32

const (
	PhaseRunning    Phase = 0
	PhaseDrainingRx Phase = 1 // KILL set; waiting for the reader to stop
	PhaseDrainingTx Phase = 2 // completing transactions locally
	PhaseClosed     Phase = 3
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDrainingRx:
		return "draining-rx"
	case PhaseDrainingTx:
		return "draining-tx"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// RecvFunc gets every inbound message that no Transaction
// Func or auto handler claims. It runs on the reader
// goroutine without the Conn lock, so it may call Write,
// Reply and friends. Returning an error closes our side of
// the message's transaction; see CodeError.
type RecvFunc func(msg *Message) error

// Conn runs the protocol over one Transport with exactly
// two goroutines: a reader and a writer. A single mutex
// guards both transaction tables, the circuit index, the
// outbound queue and the circuit reference counts.
// Transport I/O and callbacks happen without it.
type Conn struct {
	mut  sync.Mutex
	cfg  *Config
	name string
	salt uint32
	t    Transport
	recv RecvFunc
	log  zerolog.Logger

	enc *encoder // writer goroutine only
	dec *decoder // reader goroutine only

	rdTable *omap[uint64, *Transaction] // opened by the peer
	wrTable *omap[uint64, *Transaction] // opened by us
	circs   *omap[uint64, *Circuit]
	rdSlot  *Transaction
	wrSlot  *Transaction
	queue   []*Message
	wake    chan struct{}
	rng     *mathrand2.ChaCha8
	stats   *connStats
	err     error
	started bool

	phase atomic.Int32

	// halt.ReqStop is KILL, halt.Done closes with the
	// writer once every transaction has completed.
	halt *idem.Halter

	// rxDone closes when the reader goroutine has exited.
	rxDone *idem.IdemCloseChan

	shutOnce sync.Once

	traceMut sync.Mutex
	trace    *circbuf.Buffer
}

// NewConn prepares a connection over t. Nothing is read or
// written until Start. A nil cfg means NewConfig().
func NewConn(t Transport, cfg *Config, recv RecvFunc) (*Conn, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	press, err := newPressor(cfg.compress, cfg.CompressMin)
	if err != nil {
		return nil, err
	}
	salt := cryptoRandNonZeroUint32()
	name := cfg.Name
	if name == "" {
		name = saltName(salt)
	}
	c := &Conn{
		cfg:     cfg,
		name:    name,
		salt:    salt,
		t:       t,
		recv:    recv,
		log:     cfg.Logger.With().Str("conn", name).Logger(),
		enc:     newEncoder(cfg.limits(), press),
		dec:     newDecoder(cfg.limits()),
		rdTable: newOmap[uint64, *Transaction](),
		wrTable: newOmap[uint64, *Transaction](),
		circs:   newOmap[uint64, *Circuit](),
		rdSlot:  &Transaction{},
		wrSlot:  &Transaction{},
		wake:    make(chan struct{}, 1),
		rng:     newCryrandSeededChaCha8(),
		stats:   newConnStats(),
		halt:    idem.NewHalterNamed("kdmsg.Conn." + name),
		rxDone:  idem.NewIdemCloseChan(),
	}
	if cfg.Trace {
		c.trace, err = circbuf.NewBuffer(cfg.TraceBytes)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Name identifies the connection in logs.
func (c *Conn) Name() string { return c.name }

// Salt is stamped into every header we send.
func (c *Conn) Salt() uint32 { return c.salt }

// Start launches the reader and writer goroutines.
func (c *Conn) Start() {
	c.mut.Lock()
	if c.started {
		c.mut.Unlock()
		return
	}
	c.started = true
	c.mut.Unlock()

	c.log.Info().Msg("link up")
	c.tracef("link up")
	go c.runReader()
	go c.runWriter()
}

// Close brings the link down and waits until every
// transaction has completed locally.
func (c *Conn) Close() error {
	c.fail(ErrShutdown)
	c.Start()
	<-c.halt.Done.Chan
	return nil
}

// Done is closed once the connection reaches PhaseClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.halt.Done.Chan
}

func (c *Conn) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Conn) setPhase(p Phase) {
	for {
		cur := c.phase.Load()
		if cur >= int32(p) {
			return
		}
		if c.phase.CompareAndSwap(cur, int32(p)) {
			c.log.Debug().Stringer("phase", p).Msg("phase change")
			return
		}
	}
}

// Err returns why the link went down: ErrShutdown after a
// local Close, a wrapped ErrLostLink when the peer went
// away, or the framing or protocol error that killed it.
func (c *Conn) Err() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.err
}

// fail records the first reason, sets KILL and shuts the
// transport down so that a blocked reader wakes up.
func (c *Conn) fail(err error) {
	c.mut.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.mut.Unlock()
	if first {
		switch {
		case errors.Is(err, ErrShutdown):
			c.log.Info().Msg("closing link")
		case errors.Is(err, ErrLostLink):
			c.log.Info().Err(err).Msg("link lost")
		default:
			c.log.Warn().Err(err).Msg("link failed")
		}
		c.tracef("KILL: %v", err)
	}
	c.halt.ReqStop.Close()
	c.shutdownTransport()
}

func (c *Conn) shutdownTransport() {
	c.shutOnce.Do(func() {
		if err := c.t.Shutdown(); err != nil {
			c.log.Debug().Err(err).Msg("transport shutdown")
		}
	})
}

func (c *Conn) killed() bool {
	return c.halt.ReqStop.IsClosed()
}

func (c *Conn) runReader() {
	defer func() {
		c.dec.dec.Close()
		c.rxDone.Close()
	}()
	for {
		msg, err := c.dec.readMessage(c.t)
		if err != nil {
			if c.killed() {
				c.fail(ErrShutdown)
				return
			}
			if !isFramingError(err) {
				// EOF, reset, or a QUIC connection closed by the peer.
				c.fail(fmt.Errorf("%w: %v", ErrLostLink, err))
				return
			}
			c.mut.Lock()
			c.stats.fatal++
			c.mut.Unlock()
			c.fail(err)
			return
		}
		if err := c.processRx(msg); err != nil {
			c.fail(err)
			return
		}
		if c.killed() {
			return
		}
	}
}

// processRx takes one inbound message through circuit
// resolution, admission, dispatch and cleanup. It returns
// only errors that must end the link.
func (c *Conn) processRx(msg *Message) error {
	msg.conn = c

	// a CREATE may have used up a cached Transaction; the
	// replacement is allocated after the lock is let go.
	var rdEmpty, wrEmpty bool
	unlock := func() {
		rdEmpty, wrEmpty = c.rdSlot == nil, c.wrSlot == nil
		c.mut.Unlock()
	}
	defer func() {
		if rdEmpty || wrEmpty {
			c.refillSlots(rdEmpty, wrEmpty)
		}
	}()

	c.mut.Lock()
	if msg.synthetic {
		c.stats.lostLink++
	} else {
		c.stats.msgsIn++
		c.stats.bytesIn += int64(msg.Cmd.HeaderSize() + alignUp(int(msg.auxBytes)))
	}
	c.traceMsg("rx", msg)

	if err := c.resolveRxCircuit(msg); err != nil {
		// not dispatched, but the tables still follow the
		// exchange, and a peer opening something through a
		// circuit we do not have is told so. A broken
		// exchange still ends the link.
		aerr := c.admitRx(msg)
		if Classify(aerr) == OutcomeFatal {
			c.stats.fatal++
			unlock()
			return fmt.Errorf("%w (%v)", aerr, err)
		}
		c.stats.discarded++
		c.log.Debug().Err(err).Uint64("msgid", msg.MsgID).Msg("dropping message")
		if aerr == nil {
			if msg.Cmd&CmdCreate != 0 && msg.Cmd&CmdReply == 0 && msg.state != nil {
				c.replyLocked(msg.state, ErrCodeCantCirc, true)
			}
			c.cleanupRx(msg)
		}
		unlock()
		return nil
	}

	if err := c.admitRx(msg); err != nil {
		c.freeMsg(msg)
		if Classify(err) == OutcomeDiscard {
			c.stats.discarded++
			unlock()
			c.log.Debug().Err(err).Msg("discarding message")
			return nil
		}
		c.stats.fatal++
		unlock()
		return err
	}
	var fn TransFunc
	var peerOpened bool
	if st := msg.state; st != nil {
		fn = st.Func
		peerOpened = st.inRd
	}
	unlock()

	c.dispatch(msg, fn, peerOpened)

	c.mut.Lock()
	c.cleanupRx(msg)
	c.freeMsg(msg)
	unlock()
	return nil
}

// refillSlots puts a fresh Transaction in each empty
// cache slot, allocating before taking c.mut.
func (c *Conn) refillSlots(rd, wr bool) {
	var rs, ws *Transaction
	if rd {
		rs = &Transaction{}
	}
	if wr {
		ws = &Transaction{}
	}
	c.mut.Lock()
	if c.rdSlot == nil {
		c.rdSlot = rs
	}
	if c.wrSlot == nil {
		c.wrSlot = ws
	}
	c.mut.Unlock()
}

// dispatch hands msg to the first taker: the
// transaction's Func, the auto handlers, then the RecvFunc.
// fn and peerOpened were read from msg.State() under c.mut.
func (c *Conn) dispatch(msg *Message, fn TransFunc, peerOpened bool) {
	st := msg.state
	var err error
	switch {
	case fn != nil:
		err = fn(st, msg)
	case c.autoClaims(msg):
		c.autorx(msg)
		return
	case c.recv != nil:
		err = c.recv(msg)
	default:
		if peerOpened && msg.Cmd&CmdCreate != 0 && msg.Cmd&CmdReply == 0 {
			err = &CodeError{Code: ErrCodeNoSupp, Err: fmt.Errorf("no handler for %v", msg.Cmd.Base())}
		}
	}
	if err == nil {
		return
	}
	c.log.Warn().Err(err).Stringer("cmd", msg.Cmd).Uint64("msgid", msg.MsgID).Msg("receive callback failed")
	code := errCode(err)
	switch {
	case st != nil:
		st.Reply(code)
	case msg.Cmd&CmdReply == 0:
		c.ReplyTo(msg, code)
	}
}

func (c *Conn) runWriter() {
	defer c.enc.press.Close()
	for {
		select {
		case <-c.wake:
		case <-c.halt.ReqStop.Chan:
			c.shutdown()
			return
		}
		if err := c.writeQueued(); err != nil {
			c.fail(err)
		}
	}
}

// writeQueued writes until the queue is empty or KILL is set.
func (c *Conn) writeQueued() error {
	for !c.killed() {
		c.mut.Lock()
		if len(c.queue) == 0 {
			c.mut.Unlock()
			return nil
		}
		msg := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		msg.Salt = c.salt
		if err := c.admitTx(msg); err != nil {
			if st := msg.state; st != nil {
				st.txpend &^= msg.Cmd & (CmdCreate | CmdDelete)
			}
			c.freeMsg(msg)
			if Classify(err) == OutcomeDiscard {
				c.stats.discarded++
				c.mut.Unlock()
				c.log.Debug().Err(err).Msg("not sending")
				continue
			}
			c.stats.fatal++
			c.mut.Unlock()
			return err
		}
		c.traceMsg("tx", msg)
		c.mut.Unlock()

		n, werr := c.enc.writeMessage(c.t, msg)

		c.mut.Lock()
		c.stats.msgsOut++
		c.stats.bytesOut += int64(n)
		if msg.AuxComp != CompNone {
			c.stats.auxSaved += int64(msg.auxRaw) - int64(msg.auxBytes)
		}
		c.cleanupTx(msg)
		c.freeMsg(msg)
		c.mut.Unlock()
		if werr != nil {
			if c.killed() {
				return nil
			}
			return fmt.Errorf("%w: write: %v", ErrLostLink, werr)
		}
	}
	return nil
}

// shutdown runs on the writer once KILL is set. It waits
// for the reader to stop, then completes every open
// transaction locally so each receiver hears exactly one
// LostLink abort.
func (c *Conn) shutdown() {
	c.setPhase(PhaseDrainingRx)
	c.shutdownTransport()
	<-c.rxDone.Chan

	c.setPhase(PhaseDrainingTx)
	c.drainQueue()
	aborted := c.simulateLinkLoss()
	c.drainQueue()

	c.mut.Lock()
	left := c.rdTable.Len() + c.wrTable.Len()
	if left > 0 {
		c.forceClose()
	}
	circs := c.circs.Len()
	c.mut.Unlock()
	c.log.Info().Int("aborted", aborted).Int("forced", left).Int("circuits", circs).Msg("link down")
	c.tracef("link down: %v aborted, %v forced", aborted, left)

	c.setPhase(PhaseClosed)
	c.halt.Done.Close()
}

// drainQueue completes queued messages without writing them.
func (c *Conn) drainQueue() {
	c.mut.Lock()
	defer c.mut.Unlock()
	for len(c.queue) > 0 {
		msg := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		if err := c.admitTx(msg); err == nil {
			c.cleanupTx(msg)
		} else if st := msg.state; st != nil {
			st.txpend &^= msg.Cmd & (CmdCreate | CmdDelete)
		}
		c.freeMsg(msg)
	}
	c.queue = nil
}

// simulateLinkLoss feeds an abort with ErrCodeLostLink to
// every transaction the peer has not closed, as if the
// peer had sent it.
func (c *Conn) simulateLinkLoss() (n int) {
	var msgs []*Message
	c.mut.Lock()
	collect := func(table *omap[uint64, *Transaction]) {
		for _, st := range table.all() {
			if st.rxcmd&CmdDelete != 0 {
				continue
			}
			cmd := LnkError | CmdDelete | CmdAbort | st.rxcmd&CmdReply
			if st.rxcmd&CmdCreate == 0 {
				cmd |= CmdCreate
			}
			msgs = append(msgs, &Message{
				Cmd:       cmd,
				MsgID:     st.MsgID,
				Error:     ErrCodeLostLink,
				synthetic: true,
			})
		}
	}
	collect(c.rdTable)
	collect(c.wrTable)
	c.mut.Unlock()

	if len(msgs) > 0 {
		c.log.Debug().Int("count", len(msgs)).Msg("synthesizing lost-link aborts")
	}
	for _, msg := range msgs {
		// fatal outcomes cannot happen here; the link is down anyway.
		if err := c.processRx(msg); err != nil {
			c.log.Debug().Err(err).Msg("synthetic abort")
			continue
		}
		n++
	}
	return
}

// forceClose destroys whatever is left once both sides
// have been completed as far as they can be.
// Caller holds c.mut.
func (c *Conn) forceClose() {
	for _, table := range []*omap[uint64, *Transaction]{c.rdTable, c.wrTable} {
		for _, st := range table.all() {
			if circ := st.link; circ != nil {
				switch st {
				case circ.span:
					c.circSpanClosed(circ)
				case circ.rcirc:
					c.circRcircClosed(circ)
				case circ.fcirc:
					c.circFcircClosed(circ)
				}
				st.link = nil
			}
			st.rxcmd |= CmdDelete
			st.txcmd |= CmdDelete
			st.txpend = 0
			c.destroyState(st)
		}
	}
}

// enqueueLocked queues msg for the writer, allocating the
// Transaction when msg opens a new one. Caller holds c.mut.
func (c *Conn) enqueueLocked(msg *Message) error {
	if c.killed() || c.Phase() != PhaseRunning {
		// a transaction made for msg that never went out
		// is forgotten.
		if st := msg.state; st != nil && !st.dead && st.inWr && st.txcmd == 0 && st.txpend == 0 {
			c.destroyState(st)
		}
		return ErrShutdown
	}
	if HdrMin+alignUp(len(msg.Ext)) > c.cfg.MaxHeader {
		return fmt.Errorf("%w: %v bytes of extension", ErrHeaderTooLarge, len(msg.Ext))
	}
	if len(msg.Aux) > c.cfg.MaxAux {
		return fmt.Errorf("%w: %v bytes", ErrAuxTooLarge, len(msg.Aux))
	}
	if msg.state == nil && msg.MsgID != 0 {
		if st, ok := c.txTable(msg.Cmd).get2(msg.MsgID); ok {
			msg.state = st
		}
	}
	if err := c.resolveTxCircuit(msg); err != nil {
		return err
	}
	if msg.Cmd&CmdCreate != 0 && msg.Cmd&CmdReply == 0 && msg.state == nil {
		c.newTxState(msg)
	}
	if st := msg.state; st != nil {
		st.txpend |= msg.Cmd & (CmdCreate | CmdDelete)
	}
	c.queue = append(c.queue, msg)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Write queues msg. A message with CREATE (and without
// REPLY) opens a new transaction, whose msgid is filled in.
// Once the link is going down Write returns ErrShutdown.
func (c *Conn) Write(msg *Message) error {
	c.mut.Lock()
	err := c.enqueueLocked(msg)
	empty := c.wrSlot == nil
	c.mut.Unlock()
	if empty {
		c.refillSlots(false, true)
	}
	return err
}

// Open starts a transaction with msg, which must carry
// CREATE and not REPLY. fn, if not nil, receives every
// message the peer sends on it.
func (c *Conn) Open(msg *Message, fn TransFunc, v any) (*Transaction, error) {
	if msg.Cmd&CmdCreate == 0 || msg.Cmd&CmdReply != 0 {
		return nil, fmt.Errorf("%w: Open needs CREATE without REPLY, have %v", ErrProtocol, msg.Cmd)
	}
	c.mut.Lock()
	if msg.state != nil {
		c.mut.Unlock()
		return nil, fmt.Errorf("%w: message already belongs to %v", ErrDuplicateTransaction, msg.state)
	}
	err := c.enqueueLocked(msg)
	var st *Transaction
	if err == nil {
		st = msg.state
		st.Func = fn
		st.Any = v
	}
	empty := c.wrSlot == nil
	c.mut.Unlock()
	if empty {
		c.refillSlots(false, true)
	}
	return st, err
}

// Write sends msg as part of t, filling in the msgid, the
// REPLY flag when t was opened by the peer, and the circuit.
func (t *Transaction) Write(msg *Message) error {
	c := t.conn
	c.mut.Lock()
	defer c.mut.Unlock()
	return t.writeLocked(msg)
}

func (t *Transaction) writeLocked(msg *Message) error {
	if t.dead {
		return fmt.Errorf("%w: msgid %x", ErrAlreadyClosed, t.MsgID)
	}
	msg.MsgID = t.MsgID
	msg.state = t
	if t.txcmd&CmdReply != 0 {
		msg.Cmd |= CmdReply
	}
	if msg.circ == nil && msg.Circuit == 0 {
		if t.circ != nil {
			msg.circ = t.circ
		} else {
			msg.Circuit = t.circID
		}
	}
	return t.conn.enqueueLocked(msg)
}

// Connect opens our LNK_CONN toward the peer.
func (c *Conn) Connect(info *ConnInfo) (*Transaction, error) {
	ext, err := info.MarshalMsg(nil)
	if err != nil {
		return nil, err
	}
	return c.Open(&Message{Cmd: LnkConn | CmdCreate, Ext: ext}, nil, info)
}

// AdvertiseSpan tells the peer that info.Target is
// reachable through us. The span lasts until the returned
// Transaction is closed.
func (c *Conn) AdvertiseSpan(info *SpanInfo) (*Transaction, error) {
	ext, err := info.MarshalMsg(nil)
	if err != nil {
		return nil, err
	}
	return c.Open(&Message{Cmd: LnkSpan | CmdCreate, Ext: ext}, nil, info)
}

// traceMsg records msg with a fingerprint of its aux, so
// that the two ends' traces can be lined up.
func (c *Conn) traceMsg(dir string, msg *Message) {
	if c.trace == nil && !verbose {
		return
	}
	if len(msg.Aux) == 0 {
		c.tracef("%v %v", dir, msg)
		return
	}
	c.tracef("%v %v aux:%v", dir, msg, hash.Blake3OfBytesString(msg.Aux))
}

func (c *Conn) tracef(format string, args ...any) {
	if c.trace == nil && !verbose {
		return
	}
	line := fmt.Sprintf(format, args...)
	if verbose {
		vv("%v: %v", c.name, line)
	}
	if c.trace == nil {
		return
	}
	c.traceMut.Lock()
	defer c.traceMut.Unlock()
	fmt.Fprintf(c.trace, "%v %v\n", time.Now().In(gtz).Format(rfc3339MsecTz0), line)
}

// RecentTrace returns the tail of the protocol trace, or
// nil if Config.Trace was off.
func (c *Conn) RecentTrace() []byte {
	if c.trace == nil {
		return nil
	}
	c.traceMut.Lock()
	defer c.traceMut.Unlock()
	return append([]byte(nil), c.trace.Bytes()...)
}
