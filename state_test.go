package kdmsg

import (
	"errors"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/stretchr/testify/require"
)

// newTestConn makes a Conn that is never started, so tests
// can feed processRx directly and inspect what it queues.
func newTestConn(t *testing.T, cfg *Config, recv RecvFunc) *Conn {
	a, _ := PipeTransports()
	c, err := NewConn(a, cfg, recv)
	require.NoError(t, err)
	return c
}

// sent completes everything c has queued as the writer
// would after a successful write, and returns it.
func sent(t *testing.T, c *Conn) (out []*Message) {
	c.mut.Lock()
	defer c.mut.Unlock()
	for _, msg := range c.queue {
		require.NoError(t, c.admitTx(msg), "admitTx %v", msg)
		c.cleanupTx(msg)
		c.freeMsg(msg)
		out = append(out, msg)
	}
	c.queue = nil
	return
}

func tableHas(c *Conn, id uint64) (rd, wr bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.rdTable.has(id), c.wrTable.has(id)
}

func Test030_peer_transaction_lifecycle(t *testing.T) {

	cv.Convey("peer opens msgid 5, streams, both sides close; a third DELETE is fatal without ABORT and discarded with it", t, func() {
		var got []*Message
		c := newTestConn(t, nil, func(msg *Message) error {
			got = append(got, msg)
			return nil
		})
		app := ProtoAPP | 0x10

		require.NoError(t, c.processRx(&Message{Cmd: app | CmdCreate, MsgID: 5}))
		rd, wr := tableHas(c, 5)
		cv.So(rd, cv.ShouldBeTrue)
		cv.So(wr, cv.ShouldBeFalse)

		require.NoError(t, c.processRx(&Message{Cmd: app, MsgID: 5, Aux: []byte("more")}))
		require.NoError(t, c.processRx(&Message{Cmd: app | CmdDelete, MsgID: 5}))
		require.Len(t, got, 3)
		st := got[0].State()
		require.NotNil(t, st)
		cv.So(got[1].State(), cv.ShouldEqual, st)
		cv.So(got[2].State(), cv.ShouldEqual, st)
		cv.So(st.RxClosed(), cv.ShouldBeTrue)

		// the peer is done; we are not, so the state stays.
		rd, _ = tableHas(c, 5)
		cv.So(rd, cv.ShouldBeTrue)
		cv.So(st.Open(), cv.ShouldBeTrue)

		st.Reply(0)
		out := sent(t, c)
		require.Len(t, out, 1)
		cv.So(out[0].Cmd.Base(), cv.ShouldEqual, LnkError)
		cv.So(out[0].Cmd.Flags(), cv.ShouldEqual, CmdCreate|CmdDelete|CmdReply)
		cv.So(out[0].MsgID, cv.ShouldEqual, uint64(5))

		rd, wr = tableHas(c, 5)
		cv.So(rd, cv.ShouldBeFalse)
		cv.So(wr, cv.ShouldBeFalse)
		cv.So(st.Open(), cv.ShouldBeFalse)

		c.mut.Lock()
		err := c.admitRx(&Message{Cmd: app | CmdDelete, MsgID: 5})
		cv.So(errors.Is(err, ErrNoSuchTransaction), cv.ShouldBeTrue)
		cv.So(Classify(err), cv.ShouldEqual, OutcomeFatal)

		err = c.admitRx(&Message{Cmd: app | CmdDelete | CmdAbort, MsgID: 5})
		cv.So(errors.Is(err, ErrAlreadyClosed), cv.ShouldBeTrue)
		cv.So(Classify(err), cv.ShouldEqual, OutcomeDiscard)
		c.mut.Unlock()

		// the same through the reader's path.
		err = c.processRx(&Message{Cmd: app | CmdDelete, MsgID: 5})
		cv.So(errors.Is(err, ErrNoSuchTransaction), cv.ShouldBeTrue)
		cv.So(c.processRx(&Message{Cmd: app | CmdDelete | CmdAbort, MsgID: 5}), cv.ShouldBeNil)
		s := c.Stats()
		cv.So(s.Fatal, cv.ShouldEqual, 1)
		cv.So(s.Discarded, cv.ShouldEqual, 1)
		cv.So(s.TransOpened, cv.ShouldEqual, 1)
		cv.So(s.TransClosed, cv.ShouldEqual, 1)
	})
}

func Test031_reply_is_idempotent(t *testing.T) {

	cv.Convey("Reply twice queues one DELETE; Result then Reply opens once and closes once", t, func() {
		var st *Transaction
		c := newTestConn(t, nil, func(msg *Message) error {
			st = msg.State()
			return nil
		})
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 1 | CmdCreate, MsgID: 11}))
		require.NotNil(t, st)
		st.Reply(ErrCodeParam)
		st.Reply(ErrCodeParam)
		st.Result(0)
		out := sent(t, c)
		require.Len(t, out, 1)
		cv.So(out[0].Cmd.Has(CmdDelete), cv.ShouldBeTrue)
		cv.So(out[0].Error, cv.ShouldEqual, ErrCodeParam)
		cv.So(st.TxClosed(), cv.ShouldBeTrue)
		st.Reply(0)
		cv.So(sent(t, c), cv.ShouldBeEmpty)

		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 1 | CmdCreate, MsgID: 12}))
		st.Result(0)
		st.Reply(0)
		st.Reply(0)
		out = sent(t, c)
		require.Len(t, out, 2)
		cv.So(out[0].Cmd.Flags(), cv.ShouldEqual, CmdCreate|CmdReply)
		cv.So(out[1].Cmd.Flags(), cv.ShouldEqual, CmdDelete|CmdReply)
	})
}

func Test032_duplicate_and_stray_messages(t *testing.T) {

	cv.Convey("a second CREATE for an open msgid is fatal; a stray reply is fatal; an abort of nothing is discarded", t, func() {
		c := newTestConn(t, nil, func(msg *Message) error { return nil })
		app := ProtoAPP | 2
		require.NoError(t, c.processRx(&Message{Cmd: app | CmdCreate, MsgID: 20}))

		err := c.processRx(&Message{Cmd: app | CmdCreate, MsgID: 20})
		cv.So(errors.Is(err, ErrDuplicateTransaction), cv.ShouldBeTrue)

		err = c.processRx(&Message{Cmd: app | CmdCreate | CmdReply, MsgID: 21})
		cv.So(errors.Is(err, ErrNoSuchTransaction), cv.ShouldBeTrue)

		err = c.processRx(&Message{Cmd: app | CmdCreate, MsgID: 0})
		cv.So(errors.Is(err, ErrProtocol), cv.ShouldBeTrue)

		cv.So(c.processRx(&Message{Cmd: app | CmdAbort, MsgID: 22}), cv.ShouldBeNil)
		cv.So(c.processRx(&Message{Cmd: app | CmdAbort | CmdDelete | CmdReply, MsgID: 23}), cv.ShouldBeNil)
		cv.So(c.Stats().Discarded, cv.ShouldEqual, 2)
	})
}

func Test033_our_transaction_lifecycle(t *testing.T) {

	cv.Convey("Open allocates a wr state, the peer's reply leg drives it to completion", t, func() {
		c := newTestConn(t, nil, nil)
		var seen []*Message
		st, err := c.Open(&Message{Cmd: ProtoAPP | 3 | CmdCreate}, func(tr *Transaction, msg *Message) error {
			seen = append(seen, msg)
			return nil
		}, "mine")
		require.NoError(t, err)
		require.NotZero(t, st.MsgID)
		cv.So(st.Any, cv.ShouldEqual, "mine")
		_, wr := tableHas(c, st.MsgID)
		cv.So(wr, cv.ShouldBeTrue)

		out := sent(t, c)
		require.Len(t, out, 1)
		cv.So(out[0].MsgID, cv.ShouldEqual, st.MsgID)

		require.NoError(t, st.Write(&Message{Cmd: ProtoAPP | 3}))
		require.NoError(t, st.Write(&Message{Cmd: ProtoAPP | 3 | CmdDelete}))
		sent(t, c)
		cv.So(st.TxClosed(), cv.ShouldBeTrue)
		cv.So(st.Open(), cv.ShouldBeTrue)

		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 3 | CmdCreate | CmdReply, MsgID: st.MsgID}))
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 3 | CmdDelete | CmdReply, MsgID: st.MsgID}))
		require.Len(t, seen, 2)
		cv.So(st.Open(), cv.ShouldBeFalse)
		_, wr = tableHas(c, st.MsgID)
		cv.So(wr, cv.ShouldBeFalse)

		// writing on a finished transaction is refused.
		err = st.Write(&Message{Cmd: ProtoAPP | 3})
		cv.So(errors.Is(err, ErrAlreadyClosed), cv.ShouldBeTrue)

		_, err = c.Open(&Message{Cmd: ProtoAPP | 3}, nil, nil)
		cv.So(errors.Is(err, ErrProtocol), cv.ShouldBeTrue)
	})
}

func Test034_unhandled_and_failing_receivers(t *testing.T) {

	cv.Convey("with no receiver a peer's CREATE is answered NOSUPP", t, func() {
		c := newTestConn(t, nil, nil)
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 4 | CmdCreate, MsgID: 40}))
		out := sent(t, c)
		require.Len(t, out, 1)
		cv.So(out[0].Error, cv.ShouldEqual, ErrCodeNoSupp)
		cv.So(out[0].Cmd.Has(CmdDelete|CmdReply|CmdCreate), cv.ShouldBeTrue)
	})

	cv.Convey("a receiver error closes our side with its code", t, func() {
		c := newTestConn(t, nil, func(msg *Message) error {
			if msg.MsgID == 41 {
				return errors.New("cannot do it")
			}
			return &CodeError{Code: ErrCodeParam, Err: errors.New("bad parameter")}
		})
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 4 | CmdCreate, MsgID: 41}))
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 4 | CmdCreate, MsgID: 42}))
		out := sent(t, c)
		require.Len(t, out, 2)
		cv.So(out[0].Error, cv.ShouldEqual, ErrCodeIO)
		cv.So(out[1].Error, cv.ShouldEqual, ErrCodeParam)

		// a one-off that fails gets a one-off answer.
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 4, MsgID: 43}))
		out = sent(t, c)
		require.Len(t, out, 1)
		cv.So(out[0].Cmd, cv.ShouldEqual, LnkError|CmdReply)
		cv.So(out[0].State(), cv.ShouldBeNil)
	})
}

func Test035_transaction_slots_refill(t *testing.T) {

	cv.Convey("a peer CREATE and an Open each use their direction's cached Transaction, and the cache is topped up again", t, func() {
		var got *Transaction
		c := newTestConn(t, nil, func(msg *Message) error {
			got = msg.State()
			return nil
		})
		c.mut.Lock()
		rd, wr := c.rdSlot, c.wrSlot
		c.mut.Unlock()
		require.NotNil(t, rd)
		require.NotNil(t, wr)

		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 1 | CmdCreate, MsgID: 90}))
		require.Same(t, rd, got)
		c.mut.Lock()
		require.NotNil(t, c.rdSlot)
		require.NotSame(t, rd, c.rdSlot)
		require.Same(t, wr, c.wrSlot)
		c.mut.Unlock()

		st, err := c.Open(&Message{Cmd: ProtoAPP | 1 | CmdCreate}, nil, nil)
		require.NoError(t, err)
		require.Same(t, wr, st)
		c.mut.Lock()
		require.NotNil(t, c.wrSlot)
		require.NotSame(t, wr, c.wrSlot)
		c.mut.Unlock()

		// continuations leave the slots alone.
		c.mut.Lock()
		rd2 := c.rdSlot
		c.mut.Unlock()
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 1, MsgID: 90}))
		c.mut.Lock()
		require.Same(t, rd2, c.rdSlot)
		c.mut.Unlock()
	})
}

func Test036_mid_stream_abort_is_delivered(t *testing.T) {

	cv.Convey("an ABORT without CREATE or DELETE on an open transaction reaches its receiver and is not discarded", t, func() {
		var got []*Message
		c := newTestConn(t, nil, func(msg *Message) error {
			got = append(got, msg)
			return nil
		})
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 2 | CmdCreate, MsgID: 70}))
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 2 | CmdAbort, MsgID: 70}))
		require.Len(t, got, 2)
		cv.So(got[1].Cmd.Has(CmdAbort), cv.ShouldBeTrue)
		cv.So(got[1].State(), cv.ShouldEqual, got[0].State())
		cv.So(got[1].State().Open(), cv.ShouldBeTrue)
		cv.So(got[1].State().RxClosed(), cv.ShouldBeFalse)

		// the same on the reply leg of our own transaction.
		var seen []*Message
		st, err := c.Open(&Message{Cmd: ProtoAPP | 2 | CmdCreate}, func(tr *Transaction, msg *Message) error {
			seen = append(seen, msg)
			return nil
		}, nil)
		require.NoError(t, err)
		sent(t, c)
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 2 | CmdCreate | CmdReply, MsgID: st.MsgID}))
		require.NoError(t, c.processRx(&Message{Cmd: ProtoAPP | 2 | CmdAbort | CmdReply, MsgID: st.MsgID}))
		require.Len(t, seen, 2)
		cv.So(seen[1].Cmd.Has(CmdAbort|CmdReply), cv.ShouldBeTrue)
		cv.So(st.Open(), cv.ShouldBeTrue)

		cv.So(c.Stats().Discarded, cv.ShouldEqual, 0)
		cv.So(len(got), cv.ShouldEqual, 2)
	})
}
