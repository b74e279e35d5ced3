package kdmsg

// Reply closes our side of t with LNK_ERROR|DELETE and the
// given wire code, adding CREATE when our side never
// opened and REPLY when our side is the reply leg. It does
// nothing once our side has sent (or queued) its DELETE, or
// once the link is going down, so it is safe to call more
// than once and from any callback.
func (t *Transaction) Reply(code uint32) {
	c := t.conn
	c.mut.Lock()
	defer c.mut.Unlock()
	c.replyLocked(t, code, true)
}

// Result is Reply without the DELETE: it reports a code
// and leaves our side open.
func (t *Transaction) Result(code uint32) {
	c := t.conn
	c.mut.Lock()
	defer c.mut.Unlock()
	c.replyLocked(t, code, false)
}

// replyLocked decides the reply from what our side has
// sent or queued, never from the message that prompted it.
// Caller holds c.mut.
func (c *Conn) replyLocked(st *Transaction, code uint32, del bool) {
	if c.killed() || st.dead {
		return
	}
	sent := st.txcmd | st.txpend
	if sent&CmdDelete != 0 {
		return
	}
	cmd := LnkError
	if del {
		cmd |= CmdDelete
	}
	if sent&CmdCreate == 0 {
		cmd |= CmdCreate
	}
	if err := st.writeLocked(&Message{Cmd: cmd, Error: code}); err != nil {
		c.log.Debug().Err(err).Uint64("msgid", st.MsgID).Msg("reply not sent")
	}
}

// ReplyTo answers msg: through its Transaction with Reply
// when it has one, otherwise with a one-off LNK_ERROR that
// carries REPLY unless msg itself was a reply.
func (c *Conn) ReplyTo(msg *Message, code uint32) {
	if st := msg.state; st != nil {
		st.Reply(code)
		return
	}
	c.oneOff(msg, LnkError, code)
}

// ResultTo is ReplyTo using Result.
func (c *Conn) ResultTo(msg *Message, code uint32) {
	if st := msg.state; st != nil {
		st.Result(code)
		return
	}
	c.oneOff(msg, LnkError, code)
}

// oneOff sends a single transactionless message back
// toward msg's sender.
func (c *Conn) oneOff(msg *Message, base Cmd, code uint32) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.killed() {
		return
	}
	cmd := base
	if msg.Cmd&CmdReply == 0 {
		cmd |= CmdReply
	}
	out := &Message{
		Cmd:      cmd,
		MsgID:    msg.MsgID,
		Circuit:  msg.Circuit,
		Error:    code,
		AuxDescr: msg.AuxDescr,
	}
	if circ := msg.circ; circ != nil && !circ.gone {
		out.circ = circ
	}
	if err := c.enqueueLocked(out); err != nil {
		c.log.Debug().Err(err).Uint64("msgid", msg.MsgID).Msg("one-off reply not sent")
	}
}
