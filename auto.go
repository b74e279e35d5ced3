package kdmsg

import "fmt"

// AutoEvent names a link or circuit transition made by the
// auto handlers.
type AutoEvent int

const (
	LinkAcked AutoEvent = iota + 1
	LinkLost
	SpanUp
	SpanDown
	CircuitEstablished
	CircuitLost
)

func (ev AutoEvent) String() string {
	switch ev {
	case LinkAcked:
		return "LinkAcked"
	case LinkLost:
		return "LinkLost"
	case SpanUp:
		return "SpanUp"
	case SpanDown:
		return "SpanDown"
	case CircuitEstablished:
		return "CircuitEstablished"
	case CircuitLost:
		return "CircuitLost"
	}
	return fmt.Sprintf("AutoEvent(%d)", int(ev))
}

// AutoCallback is told about auto transitions. msg is the
// message that caused it; msg.State() and msg.State().Circ()
// or the Circuit from LookupCircuit give the details. It
// runs without the Conn lock.
type AutoCallback func(ev AutoEvent, msg *Message)

func (c *Conn) notify(ev AutoEvent, msg *Message) {
	c.log.Debug().Stringer("event", ev).Uint64("msgid", msg.MsgID).Bool("synthetic", msg.synthetic).Msg("auto")
	c.tracef("auto %v msgid %x", ev, msg.MsgID)
	if fn := c.cfg.OnAuto; fn != nil {
		fn(ev, msg)
	}
}

// autoKey is the command a message is handled as: the one
// that opened its transaction, else its own.
func autoKey(msg *Message) Cmd {
	if st := msg.state; st != nil {
		return st.icmd
	}
	return msg.Cmd.Base()
}

// autoClaims reports whether the auto handlers take msg.
func (c *Conn) autoClaims(msg *Message) bool {
	a := c.cfg.Auto
	if a&AutoAny == 0 {
		return false
	}
	switch autoKey(msg) {
	case LnkPad, LnkPing:
		return true
	case LnkConn:
		return a&AutoConn != 0
	case LnkSpan:
		return a&(AutoSpan|AutoForge) != 0
	case LnkCirc:
		if msg.Cmd&CmdReply != 0 {
			return a&AutoForge != 0
		}
		return a&AutoCirc != 0
	}
	return false
}

func (c *Conn) autorx(msg *Message) {
	switch autoKey(msg) {
	case LnkPad:
	case LnkPing:
		c.autoPing(msg)
	case LnkConn:
		c.autoConn(msg)
	case LnkSpan:
		c.autoSpan(msg)
	case LnkCirc:
		if msg.Cmd&CmdReply != 0 {
			c.autoForgedCirc(msg)
		} else {
			c.autoRecvCirc(msg)
		}
	}
}

func (c *Conn) autoPing(msg *Message) {
	if st := msg.state; st != nil {
		st.Reply(0)
		return
	}
	if msg.Cmd&CmdReply == 0 {
		c.oneOff(msg, LnkPing, 0)
	}
}

func (c *Conn) autoConn(msg *Message) {
	st := msg.state
	if st == nil {
		return
	}
	rx := msg.Cmd
	if st.inRd {
		// the peer's LNK_CONN: accept it and keep it open.
		if rx&CmdCreate != 0 && rx&CmdDelete == 0 {
			var info ConnInfo
			if err := extInfo(msg, &info); err != nil {
				c.log.Warn().Err(err).Msg("bad LNK_CONN")
				st.Reply(ErrCodeParam)
				return
			}
			if st.Any == nil {
				st.Any = &info
			}
			c.log.Info().Uint64("peer", info.PeerID).Str("label", info.Label).Msg("peer connected")
			st.Result(0)
			c.notify(LinkAcked, msg)
		}
		if rx&CmdDelete != 0 {
			st.Reply(0)
			c.notify(LinkLost, msg)
		}
		return
	}
	// our LNK_CONN
	if rx&CmdCreate != 0 && rx&CmdDelete == 0 && msg.Error == 0 {
		c.notify(LinkAcked, msg)
	}
	if rx&CmdDelete != 0 {
		st.Reply(0)
		c.notify(LinkLost, msg)
	}
}

func (c *Conn) autoSpan(msg *Message) {
	st := msg.state
	if st == nil {
		return
	}
	rx := msg.Cmd
	if !st.inRd {
		// our own span; the peer closing it closes it.
		if rx&CmdDelete != 0 {
			st.Reply(0)
		}
		return
	}
	if rx&CmdCreate != 0 {
		var info SpanInfo
		if err := extInfo(msg, &info); err != nil {
			c.log.Warn().Err(err).Msg("bad LNK_SPAN")
			st.Reply(ErrCodeParam)
			return
		}
		if st.Any == nil {
			st.Any = &info
		}
		c.notify(SpanUp, msg)
		if rx&CmdDelete == 0 && c.cfg.Auto&AutoForge != 0 {
			c.mut.Lock()
			if !st.dead && st.link == nil {
				circ, open := c.forgeCircuit(st, &info)
				if err := c.enqueueLocked(open); err != nil {
					c.log.Debug().Err(err).Uint64("circuit", circ.ID).Msg("forged circuit not opened")
				}
			}
			c.mut.Unlock()
		}
	}
	if rx&CmdDelete != 0 {
		var fcirc *Transaction
		c.mut.Lock()
		if circ := st.link; circ != nil {
			fcirc = c.circSpanClosed(circ)
		}
		c.mut.Unlock()
		if fcirc != nil {
			fcirc.Reply(0)
		}
		st.Reply(0)
		c.notify(SpanDown, msg)
	}
}

// autoForgedCirc handles the peer's answers on a LNK_CIRC
// we opened.
func (c *Conn) autoForgedCirc(msg *Message) {
	st := msg.state
	if st == nil {
		return
	}
	rx := msg.Cmd
	var established, lost bool
	c.mut.Lock()
	if circ := st.link; circ != nil {
		if rx&CmdCreate != 0 && rx&CmdDelete == 0 && msg.Error == 0 {
			established = c.circAcked(circ)
		}
		if rx&CmdDelete != 0 {
			lost = c.circFcircClosed(circ)
			st.link = nil
		}
	}
	c.mut.Unlock()
	if established {
		c.notify(CircuitEstablished, msg)
	}
	if rx&CmdDelete != 0 {
		st.Reply(0)
		if lost {
			c.notify(CircuitLost, msg)
		}
	}
}

// autoRecvCirc handles a LNK_CIRC the peer opened.
func (c *Conn) autoRecvCirc(msg *Message) {
	st := msg.state
	if st == nil {
		return
	}
	rx := msg.Cmd
	if st.inRd && rx&CmdCreate != 0 && rx&CmdDelete == 0 {
		var info CircInfo
		if err := extInfo(msg, &info); err != nil {
			c.log.Warn().Err(err).Msg("bad LNK_CIRC")
			st.Reply(ErrCodeParam)
			return
		}
		c.mut.Lock()
		_, err := c.acceptCircuit(st, &info)
		c.mut.Unlock()
		if err != nil {
			c.log.Warn().Err(err).Msg("refusing circuit")
			st.Reply(ErrCodeCantCirc)
			return
		}
		st.Result(0)
		c.notify(CircuitEstablished, msg)
	}
	if rx&CmdDelete != 0 {
		var lost bool
		c.mut.Lock()
		if circ := st.link; circ != nil {
			c.circRcircClosed(circ)
			lost = true
		}
		c.mut.Unlock()
		st.Reply(0)
		if lost {
			c.notify(CircuitLost, msg)
		}
	}
}
