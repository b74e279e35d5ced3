package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/glycerine/kdmsg"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept links and negotiate connections, spans and circuits",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		accept, closeLn, err := listen()
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			closeLn()
		}()
		cfg.Logger.Info().Str("addr", cfg.Addr).Bool("quic", cfg.UseQUIC).Msg("serving")

		lim := newLinkLimiter(maxLinks)
		for {
			if !lim.acquire(ctx) {
				return nil
			}
			t, err := accept(ctx)
			if err != nil {
				lim.release()
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			go func() {
				defer lim.release()
				serveLink(ctx, t)
			}()
		}
	},
}

var maxLinks int

func init() {
	serveCmd.Flags().IntVar(&maxLinks, "max-links", 256, "most links served at once; 0 means no limit")
}

func listen() (accept func(context.Context) (kdmsg.Transport, error), closeLn func() error, err error) {
	if cfg.UseQUIC {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return nil, nil, err
		}
		srv, _, err := kdmsg.SelfSignedTLS(host)
		if err != nil {
			return nil, nil, err
		}
		ln, err := kdmsg.ListenQUIC(cfg.Addr, srv)
		if err != nil {
			return nil, nil, err
		}
		return ln.Accept, ln.Close, nil
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	accept = func(ctx context.Context) (kdmsg.Transport, error) {
		nc, err := ln.Accept()
		if err != nil {
			return nil, err
		}
		return kdmsg.NewNetTransport(nc), nil
	}
	return accept, ln.Close, nil
}

func serveLink(ctx context.Context, t kdmsg.Transport) {
	lc := cfg.Clone()
	lc.Auto = kdmsg.AutoAny
	lc.OnAuto = func(ev kdmsg.AutoEvent, msg *kdmsg.Message) {
		le := lc.Logger.Info().Stringer("event", ev)
		if circ := circOf(msg); circ != nil {
			le = le.Uint64("circuit", circ.ID).Str("target", circ.Target).Int32("weight", circ.Weight)
		}
		if st := msg.State(); st != nil {
			if span, ok := st.Any.(*kdmsg.SpanInfo); ok {
				le = le.Str("target", span.Target).Int32("distance", span.Distance)
			}
		}
		le.Msg("auto")
	}
	conn, err := kdmsg.NewConn(t, lc, echo)
	if err != nil {
		lc.Logger.Error().Err(err).Msg("new conn")
		t.Shutdown()
		return
	}
	conn.Start()
	if _, err := conn.Connect(&kdmsg.ConnInfo{PeerID: uint64(conn.Salt()), Label: label()}); err != nil {
		lc.Logger.Warn().Err(err).Msg("LNK_CONN")
	}
	select {
	case <-conn.Done():
	case <-ctx.Done():
		conn.Close()
	}
	if err := conn.Err(); err != nil && !errors.Is(err, kdmsg.ErrShutdown) && !errors.Is(err, kdmsg.ErrLostLink) {
		lc.Logger.Warn().Err(err).Msg("link ended")
	}
	if by, err := conn.Stats().JSON(); err == nil {
		lc.Logger.Debug().RawJSON("stats", by).Msg("final stats")
	}
}

// circOf finds the circuit behind a circuit event; its id
// is the msgid of the LNK_CIRC transaction.
func circOf(msg *kdmsg.Message) *kdmsg.Circuit {
	st := msg.State()
	if st == nil || st.Cmd() != kdmsg.LnkCirc {
		return nil
	}
	return msg.Conn().LookupCircuit(st.MsgID)
}

// echo answers application transactions with their own aux.
func echo(msg *kdmsg.Message) error {
	st := msg.State()
	if st == nil || msg.Cmd&kdmsg.CmdReply != 0 {
		return nil
	}
	if msg.Cmd&kdmsg.CmdCreate != 0 {
		return st.Write(&kdmsg.Message{
			Cmd:      msg.Cmd.Base() | kdmsg.CmdCreate | kdmsg.CmdDelete,
			AuxDescr: msg.AuxDescr,
			Aux:      msg.Aux,
		})
	}
	if msg.Cmd&kdmsg.CmdDelete != 0 {
		st.Reply(0)
	}
	return nil
}
