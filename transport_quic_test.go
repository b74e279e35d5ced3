package kdmsg

import (
	"context"
	"errors"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/stretchr/testify/require"
)

func Test056_ping_over_quic_loopback(t *testing.T) {

	cv.Convey("a verified QUIC link answers pings, and the client's Close is a lost link for the server", t, func() {
		srvTLS, cliTLS, err := SelfSignedTLS("127.0.0.1")
		require.NoError(t, err)
		ln, err := ListenQUIC("127.0.0.1:0", srvTLS)
		require.NoError(t, err)
		defer ln.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		accepted := make(chan Transport, 1)
		go func() {
			tr, err := ln.Accept(ctx)
			if err != nil {
				close(accepted)
				return
			}
			accepted <- tr
		}()

		ct, err := DialQUIC(ctx, ln.Addr(), cliTLS)
		require.NoError(t, err)
		cli, err := NewConn(ct, nil, nil)
		require.NoError(t, err)
		cli.Start()

		done := make(chan uint32, 1)
		_, err = cli.Open(&Message{Cmd: LnkPing | CmdCreate | CmdDelete, Aux: []byte("over quic")},
			func(tr *Transaction, msg *Message) error {
				if msg.Cmd&CmdDelete != 0 {
					done <- msg.Error
				}
				return nil
			}, nil)
		require.NoError(t, err)

		// the server only sees the stream once the ping is written.
		st, ok := <-accepted
		require.True(t, ok, "accept failed")
		scfg := NewConfig()
		scfg.Auto = AutoConn
		srv, err := NewConn(st, scfg, nil)
		require.NoError(t, err)
		srv.Start()

		select {
		case code := <-done:
			cv.So(code, cv.ShouldEqual, 0)
		case <-time.After(5 * time.Second):
			t.Fatal("no ping reply over quic")
		}

		require.NoError(t, cli.Close())
		waitDone(t, srv)
		cv.So(errors.Is(cli.Err(), ErrShutdown), cv.ShouldBeTrue)
		cv.So(errors.Is(srv.Err(), ErrLostLink), cv.ShouldBeTrue)
		cv.So(srv.Stats().Fatal, cv.ShouldEqual, 0)
	})
}
