package main

import (
	"context"
	"fmt"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/kdmsg"
	"github.com/glycerine/loquet"
	gjson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var pingCount int
var pingTimeout time.Duration

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 10, "number of pings")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "give up on a ping after this long")
}

type pingReport struct {
	Sent     int          `json:"sent"`
	Received int          `json:"received"`
	Failed   int          `json:"failed"`
	P50      float64      `json:"rtt_p50_usec"`
	P90      float64      `json:"rtt_p90_usec"`
	P99      float64      `json:"rtt_p99_usec"`
	Stats    *kdmsg.Stats `json:"stats"`
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Open a link and time LNK_PING round trips",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := dial(context.Background())
		if err != nil {
			return err
		}
		pc := cfg.Clone()
		pc.Auto = kdmsg.AutoConn
		conn, err := kdmsg.NewConn(t, pc, nil)
		if err != nil {
			t.Shutdown()
			return err
		}
		conn.Start()
		defer conn.Close()

		if _, err := conn.Connect(&kdmsg.ConnInfo{PeerID: uint64(conn.Salt()), Label: label()}); err != nil {
			return err
		}

		td, err := tdigest.New(tdigest.Compression(100))
		if err != nil {
			return err
		}
		rep := &pingReport{}
		for i := 0; i < pingCount; i++ {
			rep.Sent++
			rtt, reply, err := pingOnce(conn, pingTimeout)
			if err != nil {
				return fmt.Errorf("ping %v: %w", i, err)
			}
			rep.Received++
			if reply.Error != 0 {
				rep.Failed++
				continue
			}
			td.Add(float64(rtt) / float64(time.Microsecond))
		}
		if td.Count() > 0 {
			rep.P50 = td.Quantile(0.5)
			rep.P90 = td.Quantile(0.9)
			rep.P99 = td.Quantile(0.99)
		}
		rep.Stats = conn.Stats()

		out := cmd.OutOrStdout()
		if jsonOut {
			by, err := gjson.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\n", by)
			return nil
		}
		fmt.Fprintf(out, "%v pings to %v: %v answered, %v failed; rtt p50 %.0fus p90 %.0fus p99 %.0fus\n",
			rep.Sent, cfg.Addr, rep.Received, rep.Failed, rep.P50, rep.P90, rep.P99)
		return nil
	},
}

// pingOnce opens one LNK_PING transaction and waits for the
// peer's DELETE. The reply carries the peer's error code.
func pingOnce(conn *kdmsg.Conn, timeout time.Duration) (rtt time.Duration, reply *kdmsg.Message, err error) {
	got := &kdmsg.Message{}
	done := loquet.NewChan(got)
	var took time.Duration
	t0 := time.Now()
	_, err = conn.Open(&kdmsg.Message{Cmd: kdmsg.LnkPing | kdmsg.CmdCreate | kdmsg.CmdDelete},
		func(st *kdmsg.Transaction, msg *kdmsg.Message) error {
			if msg.Cmd&kdmsg.CmdDelete != 0 {
				took = time.Since(t0)
				got.Cmd = msg.Cmd
				got.MsgID = msg.MsgID
				got.Error = msg.Error
				done.Close()
			}
			return nil
		}, nil)
	if err != nil {
		return 0, nil, err
	}
	if !waitOrTimeout(done.WhenClosed(), timeout) {
		return 0, nil, fmt.Errorf("no answer within %v", timeout)
	}
	return took, got, nil
}
