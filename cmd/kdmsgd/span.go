package main

import (
	"context"
	"fmt"
	"time"

	"github.com/glycerine/kdmsg"
	gjson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var spanTarget string
var spanDistance int32
var spanWait time.Duration

func init() {
	f := spanCmd.Flags()
	f.StringVarP(&spanTarget, "target", "t", "", "name to advertise (default: our label)")
	f.Int32VarP(&spanDistance, "distance", "d", 1, "advertised distance to the target")
	f.DurationVar(&spanWait, "wait", 10*time.Second, "how long to wait for the forged circuit")
}

var spanCmd = &cobra.Command{
	Use:   "span",
	Short: "Advertise a span and wait for the circuit the server forges back",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := dial(context.Background())
		if err != nil {
			return err
		}
		got := make(chan *kdmsg.Circuit, 1)
		sc := cfg.Clone()
		sc.Auto = kdmsg.AutoConn | kdmsg.AutoCirc
		sc.OnAuto = func(ev kdmsg.AutoEvent, msg *kdmsg.Message) {
			if ev != kdmsg.CircuitEstablished {
				return
			}
			if circ := msg.Conn().LookupCircuit(msg.MsgID); circ != nil {
				select {
				case got <- circ:
				default:
				}
			}
		}
		conn, err := kdmsg.NewConn(t, sc, nil)
		if err != nil {
			t.Shutdown()
			return err
		}
		conn.Start()
		defer conn.Close()

		if _, err := conn.Connect(&kdmsg.ConnInfo{PeerID: uint64(conn.Salt()), Label: label()}); err != nil {
			return err
		}
		target := spanTarget
		if target == "" {
			target = label()
		}
		if _, err := conn.AdvertiseSpan(&kdmsg.SpanInfo{Target: target, Distance: spanDistance}); err != nil {
			return err
		}

		select {
		case circ := <-got:
			if jsonOut {
				by, err := circJSON(circ)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", by)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "circuit %x established toward '%v' with weight %v\n",
				circ.ID, circ.Target, circ.Weight)
			return nil
		case <-conn.Done():
			return fmt.Errorf("link went down: %v", conn.Err())
		case <-time.After(spanWait):
			return fmt.Errorf("no circuit within %v", spanWait)
		}
	},
}

func circJSON(circ *kdmsg.Circuit) ([]byte, error) {
	return gjson.MarshalIndent(struct {
		ID     uint64 `json:"id"`
		Target string `json:"target"`
		Weight int32  `json:"weight"`
		Forged bool   `json:"forged"`
	}{circ.ID, circ.Target, circ.Weight, circ.Forged}, "", "  ")
}
