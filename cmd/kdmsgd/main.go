package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/glycerine/ipaddr"
	"github.com/glycerine/kdmsg"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	addr     string
	useQUIC  bool
	jsonOut  bool
	selfName bool
	logLevel string

	cfg *kdmsg.Config
)

var rootCmd = &cobra.Command{
	Use:   "kdmsgd",
	Short: "kdmsg link daemon and probes",
	Long: `kdmsgd runs the kdmsg protocol over TCP or QUIC. The serve
command accepts links and handles connection, span and circuit
negotiation automatically; ping and span are small clients for
exercising a server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		if cfgFile != "" {
			cfg, err = kdmsg.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
		} else {
			cfg = kdmsg.NewConfig()
		}
		if cmd.Flags().Changed("addr") || cfg.Addr == "" {
			cfg.Addr = addr
		}
		if useQUIC {
			cfg.UseQUIC = true
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if selfName && cfg.Label == "" {
			cfg.Label = ipaddr.GetExternalIP()
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		cfg.Logger = cfg.NewLogger(os.Stderr)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	pf.StringVarP(&addr, "addr", "a", "127.0.0.1:7420", "address to listen on or dial")
	pf.BoolVarP(&useQUIC, "quic", "q", false, "use a QUIC stream instead of TCP")
	pf.BoolVar(&jsonOut, "json", false, "print results as JSON")
	pf.BoolVar(&selfName, "self", false, "advertise our external IP as the link label")
	pf.StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")

	rootCmd.AddCommand(serveCmd, pingCmd, spanCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(cmd.OutOrStdout(), kdmsg.GetCodeVersion("kdmsgd"))
		fmt.Fprintln(cmd.OutOrStdout(), kdmsg.BuildInfo())
		return nil
	},
}

// dial connects to cfg.Addr over TCP or QUIC.
func dial(ctx context.Context) (kdmsg.Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if cfg.UseQUIC {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return nil, err
		}
		_, cli, err := kdmsg.SelfSignedTLS(host)
		if err != nil {
			return nil, err
		}
		// the server makes its own certificate at startup.
		cli.InsecureSkipVerify = true
		return kdmsg.DialQUIC(ctx, cfg.Addr, cli)
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	return kdmsg.NewNetTransport(nc), nil
}

func label() string {
	if cfg.Label != "" {
		return cfg.Label
	}
	host, _ := os.Hostname()
	return host
}

func waitOrTimeout(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
