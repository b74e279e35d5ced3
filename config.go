package kdmsg

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// AutoFlags choose which link-management transactions the
// engine handles on its own.
type AutoFlags uint32

const (
	// AutoConn accepts and closes LNK_CONN.
	AutoConn AutoFlags = 1 << iota

	// AutoSpan tracks LNK_SPAN advertisements from the peer.
	AutoSpan

	// AutoCirc accepts circuits the peer opens with LNK_CIRC.
	AutoCirc

	// AutoForge opens a circuit toward every target the
	// peer advertises, and handles the peer's answers.
	AutoForge

	AutoAny = AutoConn | AutoSpan | AutoCirc | AutoForge
)

var autoNames = []struct {
	name string
	flag AutoFlags
}{
	{"conn", AutoConn},
	{"span", AutoSpan},
	{"circ", AutoCirc},
	{"forge", AutoForge},
}

func (a AutoFlags) String() string {
	var s []string
	for _, an := range autoNames {
		if a&an.flag != 0 {
			s = append(s, an.name)
		}
	}
	return strings.Join(s, ",")
}

// ParseAutoFlags turns names like "conn", "span", "circ",
// "forge" (or "all") into AutoFlags.
func ParseAutoFlags(names []string) (a AutoFlags, err error) {
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "all" {
			a |= AutoAny
			continue
		}
		found := false
		for _, an := range autoNames {
			if an.name == n {
				a |= an.flag
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown auto mode '%v'; valid choices: conn, span, circ, forge, all", n)
		}
	}
	return
}

// Config tunes a Conn. The zero value is not useful; start
// from NewConfig or LoadConfig.
type Config struct {

	// Name labels the connection in logs. Empty means one
	// is derived from the connection salt.
	Name string `yaml:"name"`

	// Addr is where cmd/kdmsgd listens or dials.
	Addr string `yaml:"addr"`

	// UseQUIC carries the link over a QUIC stream instead of TCP.
	UseQUIC bool `yaml:"quic"`

	// Label is advertised in LNK_CONN.
	Label string `yaml:"label"`

	// MaxHeader and MaxAux bound what we accept from the peer;
	// anything bigger is a framing error and ends the link.
	MaxHeader int `yaml:"max_header"`
	MaxAux    int `yaml:"max_aux"`

	// AuxCompression is one of "", "s2", "lz4", "zstd".
	// Aux payloads shorter than CompressMin go out raw.
	AuxCompression string `yaml:"aux_compression"`
	CompressMin    int    `yaml:"compress_min"`

	// AutoModes lists auto modes by name; see ParseAutoFlags.
	// Auto is filled in from it by Validate.
	AutoModes []string  `yaml:"auto"`
	Auto      AutoFlags `yaml:"-"`

	// ConnectTimeout bounds dialing in cmd/kdmsgd.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Trace keeps a ring of the last TraceBytes of protocol
	// activity, readable with Conn.RecentTrace.
	Trace      bool  `yaml:"trace"`
	TraceBytes int64 `yaml:"trace_bytes"`

	// Logger receives structured operational logs. The zero
	// Logger discards everything.
	Logger zerolog.Logger `yaml:"-"`

	// OnAuto is notified of link and circuit transitions
	// made by the auto handlers.
	OnAuto AutoCallback `yaml:"-"`

	compress Compression
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	return &Config{
		MaxHeader:      DefaultLimits.MaxHeader,
		MaxAux:         DefaultLimits.MaxAux,
		CompressMin:    256,
		ConnectTimeout: 10 * time.Second,
		LogLevel:       "info",
		TraceBytes:     64 << 10,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := NewConfig()
	if err := yaml.Unmarshal(by, cfg); err != nil {
		return nil, fmt.Errorf("parsing config '%v': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config '%v': %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings and resolves the string
// forms (compression, auto modes) into their typed values.
func (cfg *Config) Validate() (err error) {
	if cfg.MaxHeader < HdrMin || cfg.MaxHeader > maxSizeField {
		return fmt.Errorf("max_header %v out of range [%v, %v]", cfg.MaxHeader, HdrMin, maxSizeField)
	}
	if cfg.MaxHeader%Align != 0 {
		return fmt.Errorf("max_header %v must be a multiple of %v", cfg.MaxHeader, Align)
	}
	if cfg.MaxAux < 0 {
		return fmt.Errorf("max_aux %v must not be negative", cfg.MaxAux)
	}
	cfg.compress, err = ParseCompression(cfg.AuxCompression)
	if err != nil {
		return err
	}
	if len(cfg.AutoModes) > 0 {
		auto, err := ParseAutoFlags(cfg.AutoModes)
		if err != nil {
			return err
		}
		cfg.Auto |= auto
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Clone returns a copy that can be changed independently.
func (cfg *Config) Clone() *Config {
	clone := *cfg
	clone.AutoModes = append([]string(nil), cfg.AutoModes...)
	return &clone
}

func (cfg *Config) limits() Limits {
	return Limits{MaxHeader: cfg.MaxHeader, MaxAux: cfg.MaxAux}
}

// NewLogger builds a zerolog.Logger writing to w with the
// configured level and format.
func (cfg *Config) NewLogger(w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	if !cfg.LogJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339Nano}
	}
	return zerolog.New(zerolog.SyncWriter(w)).Level(lvl).With().Timestamp().Logger()
}
