package kdmsg

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "kdmsg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func Test001_config_load_and_validate(t *testing.T) {

	cv.Convey("LoadConfig reads YAML over the defaults and resolves the typed fields", t, func() {
		path := writeConfig(t, `
name: edge-7
addr: 10.0.0.7:7420
quic: true
aux_compression: zstd
auto: [conn, circ]
connect_timeout: 3s
log_level: debug
trace: true
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		cv.So(cfg.Name, cv.ShouldEqual, "edge-7")
		cv.So(cfg.Addr, cv.ShouldEqual, "10.0.0.7:7420")
		cv.So(cfg.UseQUIC, cv.ShouldBeTrue)
		cv.So(cfg.compress, cv.ShouldEqual, CompZstd)
		cv.So(cfg.Auto, cv.ShouldEqual, AutoConn|AutoCirc)
		cv.So(cfg.Auto.String(), cv.ShouldEqual, "conn,circ")
		cv.So(cfg.ConnectTimeout, cv.ShouldEqual, 3*time.Second)
		cv.So(cfg.Trace, cv.ShouldBeTrue)

		// untouched settings keep their defaults.
		cv.So(cfg.MaxHeader, cv.ShouldEqual, DefaultLimits.MaxHeader)
		cv.So(cfg.MaxAux, cv.ShouldEqual, DefaultLimits.MaxAux)
		cv.So(cfg.TraceBytes, cv.ShouldEqual, 64<<10)
	})

	cv.Convey("bad settings are refused with a message naming them", t, func() {
		for body, want := range map[string]string{
			"aux_compression: gzip":  "gzip",
			"max_header: 100":        "max_header",
			"max_header: 65536":      "max_header",
			"max_aux: -1":            "max_aux",
			"auto: [conn, teleport]": "teleport",
			"log_level: loud":        "log_level",
			"addr: [not, a, string]": "parsing config",
		} {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err, body)
			require.Contains(t, err.Error(), want, body)
		}
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		cv.So(err, cv.ShouldNotBeNil)
	})

	cv.Convey("NewConn refuses an invalid Config and does not change the caller's", t, func() {
		cfg := NewConfig()
		cfg.MaxHeader = 65
		a, _ := PipeTransports()
		_, err := NewConn(a, cfg, nil)
		cv.So(err, cv.ShouldNotBeNil)

		cfg = NewConfig()
		cfg.AutoModes = []string{"all"}
		_, err = NewConn(a, cfg, nil)
		require.NoError(t, err)
		cv.So(cfg.Auto, cv.ShouldEqual, AutoFlags(0))
	})
}

func Test002_auto_flags_and_logger(t *testing.T) {

	cv.Convey("ParseAutoFlags accepts names in any case and 'all'", t, func() {
		a, err := ParseAutoFlags([]string{" Span", "FORGE"})
		require.NoError(t, err)
		cv.So(a, cv.ShouldEqual, AutoSpan|AutoForge)

		a, err = ParseAutoFlags([]string{"all"})
		require.NoError(t, err)
		cv.So(a, cv.ShouldEqual, AutoAny)
		cv.So(a.String(), cv.ShouldEqual, "conn,span,circ,forge")

		_, err = ParseAutoFlags([]string{"conn", ""})
		cv.So(err, cv.ShouldNotBeNil)
	})

	cv.Convey("NewLogger honors level and format", t, func() {
		var buf bytes.Buffer
		cfg := NewConfig()
		cfg.LogJSON = true
		cfg.LogLevel = "warn"
		log := cfg.NewLogger(&buf)
		log.Info().Msg("quiet")
		log.Warn().Str("conn", "kd-x").Msg("loud")
		out := buf.String()
		cv.So(strings.Contains(out, "quiet"), cv.ShouldBeFalse)
		cv.So(strings.Contains(out, `"conn":"kd-x"`), cv.ShouldBeTrue)
		cv.So(strings.Contains(out, `"level":"warn"`), cv.ShouldBeTrue)
	})
}
