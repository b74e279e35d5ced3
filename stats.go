package kdmsg

import (
	"time"

	tdigest "github.com/caio/go-tdigest"
	gjson "github.com/goccy/go-json"
)

// connStats is guarded by the Conn mutex.
type connStats struct {
	msgsIn, msgsOut   int64
	bytesIn, bytesOut int64
	discarded         int64
	fatal             int64
	lostLink          int64
	opened, closed    int64
	circuitsCreated   int64
	circuitsDestroyed int64
	auxSaved          int64

	td *tdigest.TDigest
}

func newConnStats() *connStats {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &connStats{td: td}
}

func (s *connStats) addLifetime(d time.Duration) {
	// only fails on NaN/Inf
	s.td.Add(float64(d) / float64(time.Microsecond))
}

// Stats is a snapshot of a connection's counters.
// Transaction lifetimes are in microseconds.
type Stats struct {
	MsgsIn            int64   `json:"msgs_in"`
	MsgsOut           int64   `json:"msgs_out"`
	BytesIn           int64   `json:"bytes_in"`
	BytesOut          int64   `json:"bytes_out"`
	Discarded         int64   `json:"discarded"`
	Fatal             int64   `json:"fatal"`
	LostLink          int64   `json:"lost_link"`
	TransOpened       int64   `json:"trans_opened"`
	TransClosed       int64   `json:"trans_closed"`
	TransOpen         int     `json:"trans_open"`
	CircuitsCreated   int64   `json:"circuits_created"`
	CircuitsDestroyed int64   `json:"circuits_destroyed"`
	CircuitsOpen      int     `json:"circuits_open"`
	AuxBytesSaved     int64   `json:"aux_bytes_saved"`
	LifetimeCount     uint64  `json:"lifetime_count"`
	LifetimeP50       float64 `json:"lifetime_p50_usec"`
	LifetimeP90       float64 `json:"lifetime_p90_usec"`
	LifetimeP99       float64 `json:"lifetime_p99_usec"`
	Phase             string  `json:"phase"`
}

// JSON renders the snapshot.
func (s *Stats) JSON() ([]byte, error) {
	return gjson.MarshalIndent(s, "", "  ")
}

// Stats returns a snapshot of c's counters.
func (c *Conn) Stats() (r *Stats) {
	c.mut.Lock()
	defer c.mut.Unlock()
	s := c.stats
	r = &Stats{
		MsgsIn:            s.msgsIn,
		MsgsOut:           s.msgsOut,
		BytesIn:           s.bytesIn,
		BytesOut:          s.bytesOut,
		Discarded:         s.discarded,
		Fatal:             s.fatal,
		LostLink:          s.lostLink,
		TransOpened:       s.opened,
		TransClosed:       s.closed,
		TransOpen:         c.rdTable.Len() + c.wrTable.Len(),
		CircuitsCreated:   s.circuitsCreated,
		CircuitsDestroyed: s.circuitsDestroyed,
		CircuitsOpen:      c.circs.Len(),
		AuxBytesSaved:     s.auxSaved,
		LifetimeCount:     s.td.Count(),
		Phase:             c.Phase().String(),
	}
	if r.LifetimeCount > 0 {
		r.LifetimeP50 = s.td.Quantile(0.5)
		r.LifetimeP90 = s.td.Quantile(0.9)
		r.LifetimeP99 = s.td.Quantile(0.99)
	}
	return
}
