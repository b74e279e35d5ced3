package kdmsg

import (
	"io"
	"net"
)

// Transport is the byte stream a Conn runs over. Shutdown
// must make a Read blocked in another goroutine return,
// and is called at most once.
type Transport interface {
	io.Reader
	io.Writer
	Shutdown() error
}

type closeWriter interface {
	CloseWrite() error
}

type netTransport struct {
	net.Conn
}

// NewNetTransport adapts a net.Conn (TCP, unix, net.Pipe).
func NewNetTransport(nc net.Conn) Transport {
	return &netTransport{Conn: nc}
}

// Shutdown half closes first so that the peer sees a clean
// EOF where the connection supports it.
func (t *netTransport) Shutdown() error {
	if cw, ok := t.Conn.(closeWriter); ok {
		cw.CloseWrite()
	}
	return t.Conn.Close()
}

// PipeTransports returns the two ends of an in-memory
// link made with net.Pipe.
func PipeTransports() (a, b Transport) {
	ca, cb := net.Pipe()
	return NewNetTransport(ca), NewNetTransport(cb)
}
