package kdmsg

import (
	"context"
	"crypto/ed25519"
	cryrand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICProto is the ALPN name both ends must agree on.
const QUICProto = "kdmsg"

// quicTransport carries the link on a single bidirectional
// QUIC stream.
type quicTransport struct {
	quic.Stream
	conn quic.Connection
}

// NewQUICTransport adapts one stream of conn. Closing the
// Transport closes conn too.
func NewQUICTransport(conn quic.Connection, stream quic.Stream) Transport {
	return &quicTransport{Stream: stream, conn: conn}
}

func (t *quicTransport) Shutdown() error {
	t.Stream.CancelRead(0)
	t.Stream.Close()
	return t.conn.CloseWithError(0, "kdmsg shutdown")
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:   5 * time.Second,
		MaxIdleTimeout:    30 * time.Second,
		InitialPacketSize: 1200,
	}
}

// DialQUIC connects to addr and opens the link stream.
// The peer does not see the stream until we first write to
// it, which Connect or any Write does.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Transport, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial '%v': %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return NewQUICTransport(conn, stream), nil
}

// QUICListener hands out one Transport per accepted
// connection.
type QUICListener struct {
	ln *quic.Listener
}

func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen '%v': %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

func (l *QUICListener) Addr() string { return l.ln.Addr().String() }

func (l *QUICListener) Close() error { return l.ln.Close() }

// Accept waits for a connection and its first stream.
func (l *QUICListener) Accept(ctx context.Context) (Transport, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return NewQUICTransport(conn, stream), nil
}

// SelfSignedTLS makes an in-memory ed25519 certificate for
// host, good enough for a lab mesh. Clients of such a
// server need InsecureSkipVerify or the returned pool.
func SelfSignedTLS(host string) (srv, cli *tls.Config, err error) {
	if host == "" {
		host = "localhost"
	}
	pub, priv, err := ed25519.GenerateKey(cryrand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(cryptoRandPositiveInt64()),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}
	der, err := x509.CreateCertificate(cryrand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	srv = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}},
		NextProtos:   []string{QUICProto},
		MinVersion:   tls.VersionTLS13,
	}
	cli = &tls.Config{
		RootCAs:    pool,
		ServerName: host,
		NextProtos: []string{QUICProto},
		MinVersion: tls.VersionTLS13,
	}
	return srv, cli, nil
}
