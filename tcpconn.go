package stomp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
)

// TCPConn concrete implementation of Connection
// when used the STOMP client uses a plain TCP stream
// (optionally TLS) to connect to the broker
type TCPConn struct {
	conn      net.Conn
	Host      string
	UseTLS    bool
	TLSConfig *tls.Config
}

// BrokerURL the broker URL
func (t *TCPConn) BrokerURL() string {
	return t.Host
}

// Connect connect to the STOMP broker
func (t *TCPConn) Connect(ctx context.Context) (io.ReadWriter, error) {
	if t.UseTLS {
		dialer := tls.Dialer{Config: t.TLSConfig}
		conn, err := dialer.DialContext(ctx, "tcp", t.Host)
		if err != nil {
			return nil, err
		}
		t.conn = conn
		return t.conn, nil
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", t.Host)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return t.conn, nil
}

// Close closes the connection
func (t *TCPConn) Close() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
