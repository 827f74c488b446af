package stomp

import (
	"context"
	"io"
)

// Connection represents the transport the STOMP client talks over.
// The implementation is responsible for initializing the byte stream
// (tcp, ws etc...) towards one broker candidate. TCPConn and
// WebsocketConn are provided as part of the library, other transports
// can be written by the implementations.
type Connection interface {
	BrokerURL() string
	// Connect is called when the client needs an io read writer for a
	// connect attempt; the context carries the per-attempt timeout.
	Connect(ctx context.Context) (io.ReadWriter, error)
	// Close closes the network connection.
	Close()
}

// newBrokerConn maps a broker candidate to the transport its scheme
// asks for.
func newBrokerConn(broker Broker) Connection {
	switch broker.Scheme {
	case "ws", "wss":
		return &WebsocketConn{Host: broker.String()}
	default:
		return &TCPConn{Host: broker.Address(), UseTLS: broker.Scheme == "ssl"}
	}
}
