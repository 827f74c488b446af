package stomp

import (
	"sync"
	"time"
)

// Listener is the hook surface for protocol lifecycle events. Every
// event is broadcast to all registered listeners in registration
// order; frame N's hooks run before frame N+1's are dispatched.
// Implement the subset you care about by embedding NoopListener.
type Listener interface {
	// OnAdd runs when the listener is registered with a client.
	OnAdd(c *Client)
	// OnConnect runs after the CONNECT frame was handed to the
	// transport; it may block (bounded by connectedTimeout) until the
	// handshake completes.
	OnConnect(c *Client, frame *Frame, connectedTimeout time.Duration) error
	// OnConnected runs when the broker's CONNECTED frame arrived.
	OnConnected(c *Client, frame *Frame) error
	// OnConnectionLost runs once when the transport went away.
	OnConnectionLost(c *Client, reason error)
	// OnDisconnect runs when a graceful disconnect begins; reason is
	// nil for a clean shutdown.
	OnDisconnect(c *Client, reason error, timeout time.Duration) error
	// OnError runs for inbound ERROR frames.
	OnError(c *Client, frame *Frame) error
	// OnFrame runs for every inbound frame, heart-beats included
	// (frame is nil for a heart-beat).
	OnFrame(c *Client, frame *Frame) error
	// OnMessage runs for inbound MESSAGE frames; context identifies
	// the subscription the frame belongs to.
	OnMessage(c *Client, frame *Frame, context interface{}) error
	// OnReceipt runs for inbound RECEIPT frames.
	OnReceipt(c *Client, frame *Frame, receipt string) error
	// OnSend runs before a frame is handed to the transport; it may
	// block, e.g. until a requested receipt arrives.
	OnSend(c *Client, frame *Frame) error
	// OnSubscribe runs when a SUBSCRIBE frame is about to be sent.
	OnSubscribe(c *Client, frame *Frame, context interface{}) error
	// OnUnsubscribe runs when an UNSUBSCRIBE frame is about to be sent.
	OnUnsubscribe(c *Client, frame *Frame, context interface{}) error
}

// NoopListener implements Listener with no-ops for embedding.
type NoopListener struct{}

func (NoopListener) OnAdd(*Client)                                    {}
func (NoopListener) OnConnect(*Client, *Frame, time.Duration) error   { return nil }
func (NoopListener) OnConnected(*Client, *Frame) error                { return nil }
func (NoopListener) OnConnectionLost(*Client, error)                  {}
func (NoopListener) OnDisconnect(*Client, error, time.Duration) error { return nil }
func (NoopListener) OnError(*Client, *Frame) error                    { return nil }
func (NoopListener) OnFrame(*Client, *Frame) error                    { return nil }
func (NoopListener) OnMessage(*Client, *Frame, interface{}) error     { return nil }
func (NoopListener) OnReceipt(*Client, *Frame, string) error          { return nil }
func (NoopListener) OnSend(*Client, *Frame) error                     { return nil }
func (NoopListener) OnSubscribe(*Client, *Frame, interface{}) error   { return nil }
func (NoopListener) OnUnsubscribe(*Client, *Frame, interface{}) error { return nil }

// listenerSet is the per-client listener registry. Registration
// order is preserved for dispatch; removal is idempotent.
type listenerSet struct {
	mu        sync.Mutex
	listeners []Listener
}

func (ls *listenerSet) add(l Listener) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, existing := range ls.listeners {
		if existing == l {
			return false
		}
	}
	ls.listeners = append(ls.listeners, l)
	return true
}

func (ls *listenerSet) remove(l Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, existing := range ls.listeners {
		if existing == l {
			ls.listeners = append(ls.listeners[:i], ls.listeners[i+1:]...)
			return
		}
	}
}

func (ls *listenerSet) snapshot() []Listener {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return append([]Listener(nil), ls.listeners...)
}
