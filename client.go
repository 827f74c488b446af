package stomp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ConnectOptions customizes the CONNECT handshake. A nil value uses
// the Config's credentials, versions and virtual host.
type ConnectOptions struct {
	Headers  Headers
	Versions []string
	Host     string
}

// Client is a STOMP client connection. It owns the session state,
// the active transport and the listener registry; all protocol
// commands are issued through it.
type Client struct {
	config  *Config
	options clientOptions

	session   *session
	failover  *failover
	listeners *listenerSet

	connecting    atomic.Bool
	disconnecting atomic.Bool
	handshaken    atomic.Bool

	mu                sync.Mutex
	conn              Connection
	rw                io.ReadWriter
	disconnectArmed   bool
	disconnectWaiters []chan error

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewClient creates a new STOMP client for the brokers named in
// config. The client can be used to perform STOMP operations such as
// connect, send, subscribe or unsubscribe.
func NewClient(config *Config, opt ...ClientOption) *Client {
	opts := defaultClientOptions

	for _, o := range opt {
		o(&opts)
	}

	c := &Client{
		config:    config,
		options:   opts,
		session:   newSession(config.Versions, opts.heartBeatSend, opts.heartBeatRecv),
		failover:  newFailover(config.Brokers, config.Failover),
		listeners: &listenerSet{},
	}
	c.ensureDefaultListeners()
	return c
}

// Add registers a listener; its OnAdd hook runs once on first
// registration.
func (c *Client) Add(l Listener) {
	if c.listeners.add(l) {
		l.OnAdd(c)
	}
}

// Remove deregisters a listener. Removal is idempotent.
func (c *Client) Remove(l Listener) {
	c.listeners.remove(l)
}

// Connected reports whether a transport handle is present and the
// handshake has completed.
func (c *Client) Connected() bool {
	return c.transport() != nil && c.handshaken.Load()
}

// Version returns the negotiated protocol version.
func (c *Client) Version() string { return c.session.Version() }

// SessionID returns the broker-assigned session id.
func (c *Client) SessionID() string { return c.session.ID() }

// Disconnected returns a terminal signal for the current connection.
// It yields exactly once per connection lifetime: nil after a clean
// shutdown, the recorded failure otherwise. Every caller gets its own
// channel, so multiple observers each see the signal. Nil when the
// previous connection already signalled and no new one is armed.
func (c *Client) Disconnected() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnectArmed {
		return nil
	}
	ch := make(chan error, 1)
	c.disconnectWaiters = append(c.disconnectWaiters, ch)
	return ch
}

// Connect establishes a broker connection: it walks the failover
// candidates, performs the CONNECT/CONNECTED handshake bounded by the
// connected timeout and replays any subscriptions retained from a
// previous connection. A concurrent call fails immediately instead of
// interleaving handshakes.
func (c *Client) Connect(ctx context.Context, copts *ConnectOptions) error {
	if !c.connecting.CompareAndSwap(false, true) {
		return fmt.Errorf("connect: %w", ErrAlreadyInProgress)
	}
	defer c.connecting.Store(false)

	if c.transport() != nil {
		return ErrAlreadyConnected
	}

	versions := c.config.Versions
	host := c.config.virtualHost()
	var headers Headers
	if copts != nil {
		headers = copts.Headers
		if len(copts.Versions) > 0 {
			versions = copts.Versions
		}
		if copts.Host != "" {
			host = copts.Host
		}
	}
	frame := c.session.connect(c.config.Login, c.config.Passcode, headers, versions, host)

	c.ensureDefaultListeners()

	conn, rw, err := c.connectTransport(ctx)
	if err != nil {
		log.Errorf("Endpoint connect failed: %v", err)
		return err
	}

	c.setTransport(conn, rw)
	c.wg.Add(1)
	go c.receiver(rw)

	err = c.dispatch(func(l Listener) error {
		return l.OnConnect(c, frame, c.options.connectedTimeout)
	})
	if err != nil {
		log.Errorf("STOMP session connect failed [%v]", err)
		conn.Close()
		c.wg.Wait()
		return err
	}
	c.handshaken.Store(true)
	c.replay()
	return nil
}

// Disconnect shuts the connection down gracefully: listeners get a
// bounded grace period to finish outstanding work, then the transport
// is torn down. The failure, if any, becomes the connection's
// recorded disconnect reason (the first one wins) and is returned
// once the teardown completed. A concurrent call fails immediately.
func (c *Client) Disconnect(failure error) error {
	if !c.disconnecting.CompareAndSwap(false, true) {
		return fmt.Errorf("disconnect: %w", ErrAlreadyInProgress)
	}
	defer c.disconnecting.Store(false)

	conn := c.transport()
	if conn == nil {
		return ErrNotConnected
	}

	done := c.Disconnected()

	for _, l := range c.listeners.snapshot() {
		if err := l.OnDisconnect(c, failure, c.options.disconnectTimeout); err != nil {
			log.Warnf("Disconnect listener failed: %v", err)
		}
	}

	if err := c.SendFrame(c.session.disconnect("")); err != nil {
		log.Warnf("Sending DISCONNECT frame failed: %v", err)
	}
	conn.Close()

	var reason error
	if done != nil {
		reason = <-done
	}
	c.clearTransport()
	return reason
}

// Send issues a SEND frame. receipt, when non-empty, asks the broker
// for a confirmation (see ReceiptListener).
func (c *Client) Send(destination string, body []byte, headers Headers, receipt string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.SendFrame(c.session.send(destination, body, headers, receipt))
}

// Ack acknowledges a received MESSAGE frame.
func (c *Client) Ack(frame *Frame) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	ack, err := c.session.ack(frame)
	if err != nil {
		return err
	}
	return c.SendFrame(ack)
}

// Nack rejects a received MESSAGE frame (versions 1.1 and up).
func (c *Client) Nack(frame *Frame) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	nack, err := c.session.nack(frame)
	if err != nil {
		return err
	}
	return c.SendFrame(nack)
}

// Begin opens a transaction and returns its token.
func (c *Client) Begin() (string, error) {
	if !c.Connected() {
		return "", ErrNotConnected
	}
	frame, token := c.session.begin()
	if err := c.SendFrame(frame); err != nil {
		return "", err
	}
	return token, nil
}

// Commit commits the transaction identified by token.
func (c *Client) Commit(token string) error {
	return c.endTransaction(c.session.commit, token)
}

// Abort rolls back the transaction identified by token.
func (c *Client) Abort(token string) error {
	return c.endTransaction(c.session.abort, token)
}

func (c *Client) endTransaction(build func(string) (*Frame, error), token string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	frame, err := build(token)
	if err != nil {
		return err
	}
	return c.SendFrame(frame)
}

// Subscribe registers handler for messages from destination and
// sends the SUBSCRIBE frame. The returned token identifies the
// subscription until it is unsubscribed; it is never reused while the
// session is alive. receipt, when non-empty, asks the broker for a
// confirmation.
func (c *Client) Subscribe(destination string, handler MessageHandler, headers Headers, receipt string, opts ...SubscriptionOption) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("cannot subscribe to %q: %w", destination, ErrInvalidHandler)
	}
	if !c.Connected() {
		return "", ErrNotConnected
	}
	return c.subscribeListener(destination, headers, receipt, NewSubscriptionListener(handler, opts...))
}

func (c *Client) subscribeListener(destination string, headers Headers, receipt string, listener *SubscriptionListener) (string, error) {
	frame, token, err := c.session.subscribe(destination, headers, listener)
	if err != nil {
		return "", err
	}
	if receipt != "" {
		frame.Headers.Set(HdrReceipt, receipt)
	}
	c.Add(listener)
	err = c.dispatch(func(l Listener) error { return l.OnSubscribe(c, frame, listener) })
	if err == nil {
		err = c.SendFrame(frame)
	}
	if err != nil {
		c.session.unsubscribe(token, "")
		c.Remove(listener)
		return "", err
	}
	return token, nil
}

// Unsubscribe removes the subscription identified by token, after
// outstanding message handlers for it finished.
func (c *Client) Unsubscribe(token string, receipt string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	frame, subContext, err := c.session.unsubscribe(token, receipt)
	if err != nil {
		log.Warnf("Cannot unsubscribe (subscription id unknown): %s", token)
		return err
	}
	err = c.dispatch(func(l Listener) error { return l.OnUnsubscribe(c, frame, subContext) })
	if err != nil {
		return err
	}
	return c.SendFrame(frame)
}

// SendFrame hands a frame to the transport as-is, then runs the
// OnSend hooks (which may block, e.g. on a requested receipt).
func (c *Client) SendFrame(frame *Frame) error {
	c.mu.Lock()
	rw := c.rw
	c.mu.Unlock()
	if rw == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	err := writeFrame(rw, frame)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatch(func(l Listener) error { return l.OnSend(c, frame) })
}

//
// inbound frame routing
//

func (c *Client) receiver(rw io.ReadWriter) {
	defer c.wg.Done()
	reader := newFrameReader(rw)
	for {
		frame, err := reader.readFrame()
		if err != nil {
			c.connectionLost(connectionError("connection lost [%v]", err))
			return
		}
		if err := c.dispatch(func(l Listener) error { return l.OnFrame(c, frame) }); err != nil {
			log.Errorf("Frame listener failed: %v", err)
		}
		if frame == nil {
			continue // heart-beat
		}
		if err := c.route(frame); err != nil {
			log.Errorf("Cannot handle %s: %v", frame.Info(), err)
			c.escalate(err)
		}
	}
}

// escalate turns a fatal routing failure into a full disconnect. Ran
// asynchronously: the receiver keeps draining frames until the
// transport is torn down, preserving arrival-order dispatch.
func (c *Client) escalate(reason error) {
	if !c.handshaken.Load() {
		// handshake still pending: closing the transport rejects the
		// connect wait through the connection-lost path
		if conn := c.transport(); conn != nil {
			conn.Close()
		}
		return
	}
	go func() {
		if err := c.Disconnect(reason); err != nil {
			log.Debugf("Disconnect after routing failure: %v", err)
		}
	}()
}

// route maps an inbound frame to its handler; an unrecognized command
// is fatal for the connection.
func (c *Client) route(frame *Frame) error {
	switch frame.Command {
	case CmdConnected:
		if err := c.session.connected(frame); err != nil {
			return err
		}
		log.Debugf("Connected to stomp broker with session: %s", c.session.ID())
		return c.dispatch(func(l Listener) error { return l.OnConnected(c, frame) })
	case CmdMessage:
		return c.routeMessage(frame)
	case CmdReceipt:
		receipt, err := c.session.receipt(frame)
		if err != nil {
			return err
		}
		return c.dispatch(func(l Listener) error { return l.OnReceipt(c, frame, receipt) })
	case CmdError:
		if err := c.dispatch(func(l Listener) error { return l.OnError(c, frame) }); err != nil {
			log.Errorf("Error listener failed: %v", err)
		}
		return nil
	default:
		return protocolError("unknown STOMP command: %q", frame.Command)
	}
}

// routeMessage resolves the subscription and broadcasts the frame. An
// unknown subscription token is logged and the frame dropped; message
// listener failures are recovered locally.
func (c *Client) routeMessage(frame *Frame) error {
	_, sub, err := c.session.message(frame)
	if err != nil {
		log.Warnf("[%s] No handler found: ignoring %s",
			frame.Headers.GetDefault(HdrMessageID, "?"), frame.Info())
		return nil
	}
	err = c.dispatch(func(l Listener) error { return l.OnMessage(c, frame, sub.context) })
	if err != nil {
		log.Errorf("Message listener failed: %v", err)
	}
	return nil
}

// connectionLost runs once per connection when the transport went
// away: it drops the handle and broadcasts OnConnectionLost.
func (c *Client) connectionLost(reason error) {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.rw = nil, nil
	c.mu.Unlock()
	c.handshaken.Store(false)
	if conn != nil {
		conn.Close()
	}
	for _, l := range c.listeners.snapshot() {
		l.OnConnectionLost(c, reason)
	}
}

//
// transport plumbing
//

// connectTransport drives the failover sequence until a transport
// connects; per-candidate failures are logged and the next candidate
// tried after its delay.
func (c *Client) connectTransport(ctx context.Context) (Connection, io.ReadWriter, error) {
	next := c.failover.sequence()
	var lastErr error
	for {
		broker, delay, ok := next()
		if !ok {
			if lastErr == nil {
				return nil, nil, connectionError("no broker candidates to connect to")
			}
			return nil, nil, connectionError("giving up connecting [%v]", lastErr)
		}
		if delay > 0 {
			log.Debugf("Delaying connect attempt for %v", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		conn := c.options.transportFactory(broker)
		log.Debugf("Connecting to %s ...", conn.BrokerURL())
		dialCtx, cancel := context.WithTimeout(ctx, c.options.connectTimeout)
		rw, err := conn.Connect(dialCtx)
		cancel()
		if err != nil {
			log.Warnf("Could not connect to %s [%v]", conn.BrokerURL(), err)
			lastErr = err
			continue
		}
		return conn, rw, nil
	}
}

func (c *Client) transport() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setTransport(conn Connection, rw io.ReadWriter) {
	c.mu.Lock()
	c.conn, c.rw = conn, rw
	c.mu.Unlock()
}

func (c *Client) clearTransport() {
	c.mu.Lock()
	c.conn, c.rw = nil, nil
	c.mu.Unlock()
	c.handshaken.Store(false)
}

//
// listener plumbing
//

// dispatch broadcasts one event to every listener in registration
// order, stopping at the first error.
func (c *Client) dispatch(fn func(Listener) error) error {
	for _, l := range c.listeners.snapshot() {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

// ensureDefaultListeners re-registers the standard listeners that
// deregistered themselves when the previous connection went away. The
// connect listener is always replaced so its completion gate is fresh.
func (c *Client) ensureDefaultListeners() {
	var hasError, hasDisconnect, hasHeartBeat, hasReceipt bool
	for _, l := range c.listeners.snapshot() {
		switch l.(type) {
		case *ErrorListener:
			hasError = true
		case *DisconnectListener:
			hasDisconnect = true
		case *HeartBeatListener:
			hasHeartBeat = true
		case *ReceiptListener:
			hasReceipt = true
		case *ConnectListener:
			c.listeners.remove(l)
		}
	}
	if !hasError {
		c.Add(NewErrorListener())
	}
	if !hasDisconnect {
		c.Add(NewDisconnectListener())
	}
	if !hasHeartBeat {
		c.Add(NewHeartBeatListener(c.options.heartBeatThresholds))
	}
	if c.options.useReceipts && !hasReceipt {
		c.Add(NewReceiptListener(c.options.receiptTimeout))
	}
	c.Add(NewConnectListener())
}

// armDisconnected installs a fresh terminal signal; runs when a
// DisconnectListener registers.
func (c *Client) armDisconnected() {
	c.mu.Lock()
	c.disconnectArmed = true
	c.disconnectWaiters = nil
	c.mu.Unlock()
}

// signalDisconnected resolves the terminal signal exactly once,
// delivering the reason to every waiter.
func (c *Client) signalDisconnected(reason error) {
	c.mu.Lock()
	waiters := c.disconnectWaiters
	c.disconnectWaiters = nil
	c.disconnectArmed = false
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- reason
		close(ch)
	}
}

// replay reissues the subscriptions retained across the reconnect.
func (c *Client) replay() {
	for _, entry := range c.session.replay() {
		log.Debugf("Replaying subscription: %v", entry.headers)
		listener, ok := entry.context.(*SubscriptionListener)
		if !ok {
			continue
		}
		if _, err := c.subscribeListener(entry.destination, entry.headers, "", listener); err != nil {
			log.Errorf("Replaying subscription to %s failed: %v", entry.destination, err)
		}
	}
}
