package stomp

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Broker quirk: ActiveMQ releases before 5.2 answer client-individual
// acknowledgments with an ERROR frame carrying this text.
const legacyAckErrorMarker = "Unexpected ACK received for message-id"

// ConnectListener waits for the broker's CONNECTED frame. The client
// registers a fresh instance for every connect attempt; the listener
// deregisters itself once the handshake concluded either way.
type ConnectListener struct {
	NoopListener
	mu      sync.Mutex
	waiting *waiting
}

func NewConnectListener() *ConnectListener { return &ConnectListener{} }

func (l *ConnectListener) OnAdd(*Client) {
	l.mu.Lock()
	l.waiting = newWaiting()
	l.mu.Unlock()
}

// OnConnect sends the handshake frame once its completion gate is
// armed and suspends until the broker answered, the timeout elapsed
// or the connection went away.
func (l *ConnectListener) OnConnect(c *Client, frame *Frame, connectedTimeout time.Duration) error {
	l.mu.Lock()
	w := l.waiting
	l.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := c.SendFrame(frame); err != nil {
		return err
	}
	_, err := w.wait(connectedTimeout,
		cancelledError("broker did not answer on time [timeout=%v]", connectedTimeout))
	return err
}

func (l *ConnectListener) OnConnected(c *Client, frame *Frame) error {
	c.Remove(l)
	l.mu.Lock()
	w := l.waiting
	l.mu.Unlock()
	if w != nil {
		w.complete(nil, nil)
	}
	return nil
}

func (l *ConnectListener) OnConnectionLost(c *Client, reason error) {
	c.Remove(l)
	l.mu.Lock()
	w := l.waiting
	l.mu.Unlock()
	if w != nil && !w.completed() {
		w.complete(nil, reason)
	}
}

// OnError can only fire before the handshake completed, since the
// listener deregisters on OnConnected.
func (l *ConnectListener) OnError(c *Client, frame *Frame) error {
	l.OnConnectionLost(c, protocolError("while trying to connect, received %s", frame.Info()))
	return nil
}

// ErrorListener escalates post-handshake ERROR frames to a full
// disconnect.
type ErrorListener struct {
	NoopListener
}

func NewErrorListener() *ErrorListener { return &ErrorListener{} }

func (l *ErrorListener) OnError(c *Client, frame *Frame) error {
	if !c.Connected() {
		// the handshake is still pending; ConnectListener owns this one
		return nil
	}
	if msg, _ := frame.Headers.Get(HdrMessage); strings.Contains(msg, legacyAckErrorMarker) {
		log.Debug("Brokers older than ActiveMQ 5.2 do not support client-individual mode.")
		return nil
	}
	go func() {
		if err := c.Disconnect(protocolError("received %s", frame.Info())); err != nil {
			log.Debugf("Disconnect after ERROR frame: %v", err)
		}
	}()
	return nil
}

func (l *ErrorListener) OnConnectionLost(c *Client, reason error) {
	c.Remove(l)
}

// DisconnectListener tracks the graceful-shutdown state: whether a
// disconnect is in progress and the first failure that caused it.
// It resolves the client's terminal disconnected signal exactly once.
type DisconnectListener struct {
	NoopListener
	mu            sync.Mutex
	disconnecting bool
	reason        error
}

func NewDisconnectListener() *DisconnectListener { return &DisconnectListener{} }

func (l *DisconnectListener) OnAdd(c *Client) {
	c.armDisconnected()
}

func (l *DisconnectListener) OnDisconnect(c *Client, reason error, timeout time.Duration) error {
	l.mu.Lock()
	l.recordReason(reason)
	if l.disconnecting {
		l.mu.Unlock()
		return nil
	}
	l.disconnecting = true
	l.mu.Unlock()
	if reason != nil {
		log.Infof("Disconnecting ... [reason=%v]", reason)
	} else {
		log.Info("Disconnecting ...")
	}
	return nil
}

func (l *DisconnectListener) OnConnectionLost(c *Client, reason error) {
	log.Infof("Disconnected: %v", reason)
	l.mu.Lock()
	if !l.disconnecting {
		l.recordReason(connectionError("unexpected connection loss [%v]", reason))
	}
	recorded := l.reason
	l.mu.Unlock()

	c.Remove(l)
	c.session.close(recorded == nil)
	c.signalDisconnected(recorded)
}

// OnMessage only logs: suppression of new handler invocations while
// draining is enforced by the subscription listeners deregistering
// during OnDisconnect.
func (l *DisconnectListener) OnMessage(c *Client, frame *Frame, context interface{}) error {
	l.mu.Lock()
	disconnecting := l.disconnecting
	l.mu.Unlock()
	if disconnecting {
		log.Infof("Ignoring message (disconnecting): %s [%s]",
			frame.Headers.GetDefault(HdrMessageID, "?"), frame.Info())
	}
	return nil
}

// recordReason keeps the first non-nil failure; later ones are
// logged but never override it. Callers hold l.mu.
func (l *DisconnectListener) recordReason(reason error) {
	if reason == nil {
		return
	}
	log.Errorf("Disconnect because of failure: %v", reason)
	if l.reason == nil {
		l.reason = reason
	}
}

// ReceiptListener correlates RECEIPT frames with the frames that
// requested them. Sending a frame with a receipt header suspends the
// sender until the receipt arrived or timeout elapsed; a negative
// timeout waits indefinitely.
type ReceiptListener struct {
	NoopListener
	timeout  time.Duration
	receipts *inFlightOperations[string]
}

func NewReceiptListener(timeout time.Duration) *ReceiptListener {
	return &ReceiptListener{
		timeout:  timeout,
		receipts: newInFlightOperations[string]("waiting for receipt"),
	}
}

func (l *ReceiptListener) OnSend(c *Client, frame *Frame) error {
	if frame == nil {
		return nil
	}
	receipt, ok := frame.Headers.Get(HdrReceipt)
	if !ok {
		return nil
	}
	return l.receipts.do(receipt, func(w *waiting) error {
		_, err := w.wait(l.timeout,
			cancelledError("receipt %s did not arrive on time [timeout=%v]", receipt, l.timeout))
		return err
	})
}

func (l *ReceiptListener) OnReceipt(c *Client, frame *Frame, receipt string) error {
	l.receipts.resolve(receipt, nil)
	return nil
}

func (l *ReceiptListener) OnConnectionLost(c *Client, reason error) {
	for _, w := range l.receipts.values() {
		w.complete(nil, cancelledError("receipt did not arrive (connection lost)"))
	}
}

// MessageHandler consumes one MESSAGE frame. A non-nil error routes
// the frame through the subscription's failure handler.
type MessageHandler func(c *Client, frame *Frame) error

// MessageFailedHandler handles a message whose handler failed. The
// default forwards a persistent copy of the frame to the
// subscription's error destination, if one is configured.
type MessageFailedHandler func(c *Client, failure error, frame *Frame, errorDestination string) error

// SendToErrorDestination is the default MessageFailedHandler.
func SendToErrorDestination(c *Client, failure error, frame *Frame, errorDestination string) error {
	if errorDestination == "" {
		return nil
	}
	clone := CloneFrame(frame, true)
	return c.Send(errorDestination, clone.Body, clone.Headers, "")
}

// SubscriptionOption configures a SubscriptionListener.
type SubscriptionOption func(*SubscriptionListener)

// WithAckManaged controls whether handled messages are acknowledged
// automatically (default true, effective only in client ack modes).
func WithAckManaged(ack bool) SubscriptionOption {
	return func(l *SubscriptionListener) { l.ackManaged = ack }
}

// WithErrorDestination forwards failed messages to the destination.
func WithErrorDestination(destination string) SubscriptionOption {
	return func(l *SubscriptionListener) { l.errorDestination = destination }
}

// WithMessageFailedHandler replaces the default failure handling.
func WithMessageFailedHandler(handler MessageFailedHandler) SubscriptionOption {
	return func(l *SubscriptionListener) { l.onMessageFailed = handler }
}

// SubscriptionListener corresponds to one STOMP subscription. It is
// used as the subscription's routing context, so it only handles
// frames that belong to it.
type SubscriptionListener struct {
	NoopListener
	handler          MessageHandler
	ackManaged       bool
	errorDestination string
	onMessageFailed  MessageFailedHandler

	mu       sync.Mutex
	headers  Headers
	messages *inFlightOperations[string]
}

// NewSubscriptionListener creates a listener invoking handler for
// every message of its subscription.
func NewSubscriptionListener(handler MessageHandler, opts ...SubscriptionOption) *SubscriptionListener {
	l := &SubscriptionListener{
		handler:         handler,
		ackManaged:      true,
		onMessageFailed: SendToErrorDestination,
		messages:        newInFlightOperations[string]("handler for message"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnSubscribe defaults the ack mode and captures the negotiated
// headers exactly once: replay re-subscriptions never overwrite the
// headers captured at first subscribe.
func (l *SubscriptionListener) OnSubscribe(c *Client, frame *Frame, context interface{}) error {
	if sub, ok := context.(*SubscriptionListener); !ok || sub != l {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.headers != nil {
		return nil
	}
	frame.Headers.SetDefault(HdrAck, AckClientIndividual)
	l.headers = frame.Headers.Clone()
	return nil
}

// OnMessage registers the in-flight entry for the message and runs
// the user handler in its own goroutine; inbound dispatch continues
// with the next frame immediately.
func (l *SubscriptionListener) OnMessage(c *Client, frame *Frame, context interface{}) error {
	if sub, ok := context.(*SubscriptionListener); !ok || sub != l {
		return nil
	}
	messageID, ok := frame.Headers.Get(HdrMessageID)
	if !ok {
		return protocolError("MESSAGE frame carries no %s header", HdrMessageID)
	}
	if _, err := l.messages.create(messageID); err != nil {
		return err
	}
	go l.handle(c, frame, messageID)
	return nil
}

func (l *SubscriptionListener) handle(c *Client, frame *Frame, messageID string) {
	defer l.messages.resolve(messageID, nil)

	if err := l.handler(c, frame); err != nil {
		log.Errorf("Error in message handler: %v", err)
		if hookErr := l.onMessageFailed(c, err, frame, l.errorDestination); hookErr != nil {
			go func() {
				if err := c.Disconnect(hookErr); err != nil {
					log.Debugf("Disconnect after failed message hook: %v", err)
				}
			}()
			return
		}
	}
	if l.ackManaged && IsClientAck(l.ackMode()) {
		if err := c.Ack(frame); err != nil {
			log.Warnf("Cannot ack message %s: %v", messageID, err)
		}
	}
}

func (l *SubscriptionListener) ackMode() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headers.GetDefault(HdrAck, AckAuto)
}

// OnDisconnect deregisters and gives the outstanding message handlers
// a bounded grace period to finish (and thus ack) before the
// transport is torn down. Handlers finishing after the timeout do not
// block shutdown any further.
func (l *SubscriptionListener) OnDisconnect(c *Client, reason error, timeout time.Duration) error {
	c.Remove(l)
	if l.messages.len() == 0 {
		return nil
	}
	log.Infof("Waiting for outstanding message handlers to finish ... [timeout=%v]", timeout)
	if err := l.waitForMessages(timeout); err != nil {
		log.Warnf("Outstanding message handlers did not finish: %v", err)
		return nil
	}
	log.Info("All handlers complete. Resuming disconnect ...")
	return nil
}

// OnUnsubscribe deregisters and awaits outstanding handlers without
// bound.
func (l *SubscriptionListener) OnUnsubscribe(c *Client, frame *Frame, context interface{}) error {
	if sub, ok := context.(*SubscriptionListener); !ok || sub != l {
		return nil
	}
	c.Remove(l)
	return l.waitForMessages(-1)
}

// OnConnectionLost deregisters without waiting: the transport is
// already gone.
func (l *SubscriptionListener) OnConnectionLost(c *Client, reason error) {
	c.Remove(l)
}

func (l *SubscriptionListener) waitForMessages(timeout time.Duration) error {
	g := new(errgroup.Group)
	for _, w := range l.messages.values() {
		w := w
		g.Go(func() error {
			_, err := w.wait(timeout, cancelledError("handlers did not finish in time"))
			return err
		})
	}
	return g.Wait()
}

// HeartBeatListener arms the heart-beat timers on connect, disarms
// them on connection loss and feeds activity timestamps from frame
// traffic.
type HeartBeatListener struct {
	NoopListener
	thresholds HeartBeatThresholds

	mu     sync.Mutex
	beater *heartBeater
}

func NewHeartBeatListener(thresholds HeartBeatThresholds) *HeartBeatListener {
	return &HeartBeatListener{thresholds: thresholds}
}

func (l *HeartBeatListener) OnConnected(c *Client, frame *Frame) error {
	l.mu.Lock()
	if l.beater == nil {
		l.beater = newHeartBeater(c, l.thresholds)
	}
	beater := l.beater
	l.mu.Unlock()
	beater.arm()
	return nil
}

func (l *HeartBeatListener) OnConnectionLost(c *Client, reason error) {
	l.mu.Lock()
	beater := l.beater
	l.mu.Unlock()
	if beater != nil {
		beater.disarm()
	}
	c.Remove(l)
}

func (l *HeartBeatListener) OnFrame(c *Client, frame *Frame) error {
	c.session.received()
	return nil
}

func (l *HeartBeatListener) OnSend(c *Client, frame *Frame) error {
	c.session.sent()
	return nil
}
