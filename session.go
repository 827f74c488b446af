package stomp

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriptionInfo is the session's record of one active subscription.
// The SUBSCRIBE frame is kept live so that headers negotiated during
// dispatch (e.g. the defaulted ack mode) survive into replay.
type subscriptionInfo struct {
	destination string
	frame       *Frame
	context     interface{}
}

// replayEntry is one subscription to be reissued after a reconnect.
type replayEntry struct {
	destination string
	headers     Headers
	context     interface{}
}

// session holds the protocol-level state of one STOMP session:
// negotiated version and heart-beat periods, activity timestamps,
// the subscription table and active transactions. It builds every
// outbound frame so that tokens and headers are assigned in exactly
// one place. Mutated only by the client's command and frame-handling
// paths.
type session struct {
	mu sync.Mutex

	versions []string
	version  string
	id       string
	server   string

	// desired heart-beat periods (outgoing, incoming) offered in the
	// CONNECT frame; the negotiated values land in clientHeartBeat
	// and serverHeartBeat.
	sendHeartBeat   time.Duration
	recvHeartBeat   time.Duration
	clientHeartBeat time.Duration
	serverHeartBeat time.Duration

	lastSent     time.Time
	lastReceived time.Time

	nextSubscription uint64
	subscriptions    map[string]*subscriptionInfo
	subscribeOrder   []string
	transactions     map[string]struct{}
}

func newSession(versions []string, sendHeartBeat, recvHeartBeat time.Duration) *session {
	if len(versions) == 0 {
		versions = SupportedVersions
	}
	return &session{
		versions:      versions,
		version:       versions[len(versions)-1],
		sendHeartBeat: sendHeartBeat,
		recvHeartBeat: recvHeartBeat,
		subscriptions: make(map[string]*subscriptionInfo),
		transactions:  make(map[string]struct{}),
	}
}

//
// frame builders
//

func (s *session) connect(login, passcode string, headers Headers, versions []string, host string) *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(versions) == 0 {
		versions = s.versions
	}
	frame := &Frame{Command: CmdConnect, Headers: headers.Clone()}
	frame.Headers.Set(HdrAcceptVersion, strings.Join(versions, ","))
	if host != "" {
		frame.Headers.Set(HdrHost, host)
	}
	if login != "" {
		frame.Headers.Set(HdrLogin, login)
	}
	if passcode != "" {
		frame.Headers.Set(HdrPasscode, passcode)
	}
	frame.Headers.Set(HdrHeartBeat, fmt.Sprintf("%d,%d",
		s.sendHeartBeat.Milliseconds(), s.recvHeartBeat.Milliseconds()))
	return frame
}

// connected digests the broker's CONNECTED frame: negotiated version,
// session id and heart-beat periods.
func (s *session) connected(frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = frame.Headers.GetDefault(HdrVersion, "1.0")
	supported := false
	for _, v := range s.versions {
		if v == s.version {
			supported = true
			break
		}
	}
	if !supported {
		return protocolError("broker answered with unsupported version %q", s.version)
	}
	s.id = frame.Headers.GetDefault(HdrSession, "")
	s.server = frame.Headers.GetDefault(HdrServer, "")

	s.clientHeartBeat, s.serverHeartBeat = 0, 0
	if hb, ok := frame.Headers.Get(HdrHeartBeat); ok {
		sx, sy, err := parseHeartBeat(hb)
		if err != nil {
			return err
		}
		// sx is what the broker can send, sy what it wants to receive
		s.clientHeartBeat = negotiatePeriod(s.sendHeartBeat, sy)
		s.serverHeartBeat = negotiatePeriod(s.recvHeartBeat, sx)
	}
	now := time.Now()
	s.lastSent, s.lastReceived = now, now
	return nil
}

func parseHeartBeat(value string) (sx, sy time.Duration, err error) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return 0, 0, protocolError("invalid heart-beat header %q", value)
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0, protocolError("invalid heart-beat header %q", value)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

// negotiatePeriod combines one side's desire with the peer's
// capability: 0 on either side disables the direction, otherwise the
// slower of the two wins.
func negotiatePeriod(mine, theirs time.Duration) time.Duration {
	if mine == 0 || theirs == 0 {
		return 0
	}
	if theirs > mine {
		return theirs
	}
	return mine
}

func (s *session) disconnect(receipt string) *Frame {
	frame := NewFrame(CmdDisconnect)
	if receipt != "" {
		frame.Headers.Set(HdrReceipt, receipt)
	}
	return frame
}

func (s *session) send(destination string, body []byte, headers Headers, receipt string) *Frame {
	frame := &Frame{Command: CmdSend, Headers: headers.Clone(), Body: body}
	frame.Headers.Set(HdrDestination, destination)
	if receipt != "" {
		frame.Headers.Set(HdrReceipt, receipt)
	}
	return frame
}

// subscribe allocates a token and records the subscription. Tokens
// are monotonic and never reused while the session is alive.
func (s *session) subscribe(destination string, headers Headers, context interface{}) (*Frame, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := &Frame{Command: CmdSubscribe, Headers: headers.Clone()}
	frame.Headers.Set(HdrDestination, destination)
	token, ok := frame.Headers.Get(HdrID)
	if !ok {
		s.nextSubscription++
		token = fmt.Sprintf("sub-%d", s.nextSubscription)
		frame.Headers.Set(HdrID, token)
	}
	if _, exists := s.subscriptions[token]; exists {
		return nil, "", fmt.Errorf("subscription %q: %w", token, ErrAlreadyInProgress)
	}
	s.subscriptions[token] = &subscriptionInfo{
		destination: destination,
		frame:       frame,
		context:     context,
	}
	s.subscribeOrder = append(s.subscribeOrder, token)
	return frame, token, nil
}

func (s *session) unsubscribe(token, receipt string) (*Frame, interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[token]
	if !ok {
		return nil, nil, fmt.Errorf("token %q: %w", token, ErrUnknownSubscription)
	}
	delete(s.subscriptions, token)
	for i, t := range s.subscribeOrder {
		if t == token {
			s.subscribeOrder = append(s.subscribeOrder[:i], s.subscribeOrder[i+1:]...)
			break
		}
	}
	frame := NewFrame(CmdUnsubscribe, HdrID, token)
	if receipt != "" {
		frame.Headers.Set(HdrReceipt, receipt)
	}
	return frame, sub.context, nil
}

// message resolves an inbound MESSAGE frame to its subscription.
func (s *session) message(frame *Frame) (string, *subscriptionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := frame.Headers.Get(HdrSubscription)
	if !ok {
		// STOMP 1.0 brokers do not echo the subscription id
		destination := frame.Headers.GetDefault(HdrDestination, "")
		for t, sub := range s.subscriptions {
			if sub.destination == destination {
				return t, sub, nil
			}
		}
		return "", nil, fmt.Errorf("no subscription for destination %q: %w", destination, ErrUnknownSubscription)
	}
	sub, ok := s.subscriptions[token]
	if !ok {
		return "", nil, fmt.Errorf("token %q: %w", token, ErrUnknownSubscription)
	}
	return token, sub, nil
}

func (s *session) ack(frame *Frame) (*Frame, error) {
	return s.acknowledge(CmdAck, frame)
}

func (s *session) nack(frame *Frame) (*Frame, error) {
	s.mu.Lock()
	version := s.version
	s.mu.Unlock()
	if version == "1.0" {
		return nil, protocolError("NACK is not supported in version 1.0")
	}
	return s.acknowledge(CmdNack, frame)
}

func (s *session) acknowledge(command string, frame *Frame) (*Frame, error) {
	s.mu.Lock()
	version := s.version
	s.mu.Unlock()

	messageID, ok := frame.Headers.Get(HdrMessageID)
	if !ok {
		return nil, protocolError("%s: frame carries no %s header", command, HdrMessageID)
	}
	out := NewFrame(command)
	switch version {
	case "1.0":
		out.Headers.Set(HdrMessageID, messageID)
	case "1.1":
		subscription, ok := frame.Headers.Get(HdrSubscription)
		if !ok {
			return nil, protocolError("%s: frame carries no %s header", command, HdrSubscription)
		}
		out.Headers.Set(HdrMessageID, messageID)
		out.Headers.Set(HdrSubscription, subscription)
	default:
		id := frame.Headers.GetDefault(HdrAck, messageID)
		out.Headers.Set(HdrID, id)
	}
	if transaction, ok := frame.Headers.Get(HdrTransaction); ok {
		out.Headers.Set(HdrTransaction, transaction)
	}
	return out, nil
}

//
// transactions
//

func (s *session) begin() (*Frame, string) {
	token := uuid.NewString()
	s.mu.Lock()
	s.transactions[token] = struct{}{}
	s.mu.Unlock()
	return NewFrame(CmdBegin, HdrTransaction, token), token
}

func (s *session) commit(token string) (*Frame, error) {
	return s.endTransaction(CmdCommit, token)
}

func (s *session) abort(token string) (*Frame, error) {
	return s.endTransaction(CmdAbort, token)
}

func (s *session) endTransaction(command, token string) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[token]; !ok {
		return nil, protocolError("transaction %q is unknown", token)
	}
	delete(s.transactions, token)
	return NewFrame(command, HdrTransaction, token), nil
}

//
// receipts, heart-beats, activity
//

func (s *session) receipt(frame *Frame) (string, error) {
	id, ok := frame.Headers.Get(HdrReceiptID)
	if !ok {
		return "", protocolError("RECEIPT frame carries no %s header", HdrReceiptID)
	}
	return id, nil
}

// beat produces an outbound heart-beat; the codec writes a nil frame
// as a bare EOL.
func (s *session) beat() *Frame { return nil }

func (s *session) sent() {
	s.mu.Lock()
	s.lastSent = time.Now()
	s.mu.Unlock()
}

func (s *session) received() {
	s.mu.Lock()
	s.lastReceived = time.Now()
	s.mu.Unlock()
}

func (s *session) activity() (lastSent, lastReceived time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent, s.lastReceived
}

func (s *session) heartBeats() (client, server time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientHeartBeat, s.serverHeartBeat
}

// Version returns the negotiated protocol version.
func (s *session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ID returns the broker-assigned session id.
func (s *session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

//
// replay and teardown
//

// replay drains the subscription table into an ordered replay log.
// The caller reissues each subscription, which re-populates the table
// with fresh frames under the same contexts.
func (s *session) replay() []replayEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]replayEntry, 0, len(s.subscriptions))
	for _, token := range s.subscribeOrder {
		sub, ok := s.subscriptions[token]
		if !ok {
			continue
		}
		headers := sub.frame.Headers.Clone()
		headers.Del(HdrDestination)
		headers.Del(HdrReceipt)
		entries = append(entries, replayEntry{
			destination: sub.destination,
			headers:     headers,
			context:     sub.context,
		})
	}
	s.subscriptions = make(map[string]*subscriptionInfo)
	s.subscribeOrder = nil
	return entries
}

// close resets the session after the connection went away. A clean
// disconnect flushes the subscription memory; an abrupt one retains
// it so the subscriptions can be replayed on reconnect.
func (s *session) close(flush bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.server = ""
	s.clientHeartBeat, s.serverHeartBeat = 0, 0
	s.transactions = make(map[string]struct{})
	if flush {
		s.subscriptions = make(map[string]*subscriptionInfo)
		s.subscribeOrder = nil
	}
}
