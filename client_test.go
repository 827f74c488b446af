package stomp

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(t *testing.T, mock *stompMockBroker, opts ...ClientOption) *Client {
	t.Helper()
	config, err := NewConfig("tcp://mock-broker:61613")
	require.NoError(t, err)
	opts = append(opts,
		WithTransportFactory(func(Broker) Connection { return mock }),
		WithConnectedTimeout(2*time.Second),
		WithDisconnectTimeout(2*time.Second),
	)
	return NewClient(config, opts...)
}

func TestConnectDisconnect(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock)

	require.NoError(t, client.Connect(context.Background(), nil))
	assert.True(t, client.Connected())
	assert.Equal(t, "1.2", client.Version())
	assert.Equal(t, "mock-session-1", client.SessionID())

	require.NoError(t, client.Disconnect(nil))
	assert.False(t, client.Connected())
	assert.Len(t, mock.awaitFrames(CmdDisconnect, 1, time.Second), 1)
	mock.wg.Wait()
}

// refusingConn is a Connection whose dial always fails, standing in
// for a dead broker candidate.
type refusingConn struct {
	url string
}

func (r *refusingConn) BrokerURL() string { return r.url }

func (r *refusingConn) Connect(context.Context) (io.ReadWriter, error) {
	return nil, errors.New("connection refused")
}

func (r *refusingConn) Close() {}

// attemptRecorder builds transports per candidate and remembers the
// order the hosts were tried in.
type attemptRecorder struct {
	mu    sync.Mutex
	hosts []string
	build func(Broker) Connection
}

func (r *attemptRecorder) factory(broker Broker) Connection {
	r.mu.Lock()
	r.hosts = append(r.hosts, broker.Host)
	r.mu.Unlock()
	return r.build(broker)
}

func (r *attemptRecorder) attempts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hosts...)
}

func TestConnectFailsOverToNextCandidate(t *testing.T) {
	mock := newStompMock()
	recorder := &attemptRecorder{build: func(broker Broker) Connection {
		if broker.Host == "primary" {
			return &refusingConn{url: broker.String()}
		}
		return mock
	}}

	config, err := NewConfig("failover:(tcp://primary:61613,tcp://backup:61613)?maxReconnectAttempts=1&initialReconnectDelay=50")
	require.NoError(t, err)
	client := NewClient(config,
		WithTransportFactory(recorder.factory),
		WithConnectedTimeout(2*time.Second),
		WithDisconnectTimeout(2*time.Second),
	)

	start := time.Now()
	require.NoError(t, client.Connect(context.Background(), nil))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"the second candidate is attempted only after the reconnect delay")
	assert.Equal(t, []string{"primary", "backup"}, recorder.attempts())
	assert.True(t, client.Connected(), "success on the backup surfaces no error")

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestConnectExhaustsCandidates(t *testing.T) {
	recorder := &attemptRecorder{build: func(broker Broker) Connection {
		return &refusingConn{url: broker.String()}
	}}

	config, err := NewConfig("failover:(tcp://primary:61613,tcp://backup:61613)?maxReconnectAttempts=1&initialReconnectDelay=10")
	require.NoError(t, err)
	client := NewClient(config, WithTransportFactory(recorder.factory))

	err = client.Connect(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "giving up connecting")
	assert.Contains(t, err.Error(), "connection refused", "the last failure is summarized")
	assert.Equal(t, []string{"primary", "backup"}, recorder.attempts())
	assert.False(t, client.Connected())
}

func TestConnectCancelledDuringDelay(t *testing.T) {
	recorder := &attemptRecorder{build: func(broker Broker) Connection {
		return &refusingConn{url: broker.String()}
	}}

	config, err := NewConfig("failover:(tcp://primary:61613,tcp://backup:61613)?maxReconnectAttempts=1&initialReconnectDelay=5000")
	require.NoError(t, err)
	client := NewClient(config, WithTransportFactory(recorder.factory))

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	err = client.Connect(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"primary"}, recorder.attempts(),
		"the cancelled delay never reaches the next candidate")
}

func TestConnectRefused(t *testing.T) {
	mock := newStompMock()
	mock.rejectConnect = true
	client := newTestClient(t, mock)

	err := client.Connect(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "access refused")
	assert.False(t, client.Connected())
	mock.wg.Wait()
}

func TestConnectTimesOut(t *testing.T) {
	mock := newStompMock()
	mock.silent = true
	client := newTestClient(t, mock, WithConnectedTimeout(100*time.Millisecond))

	err := client.Connect(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, client.Connected())
	mock.wg.Wait()
}

func TestConnectWhileConnected(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock)

	require.NoError(t, client.Connect(context.Background(), nil))
	assert.ErrorIs(t, client.Connect(context.Background(), nil), ErrAlreadyConnected)

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestSubscribeMessageAck(t *testing.T) {
	mock := newStompMock()
	mock.messageBodies = []string{"one", "two"}
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	var mu sync.Mutex
	var bodies []string
	token, err := client.Subscribe("/queue/test", func(c *Client, frame *Frame) error {
		mu.Lock()
		bodies = append(bodies, string(frame.Body))
		mu.Unlock()
		return nil
	}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", token)

	subscribes := mock.awaitFrames(CmdSubscribe, 1, time.Second)
	require.Len(t, subscribes, 1)
	assert.Equal(t, AckClientIndividual, subscribes[0].Headers.GetDefault(HdrAck, ""))

	// client-individual mode: every handled message gets acknowledged
	acks := mock.awaitFrames(CmdAck, 2, 2*time.Second)
	require.Len(t, acks, 2)
	var ackIDs []string
	for _, ack := range acks {
		id, _ := ack.Headers.Get(HdrID)
		ackIDs = append(ackIDs, id)
	}
	assert.ElementsMatch(t, []string{"delivery-1", "delivery-2"}, ackIDs)

	mu.Lock()
	assert.ElementsMatch(t, []string{"one", "two"}, bodies)
	mu.Unlock()

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestSubscribeRequiresHandler(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	_, err := client.Subscribe("/queue/test", nil, nil, "")
	assert.ErrorIs(t, err, ErrInvalidHandler)

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestUnsubscribe(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	token, err := client.Subscribe("/queue/test", func(*Client, *Frame) error { return nil }, nil, "")
	require.NoError(t, err)

	require.NoError(t, client.Unsubscribe(token, ""))
	unsubscribes := mock.awaitFrames(CmdUnsubscribe, 1, time.Second)
	require.Len(t, unsubscribes, 1)
	id, _ := unsubscribes[0].Headers.Get(HdrID)
	assert.Equal(t, token, id)

	assert.ErrorIs(t, client.Unsubscribe(token, ""), ErrUnknownSubscription)

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestSendWithReceipt(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock, WithReceiptTimeout(2*time.Second))
	require.NoError(t, client.Connect(context.Background(), nil))

	// blocks until the broker confirmed the send
	require.NoError(t, client.Send("/queue/test", []byte("hello"), nil, "receipt-1"))
	sends := mock.received(CmdSend)
	require.Len(t, sends, 1)
	receipt, _ := sends[0].Headers.Get(HdrReceipt)
	assert.Equal(t, "receipt-1", receipt)

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestTransactions(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	token, err := client.Begin()
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NoError(t, client.Commit(token))

	// a committed transaction cannot be ended again
	require.Error(t, client.Abort(token))

	begins := mock.received(CmdBegin)
	commits := mock.awaitFrames(CmdCommit, 1, time.Second)
	require.Len(t, begins, 1)
	require.Len(t, commits, 1)
	tx, _ := commits[0].Headers.Get(HdrTransaction)
	assert.Equal(t, token, tx)

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestLegacyAckErrorIsTolerated(t *testing.T) {
	mock := newStompMock()
	mock.messageBodies = []string{"one"}
	mock.errorOnAck = legacyAckErrorMarker + " msg-1"
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	_, err := client.Subscribe("/queue/test", func(*Client, *Frame) error { return nil }, nil, "")
	require.NoError(t, err)

	mock.awaitFrames(CmdAck, 1, 2*time.Second)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, client.Connected(), "legacy ack ERROR must not kill the connection")

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestErrorFrameEscalates(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	done := client.Disconnected()
	mock.push(NewFrame(CmdError, HdrMessage, "broker is unhappy"))

	select {
	case reason := <-done:
		require.Error(t, reason)
		assert.ErrorIs(t, reason, ErrProtocol)
		assert.Contains(t, reason.Error(), "broker is unhappy")
	case <-time.After(2 * time.Second):
		t.Fatal("client did not disconnect on ERROR frame")
	}
	assert.False(t, client.Connected())
	mock.wg.Wait()
}

func TestUnknownCommandEscalates(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	done := client.Disconnected()
	mock.push(NewFrame("GOSSIP"))

	select {
	case reason := <-done:
		require.Error(t, reason)
		assert.ErrorIs(t, reason, ErrProtocol)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not disconnect on unknown command")
	}
	mock.wg.Wait()
}

func TestGracefulDisconnectDrainsHandlers(t *testing.T) {
	mock := newStompMock()
	mock.messageBodies = []string{"one", "two"}
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	release := make(chan struct{})
	_, err := client.Subscribe("/queue/test", func(*Client, *Frame) error {
		<-release
		return nil
	}, nil, "")
	require.NoError(t, err)

	// both handlers must be in flight before the shutdown begins
	mock.awaitFrames(CmdSubscribe, 1, time.Second)
	time.Sleep(100 * time.Millisecond)

	time.AfterFunc(200*time.Millisecond, func() { close(release) })
	require.NoError(t, client.Disconnect(nil))

	// the blocked handlers finished (and acked) before the teardown
	assert.Len(t, mock.awaitFrames(CmdAck, 2, time.Second), 2)
	assert.Len(t, mock.awaitFrames(CmdDisconnect, 1, time.Second), 1)
	mock.wg.Wait()
}

func TestFailedHandlerForwardsToErrorDestination(t *testing.T) {
	mock := newStompMock()
	mock.messageBodies = []string{"poison"}
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	_, err := client.Subscribe("/queue/test", func(*Client, *Frame) error {
		return errors.New("cannot digest this")
	}, nil, "", WithErrorDestination("/queue/dlq"))
	require.NoError(t, err)

	sends := mock.awaitFrames(CmdSend, 1, 2*time.Second)
	require.Len(t, sends, 1)
	destination, _ := sends[0].Headers.Get(HdrDestination)
	assert.Equal(t, "/queue/dlq", destination)
	assert.Equal(t, "poison", string(sends[0].Body))
	persistent, _ := sends[0].Headers.Get(HdrPersistent)
	assert.Equal(t, "true", persistent)

	// the failed message is still acknowledged
	acks := mock.awaitFrames(CmdAck, 1, 2*time.Second)
	assert.Len(t, acks, 1)

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock)
	require.NoError(t, client.Connect(context.Background(), nil))

	done := client.Disconnected()
	token, err := client.Subscribe("/queue/test", func(*Client, *Frame) error { return nil }, nil, "")
	require.NoError(t, err)
	mock.awaitFrames(CmdSubscribe, 1, time.Second)

	mock.closeServer()
	select {
	case reason := <-done:
		require.Error(t, reason)
		assert.ErrorIs(t, reason, ErrConnection)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss was not signalled")
	}
	assert.False(t, client.Connected())

	require.NoError(t, client.Connect(context.Background(), nil))
	subscribes := mock.awaitFrames(CmdSubscribe, 2, 2*time.Second)
	require.Len(t, subscribes, 2)
	replayed := subscribes[1]
	id, _ := replayed.Headers.Get(HdrID)
	assert.Equal(t, token, id, "replay keeps the subscription token")
	assert.Equal(t, AckClientIndividual, replayed.Headers.GetDefault(HdrAck, ""))

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestClientHeartBeats(t *testing.T) {
	mock := newStompMock()
	mock.heartBeat = "0,50" // broker sends none, wants one every 50ms
	client := newTestClient(t, mock, WithHeartBeat(50*time.Millisecond, 0))
	require.NoError(t, client.Connect(context.Background(), nil))

	time.Sleep(300 * time.Millisecond)
	assert.GreaterOrEqual(t, mock.beatCount(), 2)

	require.NoError(t, client.Disconnect(nil))
	mock.wg.Wait()
}

func TestServerHeartBeatTimeout(t *testing.T) {
	mock := newStompMock()
	mock.heartBeat = "50,0" // broker promises a beat every 50ms, never sends one
	client := newTestClient(t, mock, WithHeartBeat(0, 50*time.Millisecond))
	require.NoError(t, client.Connect(context.Background(), nil))

	done := client.Disconnected()
	select {
	case reason := <-done:
		require.Error(t, reason)
		assert.ErrorIs(t, reason, ErrConnection)
		assert.Contains(t, reason.Error(), "heart-beat")
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the silent broker")
	}
	mock.wg.Wait()
}

func TestCommandsRequireConnection(t *testing.T) {
	mock := newStompMock()
	client := newTestClient(t, mock)

	assert.ErrorIs(t, client.Send("/queue/test", nil, nil, ""), ErrNotConnected)
	_, err := client.Subscribe("/queue/test", func(*Client, *Frame) error { return nil }, nil, "")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, client.Unsubscribe("sub-1", ""), ErrNotConnected)
	_, err = client.Begin()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, client.Disconnect(nil), ErrNotConnected)
}
