package stomp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// stompMockBroker is a scripted in-process broker. It implements
// Connection, so tests inject it through WithTransportFactory; every
// Connect hands the client one end of a fresh net.Pipe and answers
// frames on the other end.
type stompMockBroker struct {
	version       string
	heartBeat     string   // heart-beat header of the CONNECTED answer
	rejectConnect bool     // answer CONNECT with an ERROR frame
	silent        bool     // never answer the CONNECT frame
	errorOnAck    string   // ERROR message sent whenever an ACK arrives
	messageBodies []string // pushed as MESSAGE frames on SUBSCRIBE

	mu      sync.Mutex
	svrConn net.Conn
	frames  []*Frame
	beats   int

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func newStompMock() *stompMockBroker {
	return &stompMockBroker{version: "1.2"}
}

func (m *stompMockBroker) BrokerURL() string { return "tcp://mock-broker:61613" }

// Connect returns the client half of a fresh pipe; the broker loop
// serves the other half until the pipe closes.
func (m *stompMockBroker) Connect(ctx context.Context) (io.ReadWriter, error) {
	svrConn, clientConn := net.Pipe()
	m.mu.Lock()
	m.svrConn = svrConn
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(svrConn)
	}()
	return clientConn, nil
}

func (m *stompMockBroker) Close() {
	m.mu.Lock()
	svrConn := m.svrConn
	m.mu.Unlock()
	if svrConn != nil {
		svrConn.Close()
	}
}

// closeServer drops the connection from the broker side, as a dying
// broker would.
func (m *stompMockBroker) closeServer() {
	m.Close()
	m.wg.Wait()
}

func (m *stompMockBroker) run(conn net.Conn) {
	reader := newFrameReader(conn)
	for {
		frame, err := reader.readFrame()
		if err != nil {
			if err != io.ErrClosedPipe && err != io.EOF {
				fmt.Println("mock broker read error:", err)
			}
			return
		}
		if frame == nil {
			m.mu.Lock()
			m.beats++
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		m.frames = append(m.frames, frame)
		m.mu.Unlock()
		m.handle(conn, frame)
	}
}

func (m *stompMockBroker) handle(conn net.Conn, frame *Frame) {
	switch frame.Command {
	case CmdConnect:
		if m.rejectConnect {
			m.write(conn, NewFrame(CmdError, HdrMessage, "access refused"))
			return
		}
		if m.silent {
			return
		}
		connected := NewFrame(CmdConnected,
			HdrVersion, m.version, HdrSession, "mock-session-1")
		if m.heartBeat != "" {
			connected.Headers.Set(HdrHeartBeat, m.heartBeat)
		}
		m.write(conn, connected)
	case CmdSubscribe:
		token := frame.Headers.GetDefault(HdrID, "")
		destination := frame.Headers.GetDefault(HdrDestination, "")
		for i, body := range m.messageBodies {
			msg := NewFrame(CmdMessage,
				HdrDestination, destination,
				HdrMessageID, fmt.Sprintf("msg-%d", i+1),
				HdrSubscription, token,
				HdrAck, fmt.Sprintf("delivery-%d", i+1))
			msg.Body = []byte(body)
			m.write(conn, msg)
		}
	case CmdAck:
		if m.errorOnAck != "" {
			m.write(conn, NewFrame(CmdError, HdrMessage, m.errorOnAck))
		}
	}
	if receipt, ok := frame.Headers.Get(HdrReceipt); ok {
		m.write(conn, NewFrame(CmdReceipt, HdrReceiptID, receipt))
	}
}

// push sends a broker-initiated frame to the connected client.
func (m *stompMockBroker) push(frame *Frame) {
	m.mu.Lock()
	conn := m.svrConn
	m.mu.Unlock()
	if conn != nil {
		m.write(conn, frame)
	}
}

func (m *stompMockBroker) write(conn net.Conn, frame *Frame) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := writeFrame(conn, frame); err != nil {
		fmt.Println("mock broker write error:", err)
	}
}

func (m *stompMockBroker) received(command string) []*Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Frame
	for _, f := range m.frames {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// awaitFrames polls until at least count frames with the command
// arrived or the deadline passed; it returns what it saw either way.
func (m *stompMockBroker) awaitFrames(command string, count int, within time.Duration) []*Frame {
	deadline := time.Now().Add(within)
	for {
		frames := m.received(command)
		if len(frames) >= count || time.Now().After(deadline) {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (m *stompMockBroker) beatCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beats
}
