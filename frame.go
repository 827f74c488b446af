package stomp

// STOMP frame commands understood by the client.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdAck         = "ACK"
	CmdNack        = "NACK"
	CmdBegin       = "BEGIN"
	CmdCommit      = "COMMIT"
	CmdAbort       = "ABORT"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrAck           = "ack"
	HdrContentLength = "content-length"
	HdrContentType   = "content-type"
	HdrDestination   = "destination"
	HdrHeartBeat     = "heart-beat"
	HdrHost          = "host"
	HdrID            = "id"
	HdrLogin         = "login"
	HdrMessage       = "message"
	HdrMessageID     = "message-id"
	HdrPasscode      = "passcode"
	HdrPersistent    = "persistent"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrServer        = "server"
	HdrSession       = "session"
	HdrSubscription  = "subscription"
	HdrTransaction   = "transaction"
	HdrVersion       = "version"
)

// Ack-mode header values. Only AckClient and AckClientIndividual
// require an explicit ACK or NACK from the client.
const (
	AckAuto             = "auto"
	AckClient           = "client"
	AckClientIndividual = "client-individual"
)

// Supported protocol versions, oldest first.
var SupportedVersions = []string{"1.0", "1.1", "1.2"}

// IsClientAck reports whether the given ack mode requires an
// explicit client acknowledgment.
func IsClientAck(mode string) bool {
	return mode == AckClient || mode == AckClientIndividual
}

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered collection of frame headers. Repeated names
// are preserved; per STOMP 1.1 the first occurrence wins on lookup.
type Headers []Header

// Get returns the value of the first header with the given name.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return "", false
}

// GetDefault returns the value of the first header with the given
// name, or def if the header is absent.
func (h Headers) GetDefault(name, def string) string {
	if v, ok := h.Get(name); ok {
		return v
	}
	return def
}

// Contains reports whether a header with the given name is present.
func (h Headers) Contains(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Set replaces the first occurrence of name, or appends when absent.
func (h *Headers) Set(name, value string) {
	for i := range *h {
		if (*h)[i].Name == name {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// SetDefault sets name to value only when the header is absent and
// returns the effective value.
func (h *Headers) SetDefault(name, value string) string {
	if v, ok := h.Get(name); ok {
		return v
	}
	*h = append(*h, Header{Name: name, Value: value})
	return value
}

// Add appends a header without replacing earlier occurrences.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Del removes every occurrence of name.
func (h *Headers) Del(name string) {
	filtered := (*h)[:0]
	for _, hdr := range *h {
		if hdr.Name != name {
			filtered = append(filtered, hdr)
		}
	}
	*h = filtered
}

// Clone returns an independent copy of the headers.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	c := make(Headers, len(h))
	copy(c, h)
	return c
}

// Frame is a single STOMP frame. A Frame handed to the transport is
// treated as immutable; outbound commands build a fresh one each time.
type Frame struct {
	Command string
	Headers Headers
	Body    []byte
}

// NewFrame creates a frame with the given command and alternating
// header name/value pairs.
func NewFrame(command string, headers ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Headers.Add(headers[i], headers[i+1])
	}
	return f
}

// Info returns a short description of the frame for logging,
// favoring the error text of ERROR frames.
func (f *Frame) Info() string {
	if f == nil {
		return "<nil frame>"
	}
	if msg, ok := f.Headers.Get(HdrMessage); ok {
		return f.Command + " [message=" + msg + "]"
	}
	return f.Command + " frame"
}

// Headers that identify a particular delivery and must not travel
// with a copy forwarded to an error destination.
var perDeliveryHeaders = []string{
	HdrDestination, HdrMessageID, HdrSubscription, HdrAck,
	HdrReceipt, HdrTransaction,
}

// CloneFrame copies a frame for re-sending, stripping the headers
// that belong to the original delivery. With persistent set, the
// copy is marked to survive a broker restart.
func CloneFrame(f *Frame, persistent bool) *Frame {
	clone := &Frame{
		Command: f.Command,
		Headers: f.Headers.Clone(),
		Body:    append([]byte(nil), f.Body...),
	}
	for _, name := range perDeliveryHeaders {
		clone.Headers.Del(name)
	}
	if persistent {
		clone.Headers.Set(HdrPersistent, "true")
	}
	return clone
}
