package stomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadersFirstOccurrenceWins(t *testing.T) {
	var h Headers
	h.Add("foo", "first")
	h.Add("foo", "second")

	v, ok := h.Get("foo")
	assert.True(t, ok)
	assert.Equal(t, "first", v)
	assert.Equal(t, "fallback", h.GetDefault("bar", "fallback"))
}

func TestHeadersSetReplacesFirst(t *testing.T) {
	var h Headers
	h.Add("foo", "first")
	h.Add("foo", "second")
	h.Set("foo", "replaced")

	assert.Equal(t, Headers{{Name: "foo", Value: "replaced"}, {Name: "foo", Value: "second"}}, h)
}

func TestHeadersSetDefault(t *testing.T) {
	var h Headers
	assert.Equal(t, "a", h.SetDefault("foo", "a"))
	assert.Equal(t, "a", h.SetDefault("foo", "b"))
	assert.Equal(t, "a", h.GetDefault("foo", ""))
}

func TestHeadersDelRemovesAll(t *testing.T) {
	var h Headers
	h.Add("foo", "first")
	h.Add("bar", "keep")
	h.Add("foo", "second")
	h.Del("foo")

	assert.Equal(t, Headers{{Name: "bar", Value: "keep"}}, h)
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	var h Headers
	h.Add("foo", "value")
	c := h.Clone()
	c.Set("foo", "changed")

	assert.Equal(t, "value", h.GetDefault("foo", ""))
	assert.Nil(t, Headers(nil).Clone())
}

func TestNewFramePairs(t *testing.T) {
	f := NewFrame(CmdSend, HdrDestination, "/queue/a", "odd")
	assert.Equal(t, CmdSend, f.Command)
	assert.Len(t, f.Headers, 1, "trailing odd header name is dropped")
}

func TestFrameInfo(t *testing.T) {
	assert.Equal(t, "<nil frame>", (*Frame)(nil).Info())
	assert.Equal(t, "SEND frame", NewFrame(CmdSend).Info())
	assert.Equal(t, "ERROR [message=boom]", NewFrame(CmdError, HdrMessage, "boom").Info())
}

func TestCloneFrameStripsDeliveryHeaders(t *testing.T) {
	msg := NewFrame(CmdMessage,
		HdrDestination, "/queue/a",
		HdrMessageID, "m-1",
		HdrSubscription, "sub-1",
		HdrAck, "d-1",
		"custom", "kept")
	msg.Body = []byte("payload")

	clone := CloneFrame(msg, true)
	assert.Equal(t, "kept", clone.Headers.GetDefault("custom", ""))
	assert.Equal(t, "true", clone.Headers.GetDefault(HdrPersistent, ""))
	for _, name := range perDeliveryHeaders {
		assert.False(t, clone.Headers.Contains(name), name)
	}

	// the copy is detached from the original
	clone.Body[0] = 'X'
	assert.Equal(t, byte('p'), msg.Body[0])
}

func TestIsClientAck(t *testing.T) {
	assert.False(t, IsClientAck(AckAuto))
	assert.True(t, IsClientAck(AckClient))
	assert.True(t, IsClientAck(AckClientIndividual))
}
