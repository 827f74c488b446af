package stomputil

import (
	"io"

	"github.com/gorilla/websocket"
)

type websocketRW struct {
	*websocket.Conn
	r io.Reader
}

// NewWebsocketReadWriter adapts a websocket connection to the
// io.ReadWriter the frame codec expects. STOMP frames are carried
// as text messages, one or more frames per message.
func NewWebsocketReadWriter(c *websocket.Conn) io.ReadWriter {
	return &websocketRW{Conn: c}
}

func (wsc *websocketRW) Read(p []byte) (int, error) {
	for {
		if wsc.r == nil {
			var err error
			_, wsc.r, err = wsc.NextReader()
			if err != nil {
				return 0, err
			}
		}
		n, err := wsc.r.Read(p)
		if err == io.EOF {
			wsc.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (wsc *websocketRW) Write(p []byte) (int, error) {
	err := wsc.WriteMessage(websocket.TextMessage, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}
