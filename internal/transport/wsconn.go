package transport

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn into a net.Conn so it can carry a yamux
// session like any other byte-oriented transport (spec.md §4.1: "WebSocket
// ... fallbacks implement the same stream abstraction by multiplexing over
// a single TCP/TLS connection"). Each websocket binary message is treated
// as an opaque chunk of the underlying byte stream; yamux's own framing
// does not care about message boundaries.
type wsConn struct {
	*websocket.Conn
	reader   []byte
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{Conn: c}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for len(c.reader) == 0 {
		msgType, data, err := c.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.reader = data
	}
	n := copy(b, c.reader)
	c.reader = c.reader[n:]
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

var _ net.Conn = (*wsConn)(nil)
