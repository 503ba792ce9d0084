package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// DialWebSocket dials a websocket URL and layers a yamux client session
// over the resulting connection.
func DialWebSocket(ctx context.Context, url string, tlsConf *tls.Config) (Session, error) {
	dialer := websocket.Dialer{TLSClientConfig: tlsConf}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling websocket relay: %w", err)
	}
	sess, err := yamux.Client(newWSConn(conn), yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("establishing yamux client session: %w", err)
	}
	return newYamuxSession(sess), nil
}

// WebSocketUpgrader upgrades inbound HTTP connections to websocket and
// hands each resulting connection off (as a yamux server session) to
// accept. It is an http.Handler so it plugs directly into the relay's
// control-transport mux.
type WebSocketUpgrader struct {
	upgrader websocket.Upgrader
	accept   chan Session
}

// NewWebSocketUpgrader creates an upgrader whose accepted sessions are
// delivered through Accept.
func NewWebSocketUpgrader() *WebSocketUpgrader {
	return &WebSocketUpgrader{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		accept:   make(chan Session),
	}
}

func (u *WebSocketUpgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess, err := ServeYamux(newWSConn(conn))
	if err != nil {
		return
	}
	select {
	case u.accept <- sess:
	case <-r.Context().Done():
		sess.Close("listener shutting down")
	}
}

// Accept blocks until an upgraded connection becomes a Session.
func (u *WebSocketUpgrader) Accept(ctx context.Context) (Session, error) {
	select {
	case s := <-u.accept:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
