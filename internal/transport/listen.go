package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// ControlListener is the relay-side counterpart of Dial: it accepts
// inbound agent connections on whatever carrier a Mode implies and hands
// back a ready Session.
type ControlListener interface {
	Accept(ctx context.Context) (Session, error)
	Close() error
}

// TCPYamuxListener accepts raw TCP (optionally TLS) connections and
// layers a yamux server session over each one.
type TCPYamuxListener struct {
	ln      net.Listener
	tlsConf *tls.Config
}

// ListenTCPYamux binds addr for the TCP/TLS fallback transport. tlsConf
// may be nil for plaintext (insecure dev mode only).
func ListenTCPYamux(addr string, tlsConf *tls.Config) (*TCPYamuxListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening tcp fallback transport: %w", err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}
	return &TCPYamuxListener{ln: ln, tlsConf: tlsConf}, nil
}

func (l *TCPYamuxListener) Accept(ctx context.Context) (Session, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return ServeYamux(r.conn)
	case <-ctx.Done():
		l.ln.Close()
		return nil, ctx.Err()
	}
}

func (l *TCPYamuxListener) Close() error { return l.ln.Close() }
func (l *TCPYamuxListener) Addr() string { return l.ln.Addr().String() }

// QUICControlListener adapts *QUICListener to ControlListener.
type QUICControlListener struct{ *QUICListener }

func (l QUICControlListener) Close() error { return l.QUICListener.Close() }

// WebSocketControlListener adapts *WebSocketUpgrader to ControlListener;
// Close is a no-op since its lifecycle is owned by the enclosing http.Server.
type WebSocketControlListener struct{ *WebSocketUpgrader }

func (WebSocketControlListener) Close() error { return nil }
