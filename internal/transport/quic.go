package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is advertised over TLS for the QUIC transport, grounded in
// getmockd-mockd's tunnel client (pkg/tunnel/quic/client.go) which tags its
// QUIC connections with a fixed NextProtos entry.
const ALPNProtocol = "relaymesh"

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  45 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// DialQUIC dials the relay's QUIC listener and returns a Session.
func DialQUIC(ctx context.Context, addr string, insecureSkipVerify bool) (Session, error) {
	tlsConf := &tls.Config{
		NextProtos:         []string{ALPNProtocol},
		InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // agent dev-mode opt-in, spec.md §4.1
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dialling quic relay: %w", err)
	}
	return newQUICSession(conn), nil
}

// ListenQUIC binds a QUIC listener for the relay's control transport.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	cfg := tlsConf.Clone()
	cfg.NextProtos = []string{ALPNProtocol}
	ln, err := quic.ListenAddr(addr, cfg, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listening quic: %w", err)
	}
	return &QUICListener{ln: ln}, nil
}

// QUICListener accepts inbound agent QUIC connections as Sessions.
type QUICListener struct {
	ln *quic.Listener
}

func (l *QUICListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newQUICSession(conn), nil
}

func (l *QUICListener) Close() error { return l.ln.Close() }
func (l *QUICListener) Addr() string { return l.ln.Addr().String() }

type quicSession struct {
	conn *quic.Conn
	done chan struct{}
	once sync.Once
}

func newQUICSession(conn *quic.Conn) *quicSession {
	s := &quicSession{conn: conn, done: make(chan struct{})}
	go func() {
		<-conn.Context().Done()
		s.markDone()
	}()
	return s
}

func (s *quicSession) markDone() {
	s.once.Do(func() { close(s.done) })
}

func (s *quicSession) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening quic stream: %w", err)
	}
	return quicStream{st}, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{st}, nil
}

func (s *quicSession) Close(reason string) error {
	defer s.markDone()
	return s.conn.CloseWithError(0, reason)
}

func (s *quicSession) Done() <-chan struct{} { return s.done }

// quicStream adapts *quic.Stream to the Stream interface. QUIC streams are
// natively half-duplex closeable: Close() finalizes the write side only,
// the peer still observes remaining buffered reads until EOF.
type quicStream struct {
	*quic.Stream
}

func (s quicStream) CloseWrite() error {
	return s.Stream.Close()
}

func (s quicStream) Close() error {
	_ = s.Stream.Close()
	s.Stream.CancelRead(0)
	return nil
}
