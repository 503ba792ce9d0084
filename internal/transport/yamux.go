package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
)

// yamuxSession wraps a *yamux.Session (multiplexed over any net.Conn — raw
// TCP/TLS, or a websocket connection adapted to net.Conn by wsConn) to
// satisfy Session. Grounded in LiranCohen/dex's mesh tunnel client, the
// pack's example of yamux driving the relay's "stream abstraction over one
// physical connection" fallback role (spec.md §4.1).
type yamuxSession struct {
	sess *yamux.Session
	done chan struct{}
	once sync.Once
}

func newYamuxSession(sess *yamux.Session) *yamuxSession {
	s := &yamuxSession{sess: sess, done: make(chan struct{})}
	go func() {
		<-sess.CloseChan()
		s.markDone()
	}()
	return s
}

func (s *yamuxSession) markDone() {
	s.once.Do(func() { close(s.done) })
}

func (s *yamuxSession) OpenStream(ctx context.Context) (Stream, error) {
	type result struct {
		st  *yamux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := s.sess.OpenStream()
		ch <- result{st, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("opening yamux stream: %w", r.err)
		}
		return yamuxStream{r.st}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *yamuxSession) AcceptStream(ctx context.Context) (Stream, error) {
	type result struct {
		st  *yamux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := s.sess.AcceptStream()
		ch <- result{st, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return yamuxStream{r.st}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *yamuxSession) Close(reason string) error {
	defer s.markDone()
	_ = reason // yamux carries no close-reason channel; logged by caller
	return s.sess.Close()
}

func (s *yamuxSession) Done() <-chan struct{} { return s.done }

// halfCloser is implemented by yamux.Stream in recent releases.
type halfCloser interface {
	CloseWrite() error
}

type yamuxStream struct {
	*yamux.Stream
}

func (s yamuxStream) CloseWrite() error {
	if hc, ok := any(s.Stream).(halfCloser); ok {
		return hc.CloseWrite()
	}
	return s.Stream.Close()
}

// DialYamux dials addr with dial and establishes a yamux client session on
// top — the TCP fallback transport. No TLS is layered here: the connection
// is encrypted only if dial itself returns a TLS connection.
func DialYamux(ctx context.Context, addr string, dial func(ctx context.Context, network, addr string) (net.Conn, error)) (Session, error) {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialling fallback transport: %w", err)
	}
	sess, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("establishing yamux client session: %w", err)
	}
	return newYamuxSession(sess), nil
}

// ServeYamux wraps an already-accepted connection (raw TCP/TLS, or an
// adapted websocket pipe) as a yamux server session — used by the relay's
// fallback listeners.
func ServeYamux(conn net.Conn) (Session, error) {
	sess, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("establishing yamux server session: %w", err)
	}
	return newYamuxSession(sess), nil
}
