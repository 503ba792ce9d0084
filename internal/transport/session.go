// Package transport provides the Session/Stream abstraction that the relay
// and agent drive their protocol over (spec.md §4.1). QUIC
// (github.com/quic-go/quic-go) is the primary realization; a TCP/TLS and a
// WebSocket fallback both multiplex many logical Streams over one physical
// connection using github.com/hashicorp/yamux, matching spec.md's
// requirement that all three transports expose the same stream contract.
package transport

import (
	"context"
	"io"
)

// Mode names a transport realization. Carried in config, not on the wire —
// each side is configured with the mode its counterpart listens/dials on.
type Mode string

const (
	ModeQUIC      Mode = "quic"
	ModeTCP       Mode = "tcp"       // yamux over raw TCP/TLS
	ModeWebSocket Mode = "websocket" // yamux over a websocket carrier
)

// Stream is one bidirectional byte stream on a Session. Close finalizes
// both directions; CloseWrite half-closes only the write direction,
// letting the peer observe EOF on reads while this side may still read
// (spec.md §4.1(b): stream close is half-duplex).
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
}

// Session is an authenticated, stream-multiplexed connection between an
// agent and the relay. Streams are independent: a blocked read on one must
// never stall another (spec.md §4.1(a), P5).
type Session interface {
	// OpenStream opens a new bidirectional stream. Safe for concurrent
	// callers (spec.md §5).
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream blocks until the peer opens a new stream, or the
	// session closes.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close tears down the session and all of its streams, recording
	// reason for diagnostics.
	Close(reason string) error

	// Done is closed when the session is no longer usable (explicit
	// Close, or transport loss).
	Done() <-chan struct{}
}
