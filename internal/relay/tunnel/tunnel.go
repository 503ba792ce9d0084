// Package tunnel holds the relay-side Tunnel type, the pool of connected
// tunnels, and the stream dispatcher that couples a public connection to
// an agent's data stream (spec.md §4.6, §4.7). It is split out from
// package relay so the ingress listeners can depend on it without
// importing the relay server itself.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/transport"
	"github.com/relaymesh/relaymesh/internal/wire"
)

// Tunnel represents one connected agent on the relay side: its transport
// session, its control stream, and the liveness/statistics bookkeeping
// spec.md §4.7 and SPEC_FULL.md §12.3 describe.
type Tunnel struct {
	id      string
	session transport.Session
	control transport.Stream

	writeMu sync.Mutex // serializes control-stream writes

	pingInterval time.Duration

	lastSeenMu sync.Mutex
	lastSeen   time.Time

	done      chan struct{}
	closeOnce sync.Once

	onDead func(id string, reason string)

	statsMu     sync.Mutex
	connectedAt time.Time
	openStreams int
	bytesIn     uint64
	bytesOut    uint64
}

// Stats is a point-in-time read of a tunnel's operational counters
// (SPEC_FULL.md §12.3).
type Stats struct {
	ConnectedSince time.Time
	OpenStreams    int
	BytesIn        uint64
	BytesOut       uint64
}

// NewTunnel wraps an agent's transport session for multiplexed
// communication. onDead is invoked exactly once, with the reason the
// tunnel died (ping timeout, read error, or explicit Disconnect), so the
// caller can unregister it from the routing table (spec.md §4.7).
func NewTunnel(id string, session transport.Session, control transport.Stream, pingInterval time.Duration, onDead func(id, reason string)) *Tunnel {
	t := &Tunnel{
		id:           id,
		session:      session,
		control:      control,
		pingInterval: pingInterval,
		lastSeen:     time.Now(),
		connectedAt:  time.Now(),
		done:         make(chan struct{}),
		onDead:       onDead,
	}
	go t.readLoop()
	go t.pingLoop()
	go t.livenessLoop()
	return t
}

// ID returns the tunnel identifier.
func (t *Tunnel) ID() string { return t.id }

// OpenDataStream opens a fresh stream on the agent's transport session for
// carrying one public connection's bytes (spec.md §4.6).
func (t *Tunnel) OpenDataStream(ctx context.Context) (transport.Stream, error) {
	return t.session.OpenStream(ctx)
}

// SendControl writes a frame to the control stream, serialized against
// concurrent ping writes.
func (t *Tunnel) SendControl(f *wire.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wire.WriteFrame(t.control, f)
}

// Close tears the tunnel down, optionally sending a Disconnect frame
// first (best-effort; spec.md §12.5 graceful drain).
func (t *Tunnel) Close(reason string) {
	t.closeOnce.Do(func() {
		if reason != "" {
			_ = t.SendControl(&wire.Frame{Tag: wire.TagDisconnect, Reason: reason})
		}
		close(t.done)
		t.session.Close(reason)
		if t.onDead != nil {
			t.onDead(t.id, reason)
		}
		slog.Info("tunnel closed", "id", t.id, "reason", reason)
	})
}

// Done returns a channel closed when the tunnel shuts down.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

func (t *Tunnel) touch() {
	t.lastSeenMu.Lock()
	t.lastSeen = time.Now()
	t.lastSeenMu.Unlock()
}

func (t *Tunnel) sinceLastSeen() time.Duration {
	t.lastSeenMu.Lock()
	defer t.lastSeenMu.Unlock()
	return time.Since(t.lastSeen)
}

// IncStreams/DecStreams/RecordBytes are called by the dispatcher as data
// streams open, close, and move bytes (SPEC_FULL.md §12.3).
func (t *Tunnel) IncStreams() {
	t.statsMu.Lock()
	t.openStreams++
	t.statsMu.Unlock()
}

func (t *Tunnel) DecStreams() {
	t.statsMu.Lock()
	if t.openStreams > 0 {
		t.openStreams--
	}
	t.statsMu.Unlock()
}

func (t *Tunnel) RecordBytes(in, out uint64) {
	t.statsMu.Lock()
	t.bytesIn += in
	t.bytesOut += out
	t.statsMu.Unlock()
}

func (t *Tunnel) Stats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return Stats{
		ConnectedSince: t.connectedAt,
		OpenStreams:    t.openStreams,
		BytesIn:        t.bytesIn,
		BytesOut:       t.bytesOut,
	}
}

// readLoop reads control-stream frames: Pong refreshes liveness,
// Disconnect tears the tunnel down, anything else is logged and ignored
// (the control stream carries no data payloads — spec.md §4.7).
func (t *Tunnel) readLoop() {
	for {
		f, err := wire.ReadFrame(t.control)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				t.Close(fmt.Sprintf("control read error: %v", err))
				return
			}
		}
		t.touch()
		switch f.Tag {
		case wire.TagPong:
			// liveness already refreshed above.
		case wire.TagDisconnect:
			t.Close(f.Reason)
			return
		default:
			slog.Warn("unexpected control frame from agent", "tunnel", t.id, "tag", f.Tag)
		}
	}
}

// pingLoop sends Ping frames at the configured interval (spec.md §4.7,
// default 15s).
func (t *Tunnel) pingLoop() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f := &wire.Frame{Tag: wire.TagPing, Timestamp: uint64(time.Now().Unix())}
			if err := t.SendControl(f); err != nil {
				t.Close(fmt.Sprintf("ping write failed: %v", err))
				return
			}
		case <-t.done:
			return
		}
	}
}

// livenessLoop declares the tunnel dead if nothing has been received on
// the control stream for 3x the ping interval (spec.md §4.7, P7).
func (t *Tunnel) livenessLoop() {
	deadline := 3 * t.pingInterval
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if t.sinceLastSeen() > deadline {
				t.Close("liveness timeout")
				return
			}
		case <-t.done:
			return
		}
	}
}
