package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/transport"
	"github.com/relaymesh/relaymesh/internal/wire"
)

// Tunnel is the agent side of one control connection to the relay: it
// owns the transport session, answers liveness pings on the control
// stream, and hands every accepted data stream to a Forwarder (spec.md
// §4.3, §4.6, §4.7).
type Tunnel struct {
	session transport.Session
	control transport.Stream

	tunnelID  string
	endpoints []wire.Endpoint

	forwarder *Forwarder

	writeMu sync.Mutex

	pingInterval time.Duration

	lastSeenMu sync.Mutex
	lastSeen   time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the relay's control transport, performs the Connect /
// Connected handshake, and returns a running Tunnel that is already
// accepting data streams.
func Connect(ctx context.Context, cfg *Config, forwarder *Forwarder) (*Tunnel, error) {
	session, err := transport.Dial(ctx, cfg.Relay.ModeValue(), cfg.Relay.Addr, cfg.Relay.InsecureSkipVerify, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}

	control, err := session.OpenStream(ctx)
	if err != nil {
		session.Close("failed to open control stream")
		return nil, fmt.Errorf("opening control stream: %w", err)
	}

	protocols := make([]wire.Binding, 0, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		wb, err := b.ToWire()
		if err != nil {
			session.Close("invalid binding configuration")
			return nil, err
		}
		protocols = append(protocols, wb)
	}

	connectFrame := &wire.Frame{
		Tag:          wire.TagConnect,
		TunnelIDHint: cfg.Tunnel.TunnelIDHint,
		AuthToken:    cfg.Auth.Token,
		Protocols:    protocols,
		Config: wire.TunnelConfig{
			LocalHost:  cfg.Local.Host,
			LocalPort:  cfg.Local.Port,
			LocalHTTPS: cfg.Local.HTTPS,
		},
	}
	if err := wire.WriteFrame(control, connectFrame); err != nil {
		session.Close("failed to send Connect")
		return nil, fmt.Errorf("sending connect frame: %w", err)
	}

	reply, err := wire.ReadFrame(control)
	if err != nil {
		session.Close("no reply to Connect")
		return nil, fmt.Errorf("reading connect reply: %w", err)
	}
	switch reply.Tag {
	case wire.TagConnected:
		// fall through
	case wire.TagDisconnect:
		session.Close(reply.Reason)
		return nil, fmt.Errorf("relay refused connection: %s", reply.Reason)
	default:
		session.Close("unexpected reply to Connect")
		return nil, fmt.Errorf("unexpected frame tag %v in reply to Connect", reply.Tag)
	}

	t := &Tunnel{
		session:      session,
		control:      control,
		tunnelID:     reply.TunnelID,
		endpoints:    reply.Endpoints,
		forwarder:    forwarder,
		pingInterval: cfg.Tunnel.PingInterval,
		lastSeen:     time.Now(),
		done:         make(chan struct{}),
	}

	for _, ep := range reply.Endpoints {
		slog.Info("tunnel endpoint granted", "tunnel", t.tunnelID, "url", ep.PublicURL)
	}

	go t.readLoop()
	go t.livenessLoop()
	go t.acceptLoop(ctx)

	return t, nil
}

// ID returns the relay-assigned tunnel identifier.
func (t *Tunnel) ID() string { return t.tunnelID }

// Endpoints returns the public endpoints granted at connect time.
func (t *Tunnel) Endpoints() []wire.Endpoint { return t.endpoints }

// Done returns a channel closed when the tunnel has shut down, either
// because the relay dropped it or because of a local liveness timeout.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Close tears the tunnel down, notifying the relay best-effort.
func (t *Tunnel) Close(reason string) {
	t.closeOnce.Do(func() {
		if reason != "" {
			_ = t.sendControl(&wire.Frame{Tag: wire.TagDisconnect, Reason: reason})
		}
		close(t.done)
		t.session.Close(reason)
		slog.Info("agent tunnel closed", "tunnel", t.tunnelID, "reason", reason)
	})
}

func (t *Tunnel) sendControl(f *wire.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wire.WriteFrame(t.control, f)
}

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

// readLoop answers Ping with Pong and watches for an explicit
// Disconnect from the relay — the agent side of the liveness contract
// internal/relay/tunnel implements on the other end.
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
		case wire.TagPing:
			if err := t.sendControl(&wire.Frame{Tag: wire.TagPong, Timestamp: f.Timestamp}); err != nil {
				t.Close(fmt.Sprintf("pong write failed: %v", err))
				return
			}
		case wire.TagDisconnect:
			t.Close(f.Reason)
			return
		default:
			slog.Warn("unexpected control frame from relay", "tunnel", t.tunnelID, "tag", f.Tag)
		}
	}
}

// livenessLoop mirrors the relay's: if nothing arrives on the control
// stream for 3x the ping interval, the connection is presumed dead and
// the caller's reconnect loop takes over.
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

// acceptLoop accepts every data stream the relay opens and hands it to
// the forwarder, which mirrors the relay's own dispatch (spec.md §4.6).
func (t *Tunnel) acceptLoop(ctx context.Context) {
	for {
		stream, err := t.session.AcceptStream(ctx)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				t.Close(fmt.Sprintf("accept stream failed: %v", err))
				return
			}
		}
		go t.forwarder.Handle(stream)
	}
}
