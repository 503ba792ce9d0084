package agent

import (
	"context"
	"log/slog"
	"time"
)

// Agent manages the lifecycle of the tunnel connection to the relay,
// including automatic reconnection with exponential backoff.
type Agent struct {
	cfg       *Config
	forwarder *Forwarder
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	allowlist, err := NewAllowlist(cfg.Allow.Networks, cfg.Allow.Ports)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:       cfg,
		forwarder: NewForwarder(cfg.Local, allowlist),
	}, nil
}

// Run enters the reconnect loop. It blocks until the context is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	return a.reconnectLoop(ctx)
}

// reconnectLoop continuously attempts to connect and maintain the
// tunnel, backing off exponentially between attempts up to
// cfg.Tunnel.MaxReconnectDelay.
func (a *Agent) reconnectLoop(ctx context.Context) error {
	delay := a.cfg.Tunnel.ReconnectDelay
	for {
		err := a.runTunnel(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("tunnel disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = delay * 2
		if delay > a.cfg.Tunnel.MaxReconnectDelay {
			delay = a.cfg.Tunnel.MaxReconnectDelay
		}
	}
}

// runTunnel connects to the relay and blocks until the tunnel dies or
// the context is cancelled.
func (a *Agent) runTunnel(ctx context.Context) error {
	t, err := Connect(ctx, a.cfg, a.forwarder)
	if err != nil {
		return err
	}
	defer t.Close("")

	slog.Info("tunnel established", "tunnel", t.ID())

	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		t.Close("agent shutting down")
		return ctx.Err()
	}
}
