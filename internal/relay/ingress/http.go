package ingress

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/relaymesh/relaymesh/internal/relay/routing"
	"github.com/relaymesh/relaymesh/internal/relay/tunnel"
)

// Resolver is the subset of the relay server an ingress listener needs:
// look a routing key up, then get the tunnel that owns it.
type Resolver interface {
	Tunnel(id string) (*tunnel.Tunnel, bool)
}

// HTTPListener is the plaintext HTTP ingress listener (spec.md §4.5).
type HTTPListener struct {
	Table       *routing.Table
	Resolver    Resolver
	IdleTimeout time.Duration
}

// Serve accepts connections on ln until ctx is cancelled.
func (l *HTTPListener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handle(ctx, conn)
	}
}

func (l *HTTPListener) handle(ctx context.Context, conn net.Conn) {
	if l.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(l.IdleTimeout))
	}
	bc := newBufferedConn(conn)
	host, raw, err := readRequestHead(bc.r)
	if err != nil {
		conn.Close()
		return
	}
	if l.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Time{})
	}

	entry, ok := l.Table.LookupHost(host)
	if !ok {
		slog.Debug("http: no route", "host", host)
		writeBadGateway(conn)
		conn.Close()
		return
	}
	t, ok := l.Resolver.Tunnel(entry.TunnelID)
	if !ok {
		conn.Close()
		return
	}

	if err := tunnel.DispatchHTTP(ctx, bc, entry, t, raw); err != nil {
		slog.Warn("http: dispatch failed", "host", host, "err", err)
	}
}
