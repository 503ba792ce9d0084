package ingress

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/relaymesh/relaymesh/internal/relay/routing"
	"github.com/relaymesh/relaymesh/internal/relay/tunnel"
)

// TLSPassthroughListener routes by SNI without terminating TLS: the
// relay never decrypts (spec.md §4.5).
type TLSPassthroughListener struct {
	Table       *routing.Table
	Resolver    Resolver
	IdleTimeout time.Duration
}

func (l *TLSPassthroughListener) Serve(ctx context.Context, ln net.Listener) error {
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

func (l *TLSPassthroughListener) handle(ctx context.Context, conn net.Conn) {
	if l.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(l.IdleTimeout))
	}
	sni, raw, err := peekClientHelloSNI(conn)
	if err != nil {
		slog.Debug("tls passthrough: sni sniff failed", "err", err)
		conn.Close()
		return
	}
	if l.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Time{})
	}

	entry, ok := l.Table.LookupSNI(sni)
	if !ok {
		// "Closes the connection silently if no match" (spec.md §4.5).
		conn.Close()
		return
	}
	t, ok := l.Resolver.Tunnel(entry.TunnelID)
	if !ok {
		conn.Close()
		return
	}

	// The ClientHello prefix was read straight off conn with no bufio
	// ahead-of-read, so it is fully accounted for as initial_data; conn
	// itself carries every subsequent byte untouched (spec.md §4.5's
	// bounded-prefix requirement).
	if err := tunnel.DispatchHTTP(ctx, conn, entry, t, raw); err != nil {
		slog.Warn("tls passthrough: dispatch failed", "sni", sni, "err", err)
	}
}
