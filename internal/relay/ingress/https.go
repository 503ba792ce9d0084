package ingress

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/relaymesh/relaymesh/internal/relay/routing"
	"github.com/relaymesh/relaymesh/internal/relay/tunnel"
)

// HTTPSListener terminates TLS using the relay's configured certificate,
// then dispatches exactly like HTTPListener on the decrypted bytes
// (spec.md §4.5 "terminating").
type HTTPSListener struct {
	Table       *routing.Table
	Resolver    Resolver
	TLSConfig   *tls.Config
	IdleTimeout time.Duration
}

func (l *HTTPSListener) Serve(ctx context.Context, ln net.Listener) error {
	tlsLn := tls.NewListener(ln, l.TLSConfig)
	go func() {
		<-ctx.Done()
		tlsLn.Close()
	}()
	for {
		conn, err := tlsLn.Accept()
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

func (l *HTTPSListener) handle(ctx context.Context, conn net.Conn) {
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
		slog.Debug("https: no route", "host", host)
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
		slog.Warn("https: dispatch failed", "host", host, "err", err)
	}
}
