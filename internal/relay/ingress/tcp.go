package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/relaymesh/relaymesh/internal/relay/routing"
	"github.com/relaymesh/relaymesh/internal/relay/tunnel"
)

// TCPRangeListener binds every port in the configured range at startup
// (spec.md §4.5 "TCP port-range listener").
type TCPRangeListener struct {
	Table    *routing.Table
	Resolver Resolver
	Range    routing.PortRange
	BindHost string // defaults to all interfaces when empty
}

// Serve binds every port in the range and blocks until ctx is cancelled
// or a bind fails.
func (l *TCPRangeListener) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for p := l.Range.Low; ; p++ {
		port := p
		ln, err := net.Listen("tcp", net.JoinHostPort(l.BindHost, strconv.Itoa(int(port))))
		if err != nil {
			return fmt.Errorf("binding tcp port %d: %w", port, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.serveOne(ctx, port, ln); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}()
		if port == l.Range.High {
			break
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		<-done
		return nil
	case err := <-errCh:
		return err
	}
}

func (l *TCPRangeListener) serveOne(ctx context.Context, port uint16, ln net.Listener) error {
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
		go l.handle(ctx, port, conn)
	}
}

func (l *TCPRangeListener) handle(ctx context.Context, port uint16, conn net.Conn) {
	entry, ok := l.Table.LookupPort(port)
	if !ok {
		// "If no binding owns that port, the relay closes the connection."
		conn.Close()
		return
	}
	t, ok := l.Resolver.Tunnel(entry.TunnelID)
	if !ok {
		conn.Close()
		return
	}
	if err := tunnel.DispatchTCP(ctx, conn, entry, t, port); err != nil {
		slog.Warn("tcp: dispatch failed", "port", port, "err", err)
	}
}
