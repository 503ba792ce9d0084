package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/relaymesh/relaymesh/internal/relay/routing"
	"github.com/relaymesh/relaymesh/internal/wire"
)

// copyChunkSize bounds how much of either direction is buffered at once
// (spec.md §4.6 backpressure: "never buffer more than a small, bounded
// chunk (e.g., 64 KiB)").
const copyChunkSize = 64 * 1024

var nextStreamID atomic.Uint64

// streamKind distinguishes which frame tags a coupled pair of sockets
// exchanges: HTTP-family streams use HttpStreamData/HttpStreamClose, raw
// TCP bindings use TcpData/TcpClose (spec.md §4.6).
type streamKind int

const (
	kindHTTP streamKind = iota
	kindTCP
)

func (k streamKind) dataTag() wire.Tag {
	if k == kindTCP {
		return wire.TagTCPData
	}
	return wire.TagHTTPStreamData
}

func (k streamKind) closeTag() wire.Tag {
	if k == kindTCP {
		return wire.TagTCPClose
	}
	return wire.TagHTTPStreamClose
}

// DispatchHTTP is called by the HTTP, HTTPS, and TLS-passthrough
// listeners once a routing lookup has resolved a public connection to a
// tunnel. initialData is whatever bytes were already consumed from conn
// while computing the routing key (the request head, or a TLS ClientHello
// prefix).
func DispatchHTTP(ctx context.Context, conn net.Conn, entry routing.Entry, tunnel *Tunnel, initialData []byte) error {
	return dispatch(ctx, conn, entry, tunnel, kindHTTP, &wire.Frame{
		Tag:         wire.TagHTTPStreamConnect,
		InitialData: initialData,
	})
}

// DispatchTCP is called by the TCP port-range listener.
func DispatchTCP(ctx context.Context, conn net.Conn, entry routing.Entry, tunnel *Tunnel, publicPort uint16) error {
	return dispatch(ctx, conn, entry, tunnel, kindTCP, &wire.Frame{
		Tag:        wire.TagTCPConnect,
		PublicPort: publicPort,
	})
}

func dispatch(ctx context.Context, conn net.Conn, entry routing.Entry, tunnel *Tunnel, kind streamKind, connect *wire.Frame) error {
	stream, err := tunnel.OpenDataStream(ctx)
	if err != nil {
		return fmt.Errorf("opening data stream to tunnel %s: %w", entry.TunnelID, err)
	}

	connect.StreamID = nextStreamID.Add(1)
	if err := wire.WriteFrame(stream, connect); err != nil {
		stream.Close()
		return fmt.Errorf("sending connect frame to tunnel %s: %w", entry.TunnelID, err)
	}

	tunnel.IncStreams()
	defer tunnel.DecStreams()

	coupleConn(conn, stream, kind, tunnel)
	return nil
}

// coupleConn runs the bidirectional byte-copy loop between a public
// socket and a wire-framed data stream until both directions have
// finished (spec.md §4.6).
func coupleConn(conn net.Conn, stream streamHalfCloser, kind streamKind, tunnel *Tunnel) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpPublicToStream(conn, stream, kind, tunnel)
	}()
	go func() {
		defer wg.Done()
		pumpStreamToPublic(stream, conn, kind, tunnel)
	}()
	wg.Wait()
	stream.Close()
	conn.Close()
}

// streamHalfCloser is the subset of transport.Stream coupleConn needs;
// kept narrow so tests can supply an in-memory fake.
type streamHalfCloser interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
	Close() error
}

func pumpPublicToStream(conn net.Conn, stream streamHalfCloser, kind streamKind, tunnel *Tunnel) {
	buf := make([]byte, copyChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := wire.WriteFrame(stream, &wire.Frame{Tag: kind.dataTag(), Data: chunk}); werr != nil {
				return
			}
			if tunnel != nil {
				tunnel.RecordBytes(0, uint64(n))
			}
		}
		if err != nil {
			_ = wire.WriteFrame(stream, &wire.Frame{Tag: kind.closeTag()})
			_ = stream.CloseWrite()
			return
		}
	}
}

func pumpStreamToPublic(stream streamHalfCloser, conn net.Conn, kind streamKind, tunnel *Tunnel) {
	for {
		f, err := wire.ReadFrame(stream)
		if err != nil {
			closeWrite(conn)
			return
		}
		switch f.Tag {
		case kind.dataTag():
			if len(f.Data) == 0 {
				continue
			}
			if _, werr := conn.Write(f.Data); werr != nil {
				return
			}
			if tunnel != nil {
				tunnel.RecordBytes(uint64(len(f.Data)), 0)
			}
		case kind.closeTag():
			closeWrite(conn)
			return
		default:
			slog.Warn("unexpected frame on data stream", "tag", f.Tag)
		}
	}
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
