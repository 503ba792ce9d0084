package agent

import (
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/relaymesh/relaymesh/internal/wire"
)

// copyChunkSize mirrors the relay's bounded-buffer requirement (spec.md
// §4.6): never hold more than a small chunk per direction.
const copyChunkSize = 64 * 1024

// Forwarder handles one freshly accepted data stream: it mirrors the
// relay's dispatch (spec.md §4.6 "The agent mirrors the dispatch").
type Forwarder struct {
	local     LocalConfig
	allowlist *Allowlist
}

// NewForwarder builds a Forwarder for the configured local target and
// allowlist.
func NewForwarder(local LocalConfig, allowlist *Allowlist) *Forwarder {
	return &Forwarder{local: local, allowlist: allowlist}
}

type streamHalfCloser interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
	Close() error
}

// Handle reads the connect frame off stream, evaluates the allowlist,
// dials the local target, and couples the two endpoints until either
// closes.
func (f *Forwarder) Handle(stream streamHalfCloser) {
	defer stream.Close()

	connect, err := wire.ReadFrame(stream)
	if err != nil {
		return
	}

	var kind streamKind
	switch connect.Tag {
	case wire.TagHTTPStreamConnect:
		kind = kindHTTP
	case wire.TagTCPConnect:
		kind = kindTCP
	default:
		slog.Warn("forwarder: unexpected connect frame", "tag", connect.Tag)
		return
	}

	if !f.allowlist.Allow(f.local.Host, int(f.local.Port)) {
		slog.Warn("forwarder: destination denied by allowlist", "host", f.local.Host, "port", f.local.Port)
		_ = wire.WriteFrame(stream, &wire.Frame{Tag: kind.closeTag()})
		return
	}

	addr := net.JoinHostPort(f.local.Host, strconv.Itoa(int(f.local.Port)))
	conn, err := f.dialLocal(addr)
	if err != nil {
		slog.Warn("forwarder: dialing local target failed", "addr", addr, "err", err)
		_ = wire.WriteFrame(stream, &wire.Frame{Tag: kind.closeTag()})
		return
	}

	if len(connect.InitialData) > 0 {
		if _, err := conn.Write(connect.InitialData); err != nil {
			conn.Close()
			return
		}
	}

	coupleConn(conn, stream, kind)
}

func (f *Forwarder) dialLocal(addr string) (net.Conn, error) {
	if f.local.HTTPS {
		// Loopback leg: skip certificate verification by default
		// (spec.md §4.6 step 2).
		return tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // loopback leg per spec
	}
	return net.Dial("tcp", addr)
}

// streamKind distinguishes HTTP-family frame tags from raw TCP ones,
// mirroring internal/relay/tunnel's dispatch side.
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

func coupleConn(conn net.Conn, stream streamHalfCloser, kind streamKind) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpLocalToStream(conn, stream, kind)
	}()
	go func() {
		defer wg.Done()
		pumpStreamToLocal(stream, conn, kind)
	}()
	wg.Wait()
	conn.Close()
}

func pumpLocalToStream(conn net.Conn, stream streamHalfCloser, kind streamKind) {
	buf := make([]byte, copyChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := wire.WriteFrame(stream, &wire.Frame{Tag: kind.dataTag(), Data: chunk}); werr != nil {
				return
			}
		}
		if err != nil {
			_ = wire.WriteFrame(stream, &wire.Frame{Tag: kind.closeTag()})
			_ = stream.CloseWrite()
			return
		}
	}
}

func pumpStreamToLocal(stream streamHalfCloser, conn net.Conn, kind streamKind) {
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
		case kind.closeTag():
			closeWrite(conn)
			return
		default:
			slog.Warn("forwarder: unexpected frame on data stream", "tag", f.Tag)
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

