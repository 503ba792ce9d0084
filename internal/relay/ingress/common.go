// Package ingress implements the relay's four public-facing listeners
// (spec.md §4.5): HTTP, HTTPS (terminating), TLS passthrough, and the TCP
// port range. Each listener's only job is to accept a public connection,
// compute a routing key, resolve it against the routing table, and hand
// the connection off to the relay's stream dispatcher.
package ingress

import (
	"bufio"
	"fmt"
	"net"
	"strings"
)

// bufferedConn wraps a net.Conn with a bufio.Reader so request-head
// parsing can read ahead without losing any bytes the underlying socket
// already delivered: all subsequent reads (the byte-copy loop in
// tunnel.DispatchHTTP) go through the same buffer.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(c net.Conn) *bufferedConn {
	return &bufferedConn{Conn: c, r: bufio.NewReaderSize(c, 4096)}
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// readRequestHead reads an HTTP request line and headers (up to the
// blank line terminating them), returning the raw bytes read and the
// Host header value. It does not consume the body.
func readRequestHead(r *bufio.Reader) (host string, raw []byte, err error) {
	var buf []byte
	for {
		line, err := r.ReadString('\n')
		buf = append(buf, line...)
		if err != nil {
			return "", buf, fmt.Errorf("reading request head: %w", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if h, ok := strings.CutPrefix(trimmed, "Host:"); ok {
			host = strings.TrimSpace(h)
		} else if h, ok := strings.CutPrefix(trimmed, "host:"); ok {
			host = strings.TrimSpace(h)
		}
	}
	// strip a trailing :port, matching routing keys which are host-only.
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
	}
	return host, buf, nil
}

// badGatewayBody is the short plaintext body sent with every 502
// response (spec.md §4.5/§4.9/§7: routing miss -> 502 Bad Gateway).
const badGatewayBody = "no tunnel is bound to this host\n"

// writeBadGateway writes a minimal HTTP/1.1 502 response to w before the
// caller closes the connection.
func writeBadGateway(w net.Conn) {
	resp := fmt.Sprintf(
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(badGatewayBody), badGatewayBody)
	w.Write([]byte(resp))
}
