package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Dial establishes a Session to addr using the given transport mode. addr
// is a host:port for ModeQUIC/ModeTCP, or a ws(s):// URL for
// ModeWebSocket. For ModeTCP with a nil dialNet the connection is plain
// TCP without TLS, and insecureSkipVerify is not used.
func Dial(ctx context.Context, mode Mode, addr string, insecureSkipVerify bool, dialNet func(ctx context.Context, network, addr string) (net.Conn, error)) (Session, error) {
	switch mode {
	case ModeQUIC:
		return DialQUIC(ctx, addr, insecureSkipVerify)
	case ModeTCP:
		if dialNet == nil {
			dialNet = (&net.Dialer{}).DialContext
		}
		return DialYamux(ctx, addr, dialNet)
	case ModeWebSocket:
		var tlsConf *tls.Config
		if insecureSkipVerify {
			tlsConf = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // agent dev-mode opt-in
		}
		return DialWebSocket(ctx, addr, tlsConf)
	default:
		return nil, fmt.Errorf("transport: unknown mode %q", mode)
	}
}
