package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/internal/relay/ingress"
	"github.com/relaymesh/relaymesh/internal/relay/routing"
	"github.com/relaymesh/relaymesh/internal/relay/tunnel"
	"github.com/relaymesh/relaymesh/internal/transport"
	"github.com/relaymesh/relaymesh/internal/wire"
)

// Server is the relay: it accepts agent control connections, maintains
// the routing table, and runs the four public ingress listeners
// (spec.md §4).
type Server struct {
	cfg   *Config
	pool  *tunnel.Pool
	table *routing.Table

	control transport.ControlListener

	mu       sync.Mutex
	cancel   context.CancelFunc
	draining bool
}

// NewServer creates a configured relay server.
func NewServer(cfg *Config) *Server {
	return &Server{
		cfg:   cfg,
		pool:  tunnel.NewPool(),
		table: routing.New(cfg.Ingress.PortRange(), cfg.BaseDomain),
	}
}

// Tunnel implements ingress.Resolver.
func (s *Server) Tunnel(id string) (*tunnel.Tunnel, bool) { return s.pool.Get(id) }

// RouteSnapshot is the admin introspection view (SPEC_FULL.md §12.4).
type RouteSnapshot struct {
	Routes routing.Snapshot
	Stats  map[string]tunnel.Stats // tunnel_id -> stats
}

// Snapshot returns a point-in-time view of the routing table and
// per-tunnel statistics, for an external admin surface to poll.
func (s *Server) Snapshot() RouteSnapshot {
	stats := make(map[string]tunnel.Stats)
	for _, t := range s.pool.All() {
		stats[t.ID()] = t.Stats()
	}
	return RouteSnapshot{Routes: s.table.Snapshot(), Stats: stats}
}

// Run starts the control listener and all four ingress listeners,
// blocking until ctx is cancelled or a fatal listener error occurs.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	control, err := s.listenControl()
	if err != nil {
		return fmt.Errorf("starting control listener: %w", err)
	}
	s.control = control
	defer control.Close()

	errCh := make(chan error, 6)
	go func() { errCh <- s.acceptControlLoop(ctx) }()
	go func() { errCh <- s.serveHTTP(ctx) }()
	go func() { errCh <- s.serveHTTPS(ctx) }()
	go func() { errCh <- s.serveTLSPassthrough(ctx) }()
	go func() { errCh <- s.serveAdmin(ctx) }()
	go func() {
		tcp := &ingress.TCPRangeListener{Table: s.table, Resolver: s, Range: s.cfg.Ingress.PortRange()}
		errCh <- tcp.Serve(ctx)
	}()

	slog.Info("relay server starting",
		"control", s.cfg.Control.Addr, "http", s.cfg.Ingress.HTTPAddr,
		"https", s.cfg.Ingress.HTTPSAddr, "tls_passthrough", s.cfg.Ingress.TLSPassthroughAddr,
		"tcp_range", fmt.Sprintf("%d-%d", s.cfg.Ingress.TCPPortLow, s.cfg.Ingress.TCPPortHigh))

	// A disabled listener returns nil at once; only a real error ends Run.
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				return err
			}
		}
	}
}

// Shutdown drains every connected agent with a Disconnect{"draining"}
// frame, then stops accepting new connections (spec.md §12.5).
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.draining = true
	cancel := s.cancel
	s.mu.Unlock()

	for _, t := range s.pool.All() {
		t.Close("draining")
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Server) listenControl() (transport.ControlListener, error) {
	switch s.cfg.Control.ModeValue() {
	case transport.ModeQUIC:
		tlsConf, err := s.serverTLSConfig([]string{transport.ALPNProtocol})
		if err != nil {
			return nil, err
		}
		ln, err := transport.ListenQUIC(s.cfg.Control.Addr, tlsConf)
		if err != nil {
			return nil, err
		}
		return transport.QUICControlListener{QUICListener: ln}, nil
	case transport.ModeTCP:
		var tlsConf *tls.Config
		if s.cfg.TLS.Enabled {
			var err error
			tlsConf, err = s.serverTLSConfig(nil)
			if err != nil {
				return nil, err
			}
		}
		ln, err := transport.ListenTCPYamux(s.cfg.Control.Addr, tlsConf)
		if err != nil {
			return nil, err
		}
		return ln, nil
	case transport.ModeWebSocket:
		upgrader := transport.NewWebSocketUpgrader()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/", upgrader)
			http.ListenAndServe(s.cfg.Control.Addr, mux) //nolint:errcheck // surfaced via Accept() failing
		}()
		return transport.WebSocketControlListener{WebSocketUpgrader: upgrader}, nil
	default:
		return nil, fmt.Errorf("unknown control transport mode %q", s.cfg.Control.Mode)
	}
}

func (s *Server) serverTLSConfig(alpn []string) (*tls.Config, error) {
	if !s.cfg.TLS.Enabled {
		return nil, fmt.Errorf("control transport requires tls.enabled for this mode")
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading relay certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: alpn}, nil
}

// acceptControlLoop accepts agent sessions and runs the registration
// handshake (spec.md §4.3) on each.
func (s *Server) acceptControlLoop(ctx context.Context) error {
	for {
		sess, err := s.control.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting control session: %w", err)
			}
		}
		go s.registerAgent(ctx, sess)
	}
}

func (s *Server) registerAgent(ctx context.Context, sess transport.Session) {
	control, err := sess.AcceptStream(ctx)
	if err != nil {
		sess.Close("no control stream opened")
		return
	}

	f, err := wire.ReadFrame(control)
	if err != nil || f.Tag != wire.TagConnect {
		sess.Close("expected Connect as first frame")
		return
	}

	subject, err := ValidateToken(s.cfg.Auth.SharedSecret, f.AuthToken)
	if err != nil {
		slog.Warn("agent auth failed", "err", err)
		_ = wire.WriteFrame(control, &wire.Frame{Tag: wire.TagDisconnect, Reason: "auth failed"})
		sess.Close("auth failed")
		return
	}

	tunnelID := f.TunnelIDHint
	if tunnelID == "" {
		tunnelID = uuid.NewString()
	} else if _, taken := s.pool.Get(tunnelID); taken {
		tunnelID = uuid.NewString()
	}

	endpoints, err := s.table.Register(tunnelID, sess, f.Protocols)
	if err != nil {
		slog.Warn("agent registration rejected", "tunnel", tunnelID, "subject", subject, "err", err)
		_ = wire.WriteFrame(control, &wire.Frame{Tag: wire.TagDisconnect, Reason: err.Error()})
		sess.Close(err.Error())
		return
	}

	for i := range endpoints {
		endpoints[i].PublicURL = s.publicURL(endpoints[i])
	}

	if err := wire.WriteFrame(control, &wire.Frame{
		Tag:       wire.TagConnected,
		TunnelID:  tunnelID,
		Endpoints: endpoints,
	}); err != nil {
		s.table.Unregister(tunnelID)
		sess.Close("failed to send Connected")
		return
	}

	t := tunnel.NewTunnel(tunnelID, sess, control, s.cfg.Tunnel.PingInterval, func(id, reason string) {
		s.table.Unregister(id)
	})
	s.pool.Add(t)
	slog.Info("agent connected", "tunnel", tunnelID, "subject", subject, "bindings", len(endpoints))
}

func (s *Server) publicURL(ep wire.Endpoint) string {
	switch ep.Binding.Kind {
	case wire.BindingHTTP:
		return fmt.Sprintf("http://%s.%s", ep.Binding.Subdomain, s.cfg.BaseDomain)
	case wire.BindingHTTPS:
		return fmt.Sprintf("https://%s.%s", ep.Binding.Subdomain, s.cfg.BaseDomain)
	case wire.BindingTCP:
		return fmt.Sprintf("tcp://%s:%d", s.cfg.BaseDomain, ep.Port)
	case wire.BindingTLS:
		return fmt.Sprintf("tls://%s", ep.Binding.SNIPattern)
	default:
		return ""
	}
}

func (s *Server) serveHTTP(ctx context.Context) error {
	if s.cfg.Ingress.HTTPAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Ingress.HTTPAddr)
	if err != nil {
		return fmt.Errorf("binding http listener: %w", err)
	}
	l := &ingress.HTTPListener{Table: s.table, Resolver: s, IdleTimeout: s.cfg.Tunnel.IdleConnTimeout}
	return l.Serve(ctx, ln)
}

func (s *Server) serveHTTPS(ctx context.Context) error {
	if s.cfg.Ingress.HTTPSAddr == "" || !s.cfg.TLS.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Ingress.HTTPSAddr)
	if err != nil {
		return fmt.Errorf("binding https listener: %w", err)
	}
	tlsConf, err := s.serverTLSConfig(nil)
	if err != nil {
		return err
	}
	l := &ingress.HTTPSListener{Table: s.table, Resolver: s, TLSConfig: tlsConf, IdleTimeout: s.cfg.Tunnel.IdleConnTimeout}
	return l.Serve(ctx, ln)
}

func (s *Server) serveTLSPassthrough(ctx context.Context) error {
	if s.cfg.Ingress.TLSPassthroughAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Ingress.TLSPassthroughAddr)
	if err != nil {
		return fmt.Errorf("binding tls passthrough listener: %w", err)
	}
	l := &ingress.TLSPassthroughListener{Table: s.table, Resolver: s, IdleTimeout: s.cfg.Tunnel.IdleConnTimeout}
	return l.Serve(ctx, ln)
}

// serveAdmin serves the single-route JSON introspection hook (SPEC_FULL.md
// §12.4) when admin.addr is configured. It is deliberately not a REST API:
// one GET route, one JSON body, no auth beyond network placement, meant for
// relaymeshctl route show and similar local tooling.
func (s *Server) serveAdmin(ctx context.Context) error {
	if s.cfg.Admin.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
			slog.Error("admin snapshot encode failed", "err", err)
		}
	})
	srv := &http.Server{Addr: s.cfg.Admin.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin listener: %w", err)
	}
	return nil
}
