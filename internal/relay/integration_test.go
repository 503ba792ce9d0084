package relay_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/internal/agent"
	"github.com/relaymesh/relaymesh/internal/relay"
)

// startBackend runs a plain HTTP server standing in for the service an
// agent forwards to.
func startBackend(t *testing.T) (host string, port uint16, stop func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "passed")
		fmt.Fprint(w, "hello from backend")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting backend listener: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(addr.Port), func() { srv.Close() }
}

// freeAddr reserves an ephemeral local TCP address then releases it
// for a server under test to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving address: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startRelay boots a relay server with a plain-TCP (yamux, no TLS)
// control transport, so the test needs no certificate material.
func startRelay(t *testing.T, secret, baseDomain string) (cfg *relay.Config, stop func()) {
	t.Helper()
	cfg = &relay.Config{
		Control: relay.ControlConfig{Mode: "tcp", Addr: freeAddr(t)},
		Ingress: relay.IngressConfig{
			HTTPAddr:    freeAddr(t),
			TCPPortLow:  21000,
			TCPPortHigh: 21010,
		},
		Auth:       relay.AuthConfig{SharedSecret: secret},
		Tunnel:     relay.TunnelConfig{PingInterval: 5 * time.Second},
		BaseDomain: baseDomain,
	}

	srv := relay.NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	return cfg, func() {
		srv.Shutdown()
		cancel()
	}
}

func waitForHTTP(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("listener %s never became ready", addr)
}

func Test_integration_http_end_to_end(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	const secret = "integration-test-secret"
	const baseDomain = "tunnel.test"

	backendHost, backendPort, stopBackend := startBackend(t)
	defer stopBackend()

	relayCfg, stopRelay := startRelay(t, secret, baseDomain)
	defer stopRelay()
	waitForHTTP(t, relayCfg.Ingress.HTTPAddr)

	token, err := relay.GenerateToken(secret, "agent-01")
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	agentCfg := &agent.Config{
		Relay: agent.RelayConfig{Mode: "tcp", Addr: relayCfg.Control.Addr},
		Auth:  agent.AuthConfig{Token: token},
		Bindings: []agent.BindingSpec{
			{Kind: "http", Subdomain: "app"},
		},
		Local: agent.LocalConfig{Host: backendHost, Port: backendPort},
		Tunnel: agent.TunnelConfig{
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 5 * time.Second,
			PingInterval:      5 * time.Second,
		},
	}

	a, err := agent.New(agentCfg)
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// Give the agent time to dial in and register its binding.
	time.Sleep(300 * time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, "http://"+relayCfg.Ingress.HTTPAddr+"/hello", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = "app." + baseDomain

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request through relay failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	if string(body) != "hello from backend" {
		t.Fatalf("expected %q, got %q", "hello from backend", string(body))
	}
	if resp.Header.Get("X-Test") != "passed" {
		t.Fatalf("expected X-Test header 'passed', got %q", resp.Header.Get("X-Test"))
	}
}

func Test_integration_unknown_host_is_rejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	const secret = "integration-test-secret"
	const baseDomain = "tunnel.test"

	relayCfg, stopRelay := startRelay(t, secret, baseDomain)
	defer stopRelay()
	waitForHTTP(t, relayCfg.Ingress.HTTPAddr)

	req, err := http.NewRequest(http.MethodGet, "http://"+relayCfg.Ingress.HTTPAddr+"/hello", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = "nobody-home." + baseDomain

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request for an unrouted host failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status 502 for an unrouted host, got %d", resp.StatusCode)
	}
}
