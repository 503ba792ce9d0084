package routing

import (
	"testing"

	"github.com/relaymesh/relaymesh/internal/wire"
)

const testBaseDomain = "tunnel.test"

func TestRegisterLookupUnregister(t *testing.T) {
	tb := New(PortRange{Low: 10000, High: 10010}, testBaseDomain)

	eps, err := tb.Register("tun-1", nil, []wire.Binding{
		{Kind: wire.BindingHTTP, Subdomain: "alpha"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("want 1 endpoint, got %d", len(eps))
	}

	e, ok := tb.LookupHost("Alpha.Tunnel.Test") // case-insensitive
	if !ok || e.TunnelID != "tun-1" {
		t.Fatalf("lookup host: got %+v, %v", e, ok)
	}

	tb.Unregister("tun-1")
	if _, ok := tb.LookupHost("alpha.tunnel.test"); ok {
		t.Fatal("expected host to be gone after unregister")
	}
}

func TestRegisterAssignsSubdomainWhenEmpty(t *testing.T) {
	tb := New(PortRange{Low: 10000, High: 10010}, testBaseDomain)
	eps, err := tb.Register("tun-1", nil, []wire.Binding{{Kind: wire.BindingHTTP}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if eps[0].Binding.Subdomain == "" {
		t.Fatal("expected a relay-assigned subdomain, got empty string")
	}
	if _, ok := tb.LookupHost(eps[0].Binding.Subdomain + "." + testBaseDomain); !ok {
		t.Fatal("assigned subdomain not present in routing table")
	}
}

// P1: no two tunnels may simultaneously claim the same routing key.
func TestConflictRejected(t *testing.T) {
	tb := New(PortRange{Low: 10000, High: 10010}, testBaseDomain)
	if _, err := tb.Register("tun-1", nil, []wire.Binding{{Kind: wire.BindingHTTP, Subdomain: "dup"}}); err != nil {
		t.Fatalf("register tun-1: %v", err)
	}
	if _, err := tb.Register("tun-2", nil, []wire.Binding{{Kind: wire.BindingHTTP, Subdomain: "dup"}}); err == nil {
		t.Fatal("expected conflict error registering duplicate subdomain")
	}
	// tun-1's binding must still be intact.
	if _, ok := tb.LookupHost("dup.tunnel.test"); !ok {
		t.Fatal("tun-1's binding was clobbered by the failed tun-2 register")
	}
}

// P2: a multi-binding register is all-or-nothing.
func TestRegisterAtomic(t *testing.T) {
	tb := New(PortRange{Low: 10000, High: 10010}, testBaseDomain)
	if _, err := tb.Register("tun-1", nil, []wire.Binding{{Kind: wire.BindingHTTP, Subdomain: "taken"}}); err != nil {
		t.Fatalf("register tun-1: %v", err)
	}

	_, err := tb.Register("tun-2", nil, []wire.Binding{
		{Kind: wire.BindingHTTP, Subdomain: "free"},
		{Kind: wire.BindingHTTP, Subdomain: "taken"}, // conflicts
	})
	if err == nil {
		t.Fatal("expected register to fail on second binding")
	}
	if _, ok := tb.LookupHost("free.tunnel.test"); ok {
		t.Fatal("P2 violated: partial registration left 'free' bound despite overall failure")
	}
}

func TestTCPPortZeroAssignsLowestFree(t *testing.T) {
	tb := New(PortRange{Low: 20000, High: 20002}, testBaseDomain)

	eps1, err := tb.Register("tun-1", nil, []wire.Binding{{Kind: wire.BindingTCP, Port: 0}})
	if err != nil || eps1[0].Port != 20000 {
		t.Fatalf("want port 20000, got %+v err=%v", eps1, err)
	}
	eps2, err := tb.Register("tun-2", nil, []wire.Binding{{Kind: wire.BindingTCP, Port: 0}})
	if err != nil || eps2[0].Port != 20001 {
		t.Fatalf("want port 20001, got %+v err=%v", eps2, err)
	}

	tb.Unregister("tun-1")
	eps3, err := tb.Register("tun-3", nil, []wire.Binding{{Kind: wire.BindingTCP, Port: 0}})
	if err != nil || eps3[0].Port != 20000 {
		t.Fatalf("want reclaimed port 20000, got %+v err=%v", eps3, err)
	}
}

// P6: SNI wildcard lookup picks the longest matching suffix.
func TestSNILongestSuffixWins(t *testing.T) {
	tb := New(PortRange{Low: 10000, High: 10010}, testBaseDomain)
	if _, err := tb.Register("tun-wide", nil, []wire.Binding{{Kind: wire.BindingTLS, SNIPattern: "*.example.com"}}); err != nil {
		t.Fatalf("register wide: %v", err)
	}
	if _, err := tb.Register("tun-narrow", nil, []wire.Binding{{Kind: wire.BindingTLS, SNIPattern: "*.api.example.com"}}); err != nil {
		t.Fatalf("register narrow: %v", err)
	}

	e, ok := tb.LookupSNI("svc.api.example.com")
	if !ok || e.TunnelID != "tun-narrow" {
		t.Fatalf("want tun-narrow, got %+v ok=%v", e, ok)
	}

	e, ok = tb.LookupSNI("svc.example.com")
	if !ok || e.TunnelID != "tun-wide" {
		t.Fatalf("want tun-wide, got %+v ok=%v", e, ok)
	}

	// Wildcard is single-level: "*.example.com" must not match a host two
	// labels below the suffix.
	if _, ok := tb.LookupSNI("deep.svc.example.com"); ok {
		t.Fatal("single-level wildcard must not match a two-label-deeper host")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	tb := New(PortRange{Low: 10000, High: 10010}, testBaseDomain)
	tb.Unregister("never-registered") // must not panic
}
