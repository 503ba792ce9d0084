package agent

import (
	"fmt"
	"net"
)

// Allowlist implements spec.md §4.8: restrict which local destinations
// the agent will dial. An empty Networks list allows every address; an
// empty Ports list allows every port.
type Allowlist struct {
	networks []*net.IPNet
	ports    map[int]struct{}
}

// NewAllowlist parses CIDR strings and a port list into an Allowlist.
func NewAllowlist(cidrs []string, ports []int) (*Allowlist, error) {
	a := &Allowlist{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parsing allowlist cidr %q: %w", c, err)
		}
		a.networks = append(a.networks, n)
	}
	if len(ports) > 0 {
		a.ports = make(map[int]struct{}, len(ports))
		for _, p := range ports {
			a.ports[p] = struct{}{}
		}
	}
	return a, nil
}

// Allow reports whether a connection to host:port is permitted. host may
// be an IP literal or a hostname; hostnames are resolved (spec.md §4.8
// "Resolve the host to one or more IPs").
func (a *Allowlist) Allow(host string, port int) bool {
	if !a.portAllowed(port) {
		return false
	}
	if len(a.networks) == 0 {
		return true
	}

	ips, err := a.resolve(host)
	if err != nil || len(ips) == 0 {
		return false
	}
	for _, ip := range ips {
		if a.ipAllowed(ip) {
			return true
		}
	}
	return false
}

func (a *Allowlist) portAllowed(port int) bool {
	if a.ports == nil {
		return true
	}
	_, ok := a.ports[port]
	return ok
}

func (a *Allowlist) ipAllowed(ip net.IP) bool {
	for _, n := range a.networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *Allowlist) resolve(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return net.LookupIP(host)
}
