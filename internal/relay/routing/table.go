// Package routing implements the relay's process-wide routing table
// (spec.md §4.4, §9): three independent indexes over live tunnel
// bindings, with a reverse index enabling one-pass unregistration.
package routing

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/internal/transport"
	"github.com/relaymesh/relaymesh/internal/wire"
)

// maxSubdomainAssignAttempts bounds the retry loop for relay-assigned
// subdomains (spec.md §3 "subdomain or none = relay-assigned"); a
// collision after this many random draws means the namespace is full.
const maxSubdomainAssignAttempts = 20

// Entry is what each index maps a routing key to: the owning tunnel's id
// and a handle to open a fresh data stream on its transport session.
type Entry struct {
	TunnelID string
	Session  transport.Session
}

// ConflictError reports an in-use routing key (spec.md §4.3/§4.9).
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("in use: %s", e.Key) }

// PortRange bounds the relay's TCP port-range listener (spec.md §4.3 I4).
type PortRange struct {
	Low, High uint16
}

func (r PortRange) contains(p uint16) bool { return p >= r.Low && p <= r.High }

// Table is the shared routing table: many concurrent readers (ingress
// handlers), rare serialized writers (register/unregister), per spec.md
// §5. Modeled as three independent maps keyed by routing dimension plus a
// reverse index, per spec.md §9 design notes.
type Table struct {
	mu sync.RWMutex

	byHost map[string]Entry // exact host -> entry
	bySNI  map[string]Entry // exact or "*.suffix" -> entry
	byPort map[uint16]Entry // tcp port -> entry

	ownedKeys map[string][]ownedKey // tunnel_id -> keys it holds, across all indexes

	ports      PortRange
	baseDomain string
}

type indexKind int

const (
	indexHost indexKind = iota
	indexSNI
	indexPort
)

type ownedKey struct {
	index indexKind
	host  string
	sni   string
	port  uint16
}

// New creates an empty routing table. Tests and the relay server each
// instantiate their own — there is no implicit singleton (spec.md §9).
// baseDomain is appended to every Http/Https subdomain to form the
// by_host key, since that is the literal Host-header value a public
// client sends (spec.md §4.5 scenario: "routing table shows exactly one
// entry `app.tunnel.test`", not bare "app").
func New(ports PortRange, baseDomain string) *Table {
	return &Table{
		byHost:     make(map[string]Entry),
		bySNI:      make(map[string]Entry),
		byPort:     make(map[uint16]Entry),
		ownedKeys:  make(map[string][]ownedKey),
		ports:      ports,
		baseDomain: baseDomain,
	}
}

func (t *Table) hostKey(subdomain string) string {
	return strings.ToLower(subdomain) + "." + strings.ToLower(t.baseDomain)
}

// Register installs every binding for tunnelID atomically: either all
// bindings are installed, or (on any conflict) none are (spec.md §4.3 P2).
// Tcp bindings requesting port 0 are assigned the lowest free port in the
// configured range (spec.md §9 open question (c)).
func (t *Table) Register(tunnelID string, session transport.Session, bindings []wire.Binding) ([]wire.Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.ownedKeys[tunnelID]; exists {
		return nil, fmt.Errorf("routing: tunnel %q already registered", tunnelID)
	}

	// Resolve port-0 requests and validate every key is free before
	// installing anything, so a late conflict cannot leave partial state.
	resolved := make([]wire.Binding, len(bindings))
	copy(resolved, bindings)

	for i := range resolved {
		b := &resolved[i]
		switch b.Kind {
		case wire.BindingHTTP, wire.BindingHTTPS:
			if b.Subdomain == "" {
				sub, err := t.assignSubdomainLocked()
				if err != nil {
					return nil, err
				}
				b.Subdomain = sub
			}
			key := t.hostKey(b.Subdomain)
			if _, ok := t.byHost[key]; ok {
				return nil, &ConflictError{Key: key}
			}
		case wire.BindingTCP:
			if b.Port == 0 {
				p, err := t.lowestFreePortLocked()
				if err != nil {
					return nil, err
				}
				b.Port = p
			} else if !t.ports.contains(b.Port) {
				return nil, fmt.Errorf("routing: port %d outside configured range [%d,%d]", b.Port, t.ports.Low, t.ports.High)
			}
			if _, ok := t.byPort[b.Port]; ok {
				return nil, &ConflictError{Key: fmt.Sprintf("tcp:%d", b.Port)}
			}
		case wire.BindingTLS:
			key := strings.ToLower(b.SNIPattern)
			if _, ok := t.bySNI[key]; ok {
				return nil, &ConflictError{Key: key}
			}
		}
	}

	entry := Entry{TunnelID: tunnelID, Session: session}
	var owned []ownedKey
	endpoints := make([]wire.Endpoint, len(resolved))
	for i, b := range resolved {
		switch b.Kind {
		case wire.BindingHTTP, wire.BindingHTTPS:
			key := t.hostKey(b.Subdomain)
			t.byHost[key] = entry
			owned = append(owned, ownedKey{index: indexHost, host: key})
			endpoints[i] = wire.Endpoint{Binding: b}
		case wire.BindingTCP:
			t.byPort[b.Port] = entry
			owned = append(owned, ownedKey{index: indexPort, port: b.Port})
			endpoints[i] = wire.Endpoint{Binding: b, Port: b.Port}
		case wire.BindingTLS:
			key := strings.ToLower(b.SNIPattern)
			t.bySNI[key] = entry
			owned = append(owned, ownedKey{index: indexSNI, sni: key})
			endpoints[i] = wire.Endpoint{Binding: b, Port: b.Port}
		}
	}
	t.ownedKeys[tunnelID] = owned
	return endpoints, nil
}

// assignSubdomainLocked draws a random subdomain for a binding that
// requested relay-assignment (empty Subdomain), retrying on the rare
// collision with an already-registered one.
func (t *Table) assignSubdomainLocked() (string, error) {
	for i := 0; i < maxSubdomainAssignAttempts; i++ {
		candidate := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, ok := t.byHost[t.hostKey(candidate)]; !ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("routing: could not assign a free subdomain after %d attempts", maxSubdomainAssignAttempts)
}

func (t *Table) lowestFreePortLocked() (uint16, error) {
	for p := t.ports.Low; p <= t.ports.High; p++ {
		if _, used := t.byPort[p]; !used {
			return p, nil
		}
		if p == t.ports.High { // avoid uint16 wraparound when High == 65535
			break
		}
	}
	return 0, fmt.Errorf("routing: no free tcp port in range [%d,%d]", t.ports.Low, t.ports.High)
}

// Unregister removes every binding owned by tunnelID across all three
// indexes in one pass. Idempotent (spec.md §4.4).
func (t *Table) Unregister(tunnelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, k := range t.ownedKeys[tunnelID] {
		switch k.index {
		case indexHost:
			delete(t.byHost, k.host)
		case indexSNI:
			delete(t.bySNI, k.sni)
		case indexPort:
			delete(t.byPort, k.port)
		}
	}
	delete(t.ownedKeys, tunnelID)
}

// LookupHost resolves a Host-header value (port already stripped) to the
// owning tunnel. Case-insensitive exact match (spec.md §4.4).
func (t *Table) LookupHost(host string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byHost[strings.ToLower(host)]
	return e, ok
}

// LookupSNI resolves a TLS SNI value: exact match first, then a
// single-level wildcard ("*.example.com" matches "a.example.com" but not
// "a.b.example.com"); among multiple wildcard matches the longest literal
// suffix wins (spec.md §4.4, P6).
func (t *Table) LookupSNI(sni string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sni = strings.ToLower(sni)
	if e, ok := t.bySNI[sni]; ok {
		return e, true
	}

	labels := strings.SplitN(sni, ".", 2)
	if len(labels) != 2 {
		return Entry{}, false
	}
	singleLevelSuffix := labels[1]

	var best Entry
	var bestLen = -1
	for pattern, e := range t.bySNI {
		suffix, ok := strings.CutPrefix(pattern, "*.")
		if !ok {
			continue
		}
		if suffix == singleLevelSuffix && len(suffix) > bestLen {
			best, bestLen = e, len(suffix)
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	return Entry{}, false
}

// LookupPort resolves a locally-bound TCP port to the owning tunnel
// (spec.md §4.4).
func (t *Table) LookupPort(port uint16) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byPort[port]
	return e, ok
}

// Snapshot is a read-only view of the table for admin introspection
// (SPEC_FULL.md §12.4).
type Snapshot struct {
	Hosts map[string]string // host -> tunnel_id
	SNIs  map[string]string
	Ports map[uint16]string
}

func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		Hosts: make(map[string]string, len(t.byHost)),
		SNIs:  make(map[string]string, len(t.bySNI)),
		Ports: make(map[uint16]string, len(t.byPort)),
	}
	for k, e := range t.byHost {
		s.Hosts[k] = e.TunnelID
	}
	for k, e := range t.bySNI {
		s.SNIs[k] = e.TunnelID
	}
	for k, e := range t.byPort {
		s.Ports[k] = e.TunnelID
	}
	return s
}
