package tunnel

import (
	"log/slog"
	"sync"
)

// Pool tracks every connected tunnel by id. Unlike the teacher's
// round-robin pool, RelayMesh's routing table resolves each public
// routing key to exactly one tunnel (spec.md I1), so there is no load
// balancing to do here — Pool exists purely as the registry the server
// uses to look a tunnel up by id and to enumerate all of them for
// graceful drain (spec.md §12.5).
type Pool struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

// NewPool creates an empty tunnel registry.
func NewPool() *Pool {
	return &Pool{tunnels: make(map[string]*Tunnel)}
}

// Add registers a tunnel and removes it automatically once it closes.
func (p *Pool) Add(t *Tunnel) {
	p.mu.Lock()
	p.tunnels[t.ID()] = t
	p.mu.Unlock()
	slog.Info("agent added to pool", "id", t.ID(), "pool_size", p.Size())

	go func() {
		<-t.Done()
		p.Remove(t.ID())
	}()
}

// Remove drops a tunnel from the registry by id.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tunnels[id]; ok {
		delete(p.tunnels, id)
		slog.Info("agent removed from pool", "id", id, "pool_size", len(p.tunnels))
	}
}

// Get looks up a tunnel by id.
func (p *Pool) Get(id string) (*Tunnel, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tunnels[id]
	return t, ok
}

// All returns every connected tunnel, for broadcast operations like
// graceful drain.
func (p *Pool) All() []*Tunnel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Tunnel, 0, len(p.tunnels))
	for _, t := range p.tunnels {
		out = append(out, t)
	}
	return out
}

// Size returns the number of connected tunnels.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tunnels)
}
