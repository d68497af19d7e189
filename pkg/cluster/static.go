package cluster

import (
	"context"
	"log"
	"sync"
)

// StaticProvider returns a fixed, operator-supplied set of peer addresses.
// Grounded on discovery.py's StaticPeerProvider: a plain list configured at
// startup, used for local development and for tests.
type StaticProvider struct {
	mu      sync.RWMutex
	peers   []string
	logger  *log.Logger
	logOnce sync.Once
}

// NewStaticProvider returns a StaticProvider seeded with addrs.
func NewStaticProvider(addrs []string) *StaticProvider {
	cp := make([]string, len(addrs))
	copy(cp, addrs)
	return &StaticProvider{peers: cp, logger: log.Default()}
}

// Peers implements Provider.
func (p *StaticProvider) Peers(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.peers))
	copy(out, p.peers)
	p.logOnce.Do(func() {
		p.logger.Printf("cluster: resolved static peers: %v", out)
	})
	return out, nil
}

// Set replaces the peer list, used by tests that simulate membership
// changes without a dynamic discovery backend.
func (p *StaticProvider) Set(addrs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers = append([]string(nil), addrs...)
}
