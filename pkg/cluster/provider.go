package cluster

import "context"

// Provider resolves the current set of peer addresses for the raft
// transport to dial, excluding the local node. Grounded directly on
// original_source/server/discovery.py's PeerProvider protocol, which
// spec.md §4.1 ("Peer Directory") was distilled from.
type Provider interface {
	Peers(ctx context.Context) ([]string, error)
}
