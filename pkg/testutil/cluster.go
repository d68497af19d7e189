// Package testutil provides an in-process, socket-free test harness for
// wiring several raft.Node instances together, grounded on the teacher's
// pkg/testing/cluster.go NewTestCluster/WaitForLeader helpers (adapted from
// the teacher's gRPC+WAL-backed cluster to this port's in-process
// transport fake plus in-memory statemachine.ChatState instances).
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/A00N/distr-systems-d-chat/pkg/raft"
	"github.com/A00N/distr-systems-d-chat/pkg/statemachine"
)

// LocalTransport dispatches RPCs directly to in-process node handlers,
// skipping sockets entirely — grounded on the teacher's pkg/rpc/transport.go
// LocalTransport, extended here with per-address disconnect toggles so
// tests can simulate a partitioned peer without tearing down real
// connections.
type LocalTransport struct {
	mu       sync.RWMutex
	handlers map[string]nodeHandler
	addrByID map[string]string
	cut      map[string]bool
}

type nodeHandler interface {
	HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply
	HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply
}

// NewLocalTransport returns an empty transport; register nodes with
// Register before starting them.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{handlers: map[string]nodeHandler{}, addrByID: map[string]string{}, cut: map[string]bool{}}
}

// Register makes addr route to node's handlers.
func (t *LocalTransport) Register(addr string, node *raft.Node) {
	id := node.Status().ID
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[addr] = node
	t.addrByID[id] = addr
}

// Disconnect makes every call to or from addr fail until Reconnect is
// called, simulating a network partition.
func (t *LocalTransport) Disconnect(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cut[addr] = true
}

// Reconnect undoes Disconnect.
func (t *LocalTransport) Reconnect(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cut, addr)
}

func (t *LocalTransport) lookup(fromID, addr string) (nodeHandler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cut[addr] {
		return nil, fmt.Errorf("testutil: %s is disconnected", addr)
	}
	if from := t.addrByID[fromID]; t.cut[from] {
		return nil, fmt.Errorf("testutil: %s is disconnected", from)
	}
	h, ok := t.handlers[addr]
	if !ok {
		return nil, fmt.Errorf("testutil: no node registered at %s", addr)
	}
	return h, nil
}

// RequestVote implements raft.Transport.
func (t *LocalTransport) RequestVote(_ context.Context, addr string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	h, err := t.lookup(args.CandidateID, addr)
	if err != nil {
		return nil, err
	}
	return h.HandleRequestVote(args), nil
}

// AppendEntries implements raft.Transport.
func (t *LocalTransport) AppendEntries(_ context.Context, addr string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	h, err := t.lookup(args.LeaderID, addr)
	if err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(args), nil
}

// staticPeers implements raft.PeerDirectory over a fixed address list that
// excludes the owning node's own address.
type staticPeers struct {
	addrs []string
}

func (p *staticPeers) Peers(_ context.Context) ([]string, error) {
	return p.addrs, nil
}

// Cluster is a set of in-process nodes sharing one LocalTransport.
type Cluster struct {
	Transport *LocalTransport
	Nodes     map[string]*raft.Node
	Chats     map[string]*statemachine.ChatState
	addrs     map[string]string
}

// NewCluster builds n nodes named "node0".."nodeN-1", addressed as
// "local:node0" etc., wired through a shared LocalTransport, each one
// backed by its own in-memory ChatState. Nodes are constructed but not yet
// started; call Start to begin their tick loops.
func NewCluster(n int) *Cluster {
	tr := NewLocalTransport()
	c := &Cluster{
		Transport: tr,
		Nodes:     map[string]*raft.Node{},
		Chats:     map[string]*statemachine.ChatState{},
		addrs:     map[string]string{},
	}

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("node%d", i)
		c.addrs[ids[i]] = "local:" + ids[i]
	}

	for _, id := range ids {
		var peerAddrs []string
		for _, other := range ids {
			if other != id {
				peerAddrs = append(peerAddrs, c.addrs[other])
			}
		}

		cfg := raft.DefaultConfig(id)
		cfg.TickInterval = 20 * time.Millisecond
		cfg.ElectionTimeoutMin = 80 * time.Millisecond
		cfg.ElectionTimeoutMax = 160 * time.Millisecond

		chat := statemachine.NewChatState("", nil)
		node, err := raft.NewNode(cfg, tr, &staticPeers{addrs: peerAddrs}, chat, nil)
		if err != nil {
			panic(err)
		}
		tr.Register(c.addrs[id], node)
		c.Nodes[id] = node
		c.Chats[id] = chat
	}

	return c
}

// Start begins every node's tick loop.
func (c *Cluster) Start() {
	for _, n := range c.Nodes {
		n.Start()
	}
}

// Stop halts every node's tick loop.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.Stop()
	}
}

// Addr returns the transport address registered for id.
func (c *Cluster) Addr(id string) string {
	return c.addrs[id]
}

// WaitForLeader polls until some node reports itself leader, or timeout
// elapses, returning that node's id. It does not check that no other node
// also reports itself leader.
func (c *Cluster) WaitForLeader(timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for id, n := range c.Nodes {
			if n.IsLeader() {
				return id, true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return "", false
}
