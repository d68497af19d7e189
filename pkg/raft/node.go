package raft

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the tunables a Node needs at construction time. Timeouts are
// expressed as a range so followers don't all time out in lockstep; the
// wide default range is the node's sole defense against repeated split
// votes (see SPEC_FULL.md errata #3 — no exponential backoff is layered on
// top of it).
type Config struct {
	ID                 string
	TickInterval       time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	RPCTimeout         time.Duration
	StateDir           string
}

// DefaultConfig returns the reference tunables from spec.md §4.3: a ~200ms
// ticker, a 1.5s-3s randomized election timeout, and a 2s RPC deadline.
func DefaultConfig(id string) Config {
	return Config{
		ID:                 id,
		TickInterval:       200 * time.Millisecond,
		ElectionTimeoutMin: 1500 * time.Millisecond,
		ElectionTimeoutMax: 3000 * time.Millisecond,
		RPCTimeout:         2 * time.Second,
	}
}

// Node is the consensus core for a single replica. The state-and-log fields
// grouped under mu are guarded by it; state-machine I/O never happens while
// mu is held (spec.md §5) — applyRange uses the separate applyMu to
// serialize application order instead. The small term/vote file is the one
// disk write made under mu (persistLocked).
type Node struct {
	cfg       Config
	transport Transport
	peers     PeerDirectory
	sm        StateMachine
	logger    *log.Logger

	mu               sync.Mutex
	currentTerm      int64
	votedFor         string
	log              []LogEntry
	role             Role
	leaderID         string
	commitIndex      int64
	lastApplied      int64
	electionDeadline time.Time

	applyMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewNode constructs a Node in the Follower role with an empty log. Term
// and vote are restored from cfg.StateDir if a prior run left one behind.
func NewNode(cfg Config, transport Transport, peers PeerDirectory, sm StateMachine, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Default()
	}
	ps, err := loadPersistedState(cfg.StateDir, cfg.ID)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:         cfg,
		transport:   transport,
		peers:       peers,
		sm:          sm,
		logger:      logger,
		currentTerm: ps.CurrentTerm,
		votedFor:    ps.VotedFor,
		role:        Follower,
		commitIndex: -1,
		lastApplied: -1,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	n.resetElectionDeadlineLocked()
	return n, nil
}

// Start runs the node's tick loop in a background goroutine until Stop is
// called.
func (n *Node) Start() {
	go n.run()
}

// Stop halts the tick loop and waits for it to exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh
}

func (n *Node) run() {
	defer close(n.doneCh)
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

// tick is invoked once per TickInterval. It is the single driver behind
// both heartbeats and election timeouts (spec.md §4.3: one background
// ticker, not the teacher's separate per-role loops).
func (n *Node) tick() {
	n.mu.Lock()
	role := n.role
	expired := time.Now().After(n.electionDeadline)
	n.mu.Unlock()

	if role == Leader {
		n.sendHeartbeats()
		return
	}
	if expired {
		n.startElection()
	}
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo, hi := n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// resetElectionDeadlineLocked must be called with mu held.
func (n *Node) resetElectionDeadlineLocked() {
	n.electionDeadline = time.Now().Add(n.randomElectionTimeout())
}

func (n *Node) lastLogIndexLocked() int64 {
	return int64(len(n.log)) - 1
}

func (n *Node) lastLogTermLocked() int64 {
	if len(n.log) == 0 {
		return 0
	}
	return n.log[len(n.log)-1].Term
}

// becomeFollowerLocked steps down to Follower for the given term. Caller
// must hold mu. It does not itself persist; callers that change term are
// responsible for calling persistLocked afterward. Per spec.md §4.3, a
// higher observed term forces this step-down and clears votedFor but does
// not by itself reset the election timer — only a granted vote or a valid
// heartbeat does that, and those call resetElectionDeadlineLocked
// themselves at the point they occur.
func (n *Node) becomeFollowerLocked(term int64) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
	}
	n.role = Follower
}

func (n *Node) becomeCandidateLocked() {
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.cfg.ID
	n.leaderID = ""
	n.resetElectionDeadlineLocked()
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.cfg.ID
	n.logger.Printf("%s: becoming leader for term %d", n.cfg.ID, n.currentTerm)
}

func (n *Node) persistLocked() {
	if err := savePersistedState(n.cfg.StateDir, n.cfg.ID, persistedState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
	}); err != nil {
		n.logger.Printf("%s: persist state: %v", n.cfg.ID, err)
	}
}

// startElection runs one election attempt: bump term, vote for self, ask
// every current peer for a vote concurrently, and become leader inline the
// moment a majority is reached (mirrors the teacher's runCandidate
// goroutine-per-peer fan-out, collapsed onto the single tick loop).
func (n *Node) startElection() {
	n.mu.Lock()
	n.becomeCandidateLocked()
	term := n.currentTerm
	lastIdx := n.lastLogIndexLocked()
	lastTerm := n.lastLogTermLocked()
	n.persistLocked()
	n.mu.Unlock()

	n.logger.Printf("%s: starting election for term %d", n.cfg.ID, term)

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()

	peerAddrs, err := n.peers.Peers(ctx)
	if err != nil {
		n.logger.Printf("%s: election: resolve peers: %v", n.cfg.ID, err)
		return
	}

	majority := (len(peerAddrs)+1)/2 + 1
	var votes int32 = 1 // vote for self
	if int(votes) >= majority {
		n.mu.Lock()
		if n.role == Candidate && n.currentTerm == term {
			n.becomeLeaderLocked()
		}
		n.mu.Unlock()
		return
	}

	var wg sync.WaitGroup
	for _, addr := range peerAddrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, rcancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer rcancel()
			reply, err := n.transport.RequestVote(rctx, addr, &RequestVoteArgs{
				Term:         term,
				CandidateID:  n.cfg.ID,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				return
			}
			n.mu.Lock()
			defer n.mu.Unlock()
			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term)
				n.persistLocked()
				return
			}
			if n.role != Candidate || n.currentTerm != term {
				return
			}
			if reply.VoteGranted {
				newCount := atomic.AddInt32(&votes, 1)
				if int(newCount) >= majority && n.role == Candidate {
					n.becomeLeaderLocked()
				}
			}
		}()
	}
	wg.Wait()
}

// sendHeartbeats fans out an empty AppendEntries to every peer. Unlike
// Submit, this path does not advance the leader's own commitIndex; it keeps
// followers from timing out, lets them discover a stale term quickly, and
// carries the current commitIndex so followers apply entries that a prior
// Submit committed.
func (n *Node) sendHeartbeats() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	leaderID := n.cfg.ID
	prevIdx := n.lastLogIndexLocked()
	prevTerm := n.lastLogTermLocked()
	commit := n.commitIndex
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	peerAddrs, err := n.peers.Peers(ctx)
	if err != nil {
		n.logger.Printf("%s: heartbeat: resolve peers: %v", n.cfg.ID, err)
		return
	}

	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     leaderID,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		LeaderCommit: commit,
	}
	for _, addr := range peerAddrs {
		addr := addr
		go func() {
			rctx, rcancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer rcancel()
			reply, err := n.transport.AppendEntries(rctx, addr, args)
			if err != nil {
				return
			}
			n.mu.Lock()
			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term)
				n.persistLocked()
			}
			n.mu.Unlock()
		}()
	}
}

// Submit appends cmd to the leader's log and synchronously replicates it:
// only the newly appended tail entry is sent to each peer, never a
// next_index-driven backlog (spec.md §4.3's explicit simplification vs.
// the classical protocol). On majority acknowledgement the entry is
// committed and applied before Submit returns.
func (n *Node) Submit(ctx context.Context, cmd Command) (SubmitResult, error) {
	n.mu.Lock()
	if n.role != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return SubmitResult{Status: StatusNotLeader, Leader: leader}, nil
	}
	term := n.currentTerm
	entry := LogEntry{Term: term, Command: cmd}
	n.log = append(n.log, entry)
	newIndex := n.lastLogIndexLocked()
	prevIdx := newIndex - 1
	prevTerm := int64(0)
	if prevIdx >= 0 {
		prevTerm = n.log[prevIdx].Term
	}
	leaderCommit := n.commitIndex
	n.mu.Unlock()

	peerAddrs, err := n.peers.Peers(ctx)
	if err != nil {
		return SubmitResult{Status: StatusFailed}, err
	}

	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.cfg.ID,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      []LogEntry{entry},
		LeaderCommit: leaderCommit,
	}

	majority := (len(peerAddrs)+1)/2 + 1
	var successes int32 = 1 // leader counts itself

	var wg sync.WaitGroup
	for _, addr := range peerAddrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, rcancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
			defer rcancel()
			reply, err := n.transport.AppendEntries(rctx, addr, args)
			if err != nil {
				return
			}
			n.mu.Lock()
			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term)
				n.persistLocked()
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()
			if reply.Success {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if int(successes) < majority {
		return SubmitResult{Status: StatusFailed}, nil
	}

	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return SubmitResult{Status: StatusFailed}, nil
	}
	if newIndex > n.commitIndex {
		n.commitIndex = newIndex
	}
	from := n.lastApplied + 1
	to := n.commitIndex
	n.mu.Unlock()

	n.applyRange(from, to)

	return SubmitResult{Status: StatusOK, Index: newIndex}, nil
}

// applyRange delivers every committed-but-unapplied entry in [from, to] to
// the state machine, in order, exactly once. applyMu serializes concurrent
// callers (a heartbeat-driven commit advance and a Submit can race); the
// state machine itself is only ever invoked outside of mu, per spec.md §5.
func (n *Node) applyRange(from, to int64) {
	if to < from {
		return
	}
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	for idx := from; idx <= to; idx++ {
		n.mu.Lock()
		if idx <= n.lastApplied || idx < 0 || idx >= int64(len(n.log)) {
			n.mu.Unlock()
			continue
		}
		cmd := n.log[idx].Command
		n.mu.Unlock()

		n.sm.Apply(cmd)

		n.mu.Lock()
		if idx > n.lastApplied {
			n.lastApplied = idx
		}
		n.mu.Unlock()
	}
}

// HandleRequestVote answers an incoming vote request per spec.md §4.3: a
// vote is granted only if the candidate's term is current (or newer) and
// its log is at least as up to date as the voter's own.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	if args.Term < n.currentTerm {
		n.persistLocked()
		return &RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}

	upToDate := args.LastLogTerm > n.lastLogTermLocked() ||
		(args.LastLogTerm == n.lastLogTermLocked() && args.LastLogIndex >= n.lastLogIndexLocked())

	granted := false
	if (n.votedFor == "" || n.votedFor == args.CandidateID) && upToDate {
		n.votedFor = args.CandidateID
		n.resetElectionDeadlineLocked()
		granted = true
	}
	n.persistLocked()
	return &RequestVoteReply{Term: n.currentTerm, VoteGranted: granted}
}

// HandleAppendEntries answers an incoming heartbeat/replication call per
// spec.md §4.3: reject stale terms, reject on a prev-log mismatch
// (truncating any conflicting suffix), otherwise append the new entries
// and advance commitIndex to min(leaderCommit, last log index).
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()

	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	if args.Term < n.currentTerm {
		term := n.currentTerm
		n.persistLocked()
		n.mu.Unlock()
		return &AppendEntriesReply{Term: term, Success: false}
	}

	n.role = Follower
	n.leaderID = args.LeaderID
	n.resetElectionDeadlineLocked()

	if args.PrevLogIndex >= 0 {
		if args.PrevLogIndex > n.lastLogIndexLocked() || n.log[args.PrevLogIndex].Term != args.PrevLogTerm {
			if args.PrevLogIndex <= n.lastLogIndexLocked() {
				n.log = n.log[:args.PrevLogIndex]
			}
			term := n.currentTerm
			n.persistLocked()
			n.mu.Unlock()
			return &AppendEntriesReply{Term: term, Success: false}
		}
	}

	insertAt := args.PrevLogIndex + 1
	for i, e := range args.Entries {
		idx := insertAt + int64(i)
		if idx <= n.lastLogIndexLocked() {
			if n.log[idx].Term != e.Term {
				n.log = n.log[:idx]
				n.log = append(n.log, e)
			}
			continue
		}
		n.log = append(n.log, e)
	}

	if args.LeaderCommit > n.commitIndex {
		last := n.lastLogIndexLocked()
		if args.LeaderCommit < last {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = last
		}
	}

	term := n.currentTerm
	matchIndex := n.lastLogIndexLocked()
	from := n.lastApplied + 1
	to := n.commitIndex
	n.persistLocked()
	n.mu.Unlock()

	n.applyRange(from, to)

	return &AppendEntriesReply{Term: term, Success: true, MatchIndex: matchIndex}
}

// Status is a snapshot of a node's externally-visible state, used by the
// gateway's /leader and /instances endpoints.
type Status struct {
	ID          string
	Role        Role
	Term        int64
	LeaderID    string
	CommitIndex int64
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:          n.cfg.ID,
		Role:        n.role,
		Term:        n.currentTerm,
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
	}
}

// IsLeader reports whether this node currently believes itself the leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// ElectionInProgress reports whether this node is currently a candidate,
// used by the gateway's /kill-leader chaos endpoint to return 503 while a
// vote is underway rather than racing it.
func (n *Node) ElectionInProgress() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Candidate
}
