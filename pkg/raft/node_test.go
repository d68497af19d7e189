package raft

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSM struct {
	applied []Command
}

func (f *fakeSM) Apply(cmd Command) {
	f.applied = append(f.applied, cmd)
}

type fakePeers struct {
	addrs []string
}

func (p fakePeers) Peers(_ context.Context) ([]string, error) {
	return p.addrs, nil
}

var errUnreachable = errors.New("unreachable")

type disconnectedTransport struct{}

func (disconnectedTransport) RequestVote(_ context.Context, _ string, _ *RequestVoteArgs) (*RequestVoteReply, error) {
	return nil, errUnreachable
}
func (disconnectedTransport) AppendEntries(_ context.Context, _ string, _ *AppendEntriesArgs) (*AppendEntriesReply, error) {
	return nil, errUnreachable
}

func newTestNode(t *testing.T) (*Node, *fakeSM) {
	t.Helper()
	sm := &fakeSM{}
	cfg := DefaultConfig("n0")
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ElectionTimeoutMin = 20 * time.Millisecond
	cfg.ElectionTimeoutMax = 30 * time.Millisecond
	n, err := NewNode(cfg, disconnectedTransport{}, fakePeers{}, sm, nil)
	if err != nil {
		t.Fatal(err)
	}
	return n, sm
}

func TestSingleNodeBecomesLeaderWithNoPeers(t *testing.T) {
	n, _ := newTestNode(t)
	n.Start()
	defer n.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !n.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if !n.IsLeader() {
		t.Fatal("expected node with zero peers to elect itself leader")
	}
}

func TestSubmitCommitsAndAppliesOnLoneLeader(t *testing.T) {
	n, sm := newTestNode(t)
	n.Start()
	defer n.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !n.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if !n.IsLeader() {
		t.Fatal("node never became leader")
	}

	result, err := n.Submit(context.Background(), Command{Type: CommandChat, User: "a", Text: "hi", Room: "general", ID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusOK {
		t.Fatalf("want StatusOK, got %v", result.Status)
	}
	if len(sm.applied) != 1 || sm.applied[0].Text != "hi" {
		t.Fatalf("expected command applied to state machine, got %+v", sm.applied)
	}
}

func TestSubmitOnFollowerReturnsNotLeader(t *testing.T) {
	n, _ := newTestNode(t)
	// Not started: stays Follower forever.
	result, err := n.Submit(context.Background(), Command{Type: CommandChat, User: "a", Text: "hi", Room: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusNotLeader {
		t.Fatalf("want StatusNotLeader, got %v", result.Status)
	}
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	n, _ := newTestNode(t)
	n.mu.Lock()
	n.currentTerm = 5
	n.mu.Unlock()

	reply := n.HandleRequestVote(&RequestVoteArgs{Term: 3, CandidateID: "other"})
	if reply.VoteGranted {
		t.Fatal("must not grant vote for a stale term")
	}
	if reply.Term != 5 {
		t.Fatalf("want term 5 in reply, got %d", reply.Term)
	}
}

func TestHandleRequestVoteGrantsOncePerTerm(t *testing.T) {
	n, _ := newTestNode(t)

	r1 := n.HandleRequestVote(&RequestVoteArgs{Term: 1, CandidateID: "a"})
	if !r1.VoteGranted {
		t.Fatal("first vote in a new term should be granted")
	}

	r2 := n.HandleRequestVote(&RequestVoteArgs{Term: 1, CandidateID: "b"})
	if r2.VoteGranted {
		t.Fatal("must not grant a second vote in the same term to a different candidate")
	}
}

func TestHandleAppendEntriesRejectsOnLogMismatch(t *testing.T) {
	n, _ := newTestNode(t)
	reply := n.HandleAppendEntries(&AppendEntriesArgs{
		Term:         1,
		LeaderID:     "leader",
		PrevLogIndex: 2,
		PrevLogTerm:  1,
	})
	if reply.Success {
		t.Fatal("append with a prev-log index beyond an empty log must fail")
	}
}

func TestHandleAppendEntriesAppliesCommittedEntries(t *testing.T) {
	n, sm := newTestNode(t)
	reply := n.HandleAppendEntries(&AppendEntriesArgs{
		Term:         1,
		LeaderID:     "leader",
		PrevLogIndex: -1,
		PrevLogTerm:  0,
		Entries: []LogEntry{
			{Term: 1, Command: Command{Type: CommandChat, User: "a", Text: "hi", Room: "general", ID: "1"}},
		},
		LeaderCommit: 0,
	})
	if !reply.Success {
		t.Fatal("expected append to succeed")
	}
	if len(sm.applied) != 1 {
		t.Fatalf("expected the committed entry to be applied, got %d applied", len(sm.applied))
	}
}
