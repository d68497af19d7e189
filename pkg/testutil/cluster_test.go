package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/A00N/distr-systems-d-chat/pkg/raft"
)

func TestClusterElectsASingleLeader(t *testing.T) {
	c := NewCluster(3)
	c.Start()
	defer c.Stop()

	leader, ok := c.WaitForLeader(2 * time.Second)
	if !ok {
		t.Fatal("no leader elected within timeout")
	}

	count := 0
	for id, n := range c.Nodes {
		if n.IsLeader() {
			count++
			if id != leader {
				t.Fatalf("multiple leaders: %s and %s", leader, id)
			}
		}
	}
	if count != 1 {
		t.Fatalf("want exactly 1 leader, got %d", count)
	}
}

func TestClusterReplicatesCommittedCommandToAllNodes(t *testing.T) {
	c := NewCluster(3)
	c.Start()
	defer c.Stop()

	leaderID, ok := c.WaitForLeader(2 * time.Second)
	if !ok {
		t.Fatal("no leader elected within timeout")
	}
	leader := c.Nodes[leaderID]

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := leader.Submit(ctx, raft.Command{Type: raft.CommandChat, User: "a", Text: "hi", Room: "general", ID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != raft.StatusOK {
		t.Fatalf("want StatusOK, got %v", result.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		allCaughtUp := true
		for _, chat := range c.Chats {
			if len(chat.All()) == 0 {
				allCaughtUp = false
			}
		}
		if allCaughtUp {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("not every node applied the committed command in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClusterSurvivesLeaderPartition(t *testing.T) {
	c := NewCluster(3)
	c.Start()
	defer c.Stop()

	leaderID, ok := c.WaitForLeader(2 * time.Second)
	if !ok {
		t.Fatal("no leader elected within timeout")
	}

	c.Transport.Disconnect(c.Addr(leaderID))
	defer c.Transport.Reconnect(c.Addr(leaderID))

	deadline := time.Now().Add(3 * time.Second)
	newLeader := ""
	for time.Now().Before(deadline) {
		for id, n := range c.Nodes {
			if id != leaderID && n.IsLeader() {
				newLeader = id
			}
		}
		if newLeader != "" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if newLeader == "" {
		t.Fatal("remaining nodes never elected a new leader after partitioning the old one")
	}
}
