package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/A00N/distr-systems-d-chat/pkg/raft"
	"github.com/A00N/distr-systems-d-chat/pkg/statemachine"
	"github.com/A00N/distr-systems-d-chat/pkg/testutil"
)

var errNotReachable = errors.New("gateway test: peer not reachable")

// noopTransport never succeeds an RPC, so a lone node never elects itself
// leader via a real quorum — tests instead construct a single-node cluster
// (zero peers), where the node becomes leader trivially on first election.
type noopTransport struct{}

func (noopTransport) RequestVote(ctx context.Context, addr string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	return nil, errNotReachable
}
func (noopTransport) AppendEntries(ctx context.Context, addr string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	return nil, errNotReachable
}

type noPeers struct{}

func (noPeers) Peers(ctx context.Context) ([]string, error) { return nil, nil }

func newSingleNode(t *testing.T) (*raft.Node, *statemachine.ChatState) {
	t.Helper()
	cfg := raft.DefaultConfig("n0")
	cfg.TickInterval = 20 * time.Millisecond
	cfg.ElectionTimeoutMin = 40 * time.Millisecond
	cfg.ElectionTimeoutMax = 60 * time.Millisecond
	chat := statemachine.NewChatState("", nil)
	node, err := raft.NewNode(cfg, noopTransport{}, noPeers{}, chat, nil)
	if err != nil {
		t.Fatal(err)
	}
	return node, chat
}

func waitForLeader(t *testing.T, n *raft.Node) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("node never became leader")
}

func TestGatewayHealthAndChatFlow(t *testing.T) {
	node, chat := newSingleNode(t)
	node.Start()
	defer node.Stop()
	waitForLeader(t, node)

	gw := New("n0", node, chat, nil)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 from /health, got %d", resp.StatusCode)
	}

	body := `{"user":"alice","text":"hello","room":"general"}`
	resp, err = http.Post(srv.URL+"/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 from /chat, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/messages")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 from /messages, got %d", resp.StatusCode)
	}
}

func TestGatewayChatRejectsOverlongText(t *testing.T) {
	node, chat := newSingleNode(t)
	node.Start()
	defer node.Stop()
	waitForLeader(t, node)

	gw := New("n0", node, chat, nil)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	longText := strings.Repeat("x", maxMessageLength+1)
	body := `{"user":"alice","text":"` + longText + `","room":"general"}`
	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400 for overlong text, got %d", resp.StatusCode)
	}
}

// TestGatewayChatOnFollowerRedirectsWithLocation exercises the not_leader
// classification's leader-known sub-case against a real multi-node
// cluster: spec.md §4.5 (and the original's node.py:315-345) both require
// a bare 302 with a Location header, never a 307 or a JSON 503 body.
func TestGatewayChatOnFollowerRedirectsWithLocation(t *testing.T) {
	cluster := testutil.NewCluster(3)
	cluster.Start()
	defer cluster.Stop()

	leaderID, ok := cluster.WaitForLeader(2 * time.Second)
	if !ok {
		t.Fatal("no leader elected within timeout")
	}

	var followerID string
	for id := range cluster.Nodes {
		if id != leaderID {
			followerID = id
			break
		}
	}

	httpAddrs := map[string]string{leaderID: fmt.Sprintf("http://%s.example", leaderID)}
	gw := New(followerID, cluster.Nodes[followerID], cluster.Chats[followerID], nil)
	gw.NodeHTTPAddrs = httpAddrs
	srv := httptest.NewServer(gw)
	defer srv.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	body := `{"user":"alice","text":"hello","room":"general"}`
	resp, err := client.Post(srv.URL+"/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("want 302 from a follower's /chat, got %d", resp.StatusCode)
	}
	wantLocation := httpAddrs[leaderID] + "/chat"
	if got := resp.Header.Get("Location"); got != wantLocation {
		t.Fatalf("want Location %q, got %q", wantLocation, got)
	}
}

// TestGatewayChatNotLeaderWithoutKnownLeaderHasNoLocation exercises the
// not_leader classification's leader-unknown sub-case: still a bare 302,
// but with no Location header at all, per spec.md §7's "no leader known …
// surfaced as a 302 without Location".
func TestGatewayChatNotLeaderWithoutKnownLeaderHasNoLocation(t *testing.T) {
	cfg := raft.DefaultConfig("n0")
	cfg.TickInterval = 20 * time.Millisecond
	cfg.ElectionTimeoutMin = time.Hour
	cfg.ElectionTimeoutMax = 2 * time.Hour
	chat := statemachine.NewChatState("", nil)
	node, err := raft.NewNode(cfg, noopTransport{}, noPeers{}, chat, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Never started, so the node stays Follower with no known leader.

	gw := New("n0", node, chat, nil)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	body := `{"user":"alice","text":"hello","room":"general"}`
	resp, err := client.Post(srv.URL+"/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("want 302 when no leader is known, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "" {
		t.Fatalf("want no Location header when no leader is known, got %q", got)
	}
}
