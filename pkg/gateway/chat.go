package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/A00N/distr-systems-d-chat/pkg/raft"
)

// maxMessageLength enforces spec.md §6's 256-character chat text bound,
// matching original_source's node.py MAX_MESSAGE_LENGTH.
const maxMessageLength = 256

type chatRequest struct {
	User string `json:"user"`
	Text string `json:"text"`
	Room string `json:"room"`
	ID   string `json:"id,omitempty"`
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !g.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.User == "" || req.Text == "" || req.Room == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user, text and room are required"})
		return
	}
	if utf8.RuneCountInString(req.Text) > maxMessageLength {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("text exceeds %d characters", maxMessageLength)})
		return
	}
	if req.ID == "" {
		req.ID = newRequestID()
	}

	cmd := raft.Command{Type: raft.CommandChat, User: req.User, Text: req.Text, Room: req.Room, ID: req.ID}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	result, err := g.Node.Submit(ctx, cmd)
	if err != nil {
		g.Logger.Printf("%s: /chat submit error: %v", g.Self, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "failed to submit command"})
		return
	}

	g.writeSubmitResult(w, r, result)
}

// writeSubmitResult maps a raft.SubmitResult onto the HTTP response per
// spec.md §4.5's classification table, grounded on original_source's
// node.py branching on raft.handle_client_command()'s status field:
// node.py:315-345 always answers a not_leader status with a bare
// "HTTP/1.1 302 Found", with Location present when the leader is known and
// absent when it isn't — never a 307 or a 503 with a JSON body.
func (g *Gateway) writeSubmitResult(w http.ResponseWriter, r *http.Request, result raft.SubmitResult) {
	switch result.Status {
	case raft.StatusOK:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "index": result.Index})
	case raft.StatusNotLeader:
		if result.Leader != "" {
			if loc := g.leaderLocation(r, result.Leader); loc != "" {
				w.Header().Set("Location", loc)
			}
		}
		w.WriteHeader(http.StatusFound)
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "failed"})
	}
}

// leaderLocation builds the Location header value for the current leader,
// per spec.md §4.5's precedence: a configured public hostname (cloud mode),
// then the static node-id -> HTTP address map (local dev), then the
// incoming request's own scheme/Host as a last resort (so a client is
// never left with no hint at all).
func (g *Gateway) leaderLocation(r *http.Request, leaderID string) string {
	if g.PublicHost != "" {
		scheme := g.PublicScheme
		if scheme == "" {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s/chat", scheme, g.PublicHost)
	}
	if addr, ok := g.NodeHTTPAddrs[leaderID]; ok {
		return fmt.Sprintf("%s/chat", addr)
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
	}
	host := r.Host
	if host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s/chat", scheme, host)
}
