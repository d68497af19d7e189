package gateway

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/A00N/distr-systems-d-chat/pkg/raft"
	"github.com/A00N/distr-systems-d-chat/pkg/statemachine"
)

// Gateway is the HTTP request gateway described in spec.md §4.5: the only
// component clients talk to. Grounded on original_source's node.py
// start_http_server, restructured onto net/http.ServeMux the way the
// teacher's pkg/api/http.go structures its HTTPHandler.
type Gateway struct {
	Self   string
	Node   *raft.Node
	Chat   *statemachine.ChatState
	Logger *log.Logger

	// Location policy inputs, in precedence order (spec.md §4.5):
	// PublicHost/PublicScheme (cloud mode) > NodeHTTPAddrs (local dev map)
	// > incoming request's own Host/X-Forwarded-Proto headers.
	PublicHost   string
	PublicScheme string
	NodeHTTPAddrs map[string]string

	limiter *rate.Limiter
	mux     *http.ServeMux
}

// New builds a Gateway and registers its routes on a fresh ServeMux. The
// chat limiter allows a steady 20 req/s per process with a burst of 40,
// grounded on the pack's d1n2oj-real-time-multi-tenant-cdn-analytics-engine
// use of golang.org/x/time/rate for inbound request shaping.
func New(self string, node *raft.Node, chat *statemachine.ChatState, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	g := &Gateway{
		Self:          self,
		Node:          node,
		Chat:          chat,
		Logger:        logger,
		NodeHTTPAddrs: map[string]string{},
		limiter:       rate.NewLimiter(rate.Limit(20), 40),
	}
	g.mux = http.NewServeMux()
	g.mux.HandleFunc("/health", g.handleHealth)
	g.mux.HandleFunc("/messages", g.handleMessages)
	g.mux.HandleFunc("/chat", g.handleChat)
	g.mux.HandleFunc("/instances", g.handleInstances)
	g.mux.HandleFunc("/leader", g.handleLeader)
	g.mux.HandleFunc("/kill-leader", g.handleKillLeader)
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": g.Self})
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": g.Chat.All()})
}

func (g *Gateway) handleLeader(w http.ResponseWriter, r *http.Request) {
	status := g.Node.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"self":   g.Self,
		"leader": status.LeaderID,
		"term":   status.Term,
		"role":   status.Role.String(),
	})
}

// handleInstances answers with the currently-known node identifiers.
// original_source's node.py delegates to raft.get_all_node_ids(), whose
// implementation isn't present in the retrieved source; this port returns
// the configured node-id -> http-address map's keys when one is set (local
// dev / static deployments), falling back to "self only" in cloud mode
// where peers are addresses, not stable ids.
func (g *Gateway) handleInstances(w http.ResponseWriter, r *http.Request) {
	ids := []string{g.Self}
	for id := range g.NodeHTTPAddrs {
		if id != g.Self {
			ids = append(ids, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": ids})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newRequestID() string {
	return uuid.NewString()
}
