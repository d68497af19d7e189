package gateway

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

// handleKillLeader implements the chaos-testing endpoint described in
// spec.md §4.5.1, grounded line for line on original_source's node.py
// /kill-leader handler:
//   - an election in progress returns 503, rather than racing it;
//   - the leader itself replies 200 and then exits the process, so a test
//     harness can observe a real failover;
//   - a follower proxies the request to the current leader's HTTP address
//     and treats a connection-loss error from that proxy call as success,
//     since the leader dying mid-request is exactly what the caller wanted.
func (g *Gateway) handleKillLeader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if g.Node.ElectionInProgress() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "election_in_progress"})
		return
	}

	if g.Node.IsLeader() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "killed", "node": g.Self})
		go func() {
			time.Sleep(50 * time.Millisecond)
			os.Exit(0)
		}()
		return
	}

	status := g.Node.Status()
	if status.LeaderID == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no_known_leader"})
		return
	}
	addr, ok := g.NodeHTTPAddrs[status.LeaderID]
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "leader_address_unknown"})
		return
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(fmt.Sprintf("%s/kill-leader", addr), "application/json", nil)
	if err != nil {
		// The leader dying mid-request looks identical to a network error
		// here; both count as a successful kill from the caller's view.
		writeJSON(w, http.StatusOK, map[string]string{"status": "killed", "node": status.LeaderID})
		return
	}
	defer resp.Body.Close()
	writeJSON(w, resp.StatusCode, map[string]string{"status": "proxied", "node": status.LeaderID})
}
