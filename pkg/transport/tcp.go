package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/A00N/distr-systems-d-chat/pkg/raft"
)

// envelope is the one-JSON-object-per-line wire frame used for every peer
// RPC, grounded on original_source's message_protocol.py encode_msg/
// decode_msg and raft.py's _handle_peer_connection readline loop (spec.md
// §4.4/§6: "one JSON object per line, one request/response per
// connection"). CorrelationID is new wiring (not present in the original):
// a fresh id set on every request and echoed back in its reply; nothing
// logs or checks it.
type envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	typeRequestVote      = "request_vote"
	typeRequestVoteReply = "request_vote_reply"
	typeAppendEntries      = "append_entries"
	typeAppendEntriesReply = "append_entries_reply"
)

// TCP implements raft.Transport over plain TCP: dial, write one JSON line,
// read one JSON line back, close. Each call gets its own connection and a
// bounded deadline, matching raft.py's _send_request_vote/
// _send_append_entries (2s reference timeout) — a failed or timed-out call
// returns an error rather than a synthetic reply, so Node can tell "peer
// said no" from "couldn't reach peer".
type TCP struct {
	DialTimeout time.Duration
	RPCTimeout  time.Duration
}

// NewTCP returns a TCP transport using the 2s reference timeouts from
// spec.md §4.4.
func NewTCP() *TCP {
	return &TCP{DialTimeout: 2 * time.Second, RPCTimeout: 2 * time.Second}
}

func (t *TCP) call(ctx context.Context, addr string, reqType string, payload interface{}, replyType string, reply interface{}) error {
	dialer := net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(t.RPCTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set deadline: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode payload: %w", err)
	}
	req := envelope{Type: reqType, CorrelationID: uuid.NewString(), Payload: body}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("transport: write to %s: %w", addr, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("transport: read from %s: %w", addr, err)
		}
		return fmt.Errorf("transport: connection to %s closed before a reply arrived", addr)
	}

	var respEnv envelope
	if err := json.Unmarshal(scanner.Bytes(), &respEnv); err != nil {
		return fmt.Errorf("transport: decode envelope from %s: %w", addr, err)
	}
	if respEnv.Type != replyType {
		return fmt.Errorf("transport: unexpected reply type %q from %s", respEnv.Type, addr)
	}
	if err := json.Unmarshal(respEnv.Payload, reply); err != nil {
		return fmt.Errorf("transport: decode payload from %s: %w", addr, err)
	}
	return nil
}

// RequestVote implements raft.Transport.
func (t *TCP) RequestVote(ctx context.Context, addr string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	if err := t.call(ctx, addr, typeRequestVote, args, typeRequestVoteReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// AppendEntries implements raft.Transport.
func (t *TCP) AppendEntries(ctx context.Context, addr string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	if err := t.call(ctx, addr, typeAppendEntries, args, typeAppendEntriesReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
