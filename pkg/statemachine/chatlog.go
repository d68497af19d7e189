package statemachine

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/A00N/distr-systems-d-chat/pkg/raft"
)

// RetentionLimit bounds how many committed chat messages are kept in
// memory and on disk; older entries are dropped once the window is
// exceeded, per spec.md §4.2.
const RetentionLimit = 100

// ChatState is the replicated state machine: the deterministic sink every
// committed raft.Command is applied to. It tracks chat messages (bounded
// by RetentionLimit) and the current room membership built up from
// room_add/room_delete commands. Grounded on original_source's
// state_machine.py ChatState, extended with rooms per spec.md §3's data
// model (the Python prototype only ever tracked the flat message log).
type ChatState struct {
	mu       sync.Mutex
	path     string
	logger   *log.Logger
	messages []raft.Command
	rooms    map[string]map[string]bool // room -> set of users
}

// NewChatState loads any existing durable log at path (if non-empty) and
// returns a ready-to-use state machine. An empty path disables durability
// entirely (used by in-memory tests).
func NewChatState(path string, logger *log.Logger) *ChatState {
	if logger == nil {
		logger = log.Default()
	}
	cs := &ChatState{
		path:   path,
		logger: logger,
		rooms:  make(map[string]map[string]bool),
	}
	cs.load()
	return cs
}

func (cs *ChatState) load() {
	if cs.path == "" {
		return
	}
	lines, err := readLines(cs.path)
	if err != nil {
		cs.logger.Printf("statemachine: load %s: %v", cs.path, err)
		return
	}
	for _, line := range lines {
		var cmd raft.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			cs.logger.Printf("statemachine: skipping malformed durable line: %v", err)
			continue
		}
		cs.applyLocked(cmd, false)
	}
}

// Apply implements raft.StateMachine. It must never be called while the
// raft.Node holds its own consensus mutex.
func (cs *ChatState) Apply(cmd raft.Command) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.applyLocked(cmd, true)
}

// applyLocked mutates in-memory state for cmd and, when persist is true,
// appends it to the durable file (or triggers a retention rewrite when the
// window is exceeded). Caller must hold mu.
func (cs *ChatState) applyLocked(cmd raft.Command, persist bool) {
	switch cmd.Type {
	case raft.CommandChat:
		cs.messages = append(cs.messages, cmd)
		if len(cs.messages) > RetentionLimit {
			cs.messages = cs.messages[len(cs.messages)-RetentionLimit:]
			// Trimming always rewrites the durable file to match, whether
			// this trim happened during live Apply or during the initial
			// load — spec.md §4.2: "if the loaded length exceeds
			// RETENTION_LIMIT, trim and rewrite."
			cs.rewriteLocked()
			return
		}
	case raft.CommandRoomAdd:
		cs.ensureRoomLocked(cmd.Room)
		cs.rooms[cmd.Room][cmd.User] = true
	case raft.CommandRoomDelete:
		if cmd.Room == "general" {
			cs.logger.Printf("statemachine: room_delete for %q on room %q (the general room is conventionally not deletable; applying anyway, as committed)", cmd.User, cmd.Room)
		}
		if members, ok := cs.rooms[cmd.Room]; ok {
			delete(members, cmd.User)
		}
	default:
		cs.logger.Printf("statemachine: ignoring unknown command type %q", cmd.Type)
		return
	}

	if persist && cs.path != "" {
		line, err := json.Marshal(cmd)
		if err != nil {
			cs.logger.Printf("statemachine: encode command: %v", err)
			return
		}
		line = append(line, '\n')
		if err := appendLine(cs.path, line); err != nil {
			cs.logger.Printf("statemachine: append: %v", err)
		}
	}
}

func (cs *ChatState) ensureRoomLocked(room string) {
	if cs.rooms[room] == nil {
		cs.rooms[room] = make(map[string]bool)
	}
}

// rewriteLocked atomically rewrites the durable file to hold exactly the
// in-memory retained messages, used when retention trims the window.
// Caller must hold mu.
func (cs *ChatState) rewriteLocked() {
	if cs.path == "" {
		return
	}
	lines := make([][]byte, 0, len(cs.messages))
	for _, m := range cs.messages {
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		lines = append(lines, append(b, '\n'))
	}
	if err := rewriteFile(cs.path, lines); err != nil {
		cs.logger.Printf("statemachine: rewrite: %v", err)
	}
}

// All returns a copy of every retained chat message, oldest first.
func (cs *ChatState) All() []raft.Command {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]raft.Command, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// RoomMembers returns a snapshot of the users currently in room.
func (cs *ChatState) RoomMembers(room string) []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	members := cs.rooms[room]
	out := make([]string, 0, len(members))
	for u := range members {
		out = append(out, u)
	}
	return out
}
