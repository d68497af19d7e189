package raft

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// persistedState is the only part of a node's consensus state that
// survives a restart. The replicated log itself is not persisted, matching
// the original prototype; see SPEC_FULL.md errata #2 for why term/vote are
// persisted even though the prototype they were distilled from does not.
type persistedState struct {
	CurrentTerm int64  `json:"current_term"`
	VotedFor    string `json:"voted_for"`
}

// statePath returns the path of the small term/vote file for a node id
// rooted at dir.
func statePath(dir, id string) string {
	return filepath.Join(dir, id+".state")
}

// loadPersistedState reads the term/vote file, returning the zero value
// when the file does not exist yet (first boot).
func loadPersistedState(dir, id string) (persistedState, error) {
	var ps persistedState
	if dir == "" {
		return ps, nil
	}
	b, err := os.ReadFile(statePath(dir, id))
	if os.IsNotExist(err) {
		return ps, nil
	}
	if err != nil {
		return ps, fmt.Errorf("raft: read state file: %w", err)
	}
	if err := json.Unmarshal(b, &ps); err != nil {
		return ps, fmt.Errorf("raft: decode state file: %w", err)
	}
	return ps, nil
}

// savePersistedState rewrites the term/vote file atomically (write to a
// temp file in the same directory, then rename) so a crash mid-write never
// leaves a truncated or partially-written file behind.
func savePersistedState(dir, id string, ps persistedState) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("raft: create state dir: %w", err)
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("raft: encode state file: %w", err)
	}
	final := statePath(dir, id)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("raft: write state file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("raft: rename state file: %w", err)
	}
	return nil
}
