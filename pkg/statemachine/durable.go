package statemachine

import (
	"fmt"
	"os"
	"path/filepath"
)

// appendLine appends a single already-newline-terminated line to path,
// creating the file and its parent directory if necessary. Used for the
// common case where a committed command only ever grows the durable file.
func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("statemachine: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("statemachine: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("statemachine: write %s: %w", path, err)
	}
	return f.Sync()
}

// rewriteFile atomically replaces path's contents with lines, used when the
// retention window forces dropping old entries: the teacher's WAL snapshot
// writer (pkg/wal/wal.go SaveSnapshot) uses the identical temp-file-then-
// rename discipline to avoid ever leaving a half-written file on disk.
func rewriteFile(path string, lines [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("statemachine: create dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("statemachine: open temp %s: %w", tmp, err)
	}
	for _, line := range lines {
		if _, err := f.Write(line); err != nil {
			f.Close()
			return fmt.Errorf("statemachine: write temp %s: %w", tmp, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("statemachine: sync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("statemachine: close temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("statemachine: rename %s: %w", tmp, err)
	}
	return nil
}

// readLines reads path and splits it into raw lines (without trailing
// newline), returning an empty slice rather than an error when the file is
// missing — matches the original's state_machine.py _load, which never
// raises on a missing or unreadable file (spec.md §9 errata #1).
func readLines(path string) ([][]byte, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, nil
	}
	var lines [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			if i > start {
				lines = append(lines, b[start:i])
			}
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, b[start:])
	}
	return lines, nil
}
