// Package statecommitter persists a worker's local run state to disk so it
// survives a worker process restart, writing a temp file and renaming it
// into place so a crash mid-write never leaves a torn file behind.
package statecommitter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JSONStateCommitter commits a value of type T to a JSON file on disk.
type JSONStateCommitter[T any] struct {
	path string
}

// New returns a committer backed by the given file path. The parent
// directory must already exist.
func New[T any](path string) *JSONStateCommitter[T] {
	return &JSONStateCommitter[T]{path: path}
}

// Load reads the committed state. A missing file is not an error: it
// returns the zero value of T, matching a worker's first-ever startup.
func (c *JSONStateCommitter[T]) Load() (T, error) {
	var state T
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	return state, nil
}

// Commit writes state to a temp file in the same directory and renames it
// over the committed path, so a reader never observes a partial write.
func (c *JSONStateCommitter[T]) Commit(state T) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".statecommitter-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}
