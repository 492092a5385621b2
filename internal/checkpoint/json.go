package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"mailmigrate/internal/config"
)

// JSONStore keeps the checkpoint as one JSON object mapping account to the
// array of confirmed folders. The whole file is rewritten after every update.
type JSONStore struct {
	path string

	mu     sync.Mutex
	state  map[string][]string
	closed bool
}

// NewJSONStore loads the checkpoint at path. A missing file is an empty checkpoint.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{path: path, state: make(map[string][]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	if s.state == nil {
		s.state = make(map[string][]string)
	}
	return s, nil
}

// Confirmed returns the account's confirmed folders
func (s *JSONStore) Confirmed(account string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}
	return append([]string(nil), s.state[account]...), nil
}

// MarkSynced merges folders into the account's set and rewrites the file
func (s *JSONStore) MarkSynced(account string, folders []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}

	current := s.state[account]
	have := make(map[string]bool, len(current))
	for _, f := range current {
		have[f] = true
	}
	next := append([]string(nil), current...)
	for _, f := range folders {
		if !have[f] {
			have[f] = true
			next = append(next, f)
		}
	}
	if len(next) == len(current) {
		return nil
	}

	prev := s.state[account]
	s.state[account] = next
	if err := s.flushLocked(); err != nil {
		s.state[account] = prev
		return err
	}
	return nil
}

// Snapshot returns a copy of the whole checkpoint
func (s *JSONStore) Snapshot() (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.state))
	for k, v := range s.state {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

// Reset forgets one account, or all of them
func (s *JSONStore) Reset(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account == "" {
		s.state = make(map[string][]string)
	} else {
		delete(s.state, account)
	}
	return s.flushLocked()
}

// Close marks the store closed
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *JSONStore) flushLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := config.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", s.path, err)
	}
	return nil
}
