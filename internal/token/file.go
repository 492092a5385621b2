package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"mailmigrate/internal/config"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// FileStore persists one identity's token record as JSON.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the token file location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the token record. Returns (nil, nil) if the file does not exist.
func (s *FileStore) Load() (*Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}
	if err != nil {
		return nil, fmt.Errorf("token: reading %s: %w", s.path, err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("token: decoding %s: %w", s.path, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token: %s has no access token", s.path)
	}
	return &tok, nil
}

// Save writes the token record atomically with 0600 permissions.
func (s *FileStore) Save(tok *Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("token: encoding: %w", err)
	}
	if err := config.WriteFileAtomic(s.path, data, FilePerms); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	return nil
}
