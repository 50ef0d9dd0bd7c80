package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists the session across process restarts. Resuming a stored
// session is what avoids re-prompting for 2FA on every start.
type Store interface {
	// Load returns the stored session, or (nil, nil) when none exists.
	Load() (*Session, error)
	// Save persists the session durably.
	Save(*Session) error
	// Clear removes any stored session.
	Clear() error
}

// FileStore persists the session as a JSON file.
type FileStore struct {
	path string
}

// Ensure FileStore implements Store at compile time.
var _ Store = (*FileStore)(nil)

// NewFileStore creates a store writing to the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the stored session. A missing file is not an error.
func (s *FileStore) Load() (*Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth: load %s: %w", s.path, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("auth: parse %s: %w", s.path, err)
	}
	return &sess, nil
}

// Save writes the session, creating parent directories as needed.
func (s *FileStore) Save(sess *Session) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("auth: save %s: %w", s.path, err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: marshal session: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("auth: save %s: %w", s.path, err)
	}
	return nil
}

// Clear removes the stored session. A missing file is not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("auth: clear %s: %w", s.path, err)
	}
	return nil
}
