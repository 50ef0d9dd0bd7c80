// Package imagestore persists snapshot images to disk for the dashboard and
// thumbnail topics to serve.
package imagestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/trymwestin/blinkd/internal/core/state"
)

// Store writes camera snapshots under a single directory, one file per
// camera, newest snapshot winning.
type Store struct {
	dir string
	log *slog.Logger
}

// New creates a store rooted at dir.
func New(dir string, log *slog.Logger) *Store {
	return &Store{dir: dir, log: log}
}

// Dir returns the storage directory, for the HTTP layer to serve.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the image for a camera and returns the stored filename.
func (s *Store) Save(camera string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("imagestore: mkdir %s: %w", s.dir, err)
	}

	name := state.CleanName(camera) + ".jpg"
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("imagestore: write %s: %w", path, err)
	}

	s.log.Debug("snapshot image stored", "camera", camera, "path", path, "bytes", len(data))
	return name, nil
}
