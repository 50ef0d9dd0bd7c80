package imagestore

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images")
	s := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))

	name, err := s.Save("Front Door", []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, "front_door.jpg", name)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	// A newer snapshot for the same camera replaces the file.
	_, err = s.Save("Front Door", []byte("second"))
	require.NoError(t, err)

	data, err = os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	assert.Equal(t, dir, s.Dir())
}
