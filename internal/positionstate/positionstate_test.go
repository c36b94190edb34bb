package positionstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReader_MissingFileReturnsNil(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	out, err := r.Read()
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestReader_EmptyPathReturnsNil(t *testing.T) {
	r := New("")
	out, err := r.Read()
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestReader_ReadsCurrentContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "position-state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"worker-1":{"mint1":5.0}}`), 0o644))

	r := New(path)
	out, err := r.Read()
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Contains(t, m, "worker-1")
}
