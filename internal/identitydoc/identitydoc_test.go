package identitydoc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_ValidDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker-1.json"),
		[]byte(`{"worker":"worker-1","public_key_fingerprint":"abc123","issued_at":"2026-01-01T00:00:00Z"}`), 0o644))

	s := New(dir)
	doc, err := s.Load("worker-1")
	require.NoError(t, err)
	require.Equal(t, "worker-1", doc.Worker)
	require.Equal(t, "abc123", doc.PublicKeyFingerprint)
}

func TestLoad_MissingDocument(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Load("ghost")
	require.Error(t, err)
}
