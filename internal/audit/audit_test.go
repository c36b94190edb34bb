package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger_EmitAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := New(path, nil)
	require.NoError(t, err)
	defer l.Close()

	l.Emit(ActionGateOK, map[string]any{"worker": "worker-1"})
	l.Emit(ActionGateDenied, map[string]any{"worker": "worker-2"})

	events, err := l.Tail(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ActionGateOK, events[0].Action)
	require.Equal(t, ActionGateDenied, events[1].Action)
}

func TestLogger_TailTruncatesToN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := New(path, nil)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Emit(ActionDispatchOK, map[string]any{"n": i})
	}

	events, err := l.Tail(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, float64(3), events[0].Fields["n"])
	require.Equal(t, float64(4), events[1].Fields["n"])
}

func TestLogger_TailOnEmptyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := New(path, nil)
	require.NoError(t, err)
	defer l.Close()

	events, err := l.Tail(10)
	require.NoError(t, err)
	require.Empty(t, events)
}
