package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAvailability_SeedsWhitelistIdle(t *testing.T) {
	a := NewAvailability([]string{"worker-1", "worker-2"}, "Apex", "", time.Hour)
	snap := a.Snapshot()
	require.Len(t, snap, 2)
	for _, w := range snap {
		require.Equal(t, StatusIdle, w.Status)
	}
}

func TestAvailability_MarkBusyThenIdle(t *testing.T) {
	a := NewAvailability([]string{"worker-1"}, "Apex", "", time.Hour)
	require.NoError(t, a.MarkBusy("worker-1", RoleScanner, "token-xyz"))

	w, ok := a.Get("worker-1")
	require.True(t, ok)
	require.Equal(t, StatusBusy, w.Status)
	require.Equal(t, RoleScanner, w.Role)
	require.NotNil(t, w.AssignedAt)

	require.NoError(t, a.MarkIdle("worker-1"))
	w, _ = a.Get("worker-1")
	require.Equal(t, StatusIdle, w.Status)
	require.Empty(t, w.Role)
	require.Nil(t, w.AssignedAt)
}

func TestAvailability_ApexNeverTracked(t *testing.T) {
	a := NewAvailability([]string{"worker-1"}, "Apex", "", time.Hour)
	require.NoError(t, a.MarkBusy("Apex", RoleTrader, "x"))
	_, ok := a.Get("Apex")
	require.False(t, ok)
}

func TestAvailability_UnknownWorker(t *testing.T) {
	a := NewAvailability([]string{"worker-1"}, "Apex", "", time.Hour)
	require.ErrorIs(t, a.MarkBusy("ghost", RoleTrader, "x"), ErrUnknownWorker)
}

func TestAvailability_HeartbeatRequiresManagerRole(t *testing.T) {
	a := NewAvailability([]string{"worker-1"}, "Apex", "", time.Hour)
	require.NoError(t, a.MarkBusy("worker-1", RoleScanner, "x"))
	require.ErrorIs(t, a.Heartbeat("worker-1"), ErrNotManager)
}

func TestAvailability_ManagerTimeoutSweep(t *testing.T) {
	a := NewAvailability([]string{"worker-1"}, "Apex", "", time.Hour)
	frozen := time.Now()
	a.now = func() time.Time { return frozen }

	require.NoError(t, a.MarkBusy("worker-1", RoleManager, "x"))

	a.now = func() time.Time { return frozen.Add(2 * time.Hour) }
	released := a.TimeoutSweep()
	require.Equal(t, []string{"worker-1"}, released)

	w, _ := a.Get("worker-1")
	require.Equal(t, StatusIdle, w.Status)
}

func TestAvailability_ManagerTimeoutSweepNoOpBeforeHorizon(t *testing.T) {
	a := NewAvailability([]string{"worker-1"}, "Apex", "", time.Hour)
	require.NoError(t, a.MarkBusy("worker-1", RoleManager, "x"))
	released := a.TimeoutSweep()
	require.Empty(t, released)
}

func TestAvailability_SnapshotWrittenAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "availability.json")
	a := NewAvailability([]string{"worker-1"}, "Apex", path, time.Hour)

	require.NoError(t, a.MarkBusy("worker-1", RoleTrader, "x"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var workers []Worker
	require.NoError(t, json.Unmarshal(data, &workers))
	require.Len(t, workers, 1)
	require.Equal(t, StatusBusy, workers[0].Status)

	// No leftover temp files.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
