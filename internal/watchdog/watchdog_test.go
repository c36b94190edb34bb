package watchdog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/vessel-relay/internal/apexclient"
	"github.com/ocx/vessel-relay/internal/audit"
	"github.com/ocx/vessel-relay/internal/registry"
	"github.com/ocx/vessel-relay/internal/taskstore"
	"github.com/ocx/vessel-relay/internal/vessel"
)

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeReleaser) ForceRelease(sess registry.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sess.ID)
	return nil
}

func (f *fakeReleaser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type noopTasks struct{}

func (noopTasks) Dequeue(_ context.Context, _ string) (taskstore.Task, bool, error) {
	return taskstore.Task{}, false, nil
}

type noopResults struct{}

func (noopResults) HandleResult(string, string, string, map[string]any) {}
func (noopResults) HandleCancelAck(string, string, bool)                {}

func newTestWatchdog(t *testing.T, interval time.Duration) (*Watchdog, *registry.Sessions, *registry.Availability, *fakeReleaser) {
	t.Helper()
	sessions := registry.NewSessions(30 * time.Millisecond)
	avail := registry.NewAvailability([]string{"worker-1"}, "Apex", "", time.Hour)

	hub := vessel.NewHub(3, noopTasks{}, noopResults{})
	auditLog, err := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), nil)
	require.NoError(t, err)
	releaser := &fakeReleaser{}

	return &Watchdog{
		Sessions: sessions, Availability: avail, Hub: hub, Dispatch: releaser, Audit: auditLog, Interval: interval,
	}, sessions, avail, releaser
}

func TestWatchdog_SessionTimeoutSweepReleases(t *testing.T) {
	w, sessions, avail, releaser := newTestWatchdog(t, 20*time.Millisecond)
	require.NoError(t, avail.MarkBusy("worker-1", registry.RoleScanner, "x"))
	sessions.Create(registry.Session{ID: "sess-1", Worker: "worker-1", Mode: registry.ModeLocal})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Run(ctx)

	require.Eventually(t, func() bool { return releaser.count() == 1 }, time.Second, 10*time.Millisecond)

	sess, _ := sessions.Get("sess-1")
	require.Equal(t, registry.SessionTimedOut, sess.Status)
}

func TestWatchdog_ManagerHeartbeatSweepReleases(t *testing.T) {
	w, _, avail, _ := newTestWatchdog(t, 20*time.Millisecond)
	avail = registry.NewAvailability([]string{"worker-1"}, "Apex", "", 10*time.Millisecond)
	w.Availability = avail
	require.NoError(t, avail.MarkBusy("worker-1", registry.RoleManager, "x"))
	require.NoError(t, avail.Heartbeat("worker-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Run(ctx)

	require.Eventually(t, func() bool {
		wk, _ := avail.Get("worker-1")
		return wk.Status == registry.StatusIdle
	}, time.Second, 10*time.Millisecond)
}

func TestWatchdog_OrphanSweepSkipsLocalSessions(t *testing.T) {
	w, sessions, avail, releaser := newTestWatchdog(t, 20*time.Millisecond)
	sessions.Create(registry.Session{ID: "sess-local", Worker: "worker-1", Mode: registry.ModeLocal})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Run(ctx)

	time.Sleep(80 * time.Millisecond)
	cancel()

	sess, _ := sessions.Get("sess-local")
	require.Equal(t, registry.SessionTimedOut, sess.Status) // session timeout sweep still applies
	_ = avail
	_ = releaser
}

func TestWatchdog_SessionTimeoutNotifiesOperator(t *testing.T) {
	var notified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notified.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, sessions, avail, releaser := newTestWatchdog(t, 20*time.Millisecond)
	w.Apex = apexclient.New(srv.URL, time.Second, time.Second, time.Second, time.Second, time.Second)
	require.NoError(t, avail.MarkBusy("worker-1", registry.RoleScanner, "x"))
	sessions.Create(registry.Session{ID: "sess-1", Worker: "worker-1", Mode: registry.ModeLocal})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Run(ctx)

	require.Eventually(t, func() bool { return releaser.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return notified.Load() > 0 }, time.Second, 10*time.Millisecond)
}
