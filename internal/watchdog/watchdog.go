// Package watchdog runs the three background sweep loops spec.md §4.J
// names: session timeout, orphan detection, and manager-heartbeat
// timeout. Each runs as its own goroutine on the same cadence and
// swallows its own failures so one loop's trouble never stops another.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/vessel-relay/internal/apexclient"
	"github.com/ocx/vessel-relay/internal/audit"
	"github.com/ocx/vessel-relay/internal/registry"
	"github.com/ocx/vessel-relay/internal/vessel"
)

// SessionReleaser abstracts the session-specific teardown a sweep
// requires after it has already marked a session terminal (signal the
// local process / send a cancel frame, then release the worker);
// implemented by internal/dispatch.Dispatcher in production.
type SessionReleaser interface {
	ForceRelease(sess registry.Session) error
}

// Watchdog bundles the sweeps and their dependencies.
type Watchdog struct {
	Sessions     *registry.Sessions
	Availability *registry.Availability
	Hub          *vessel.Hub
	Dispatch     SessionReleaser
	Audit        *audit.Logger
	Apex         *apexclient.Client
	Interval     time.Duration
}

// notifyOperator best-effort notifies the operator through the apex
// API; a failure here only gets logged, never blocks a sweep.
func (w *Watchdog) notifyOperator(sweep, message string) {
	if w.Apex == nil {
		return
	}
	if err := w.Apex.Notify(context.Background(), apexclient.NotifyRequest{Message: message}); err != nil {
		slog.Error("watchdog: notifying operator failed", "sweep", sweep, "error", err)
	}
}

// Run starts all three sweep loops; it returns immediately and each
// loop stops when ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	go w.loop(ctx, "session_timeout", w.sweepSessionTimeouts)
	go w.loop(ctx, "orphan_detection", w.sweepOrphans)
	go w.loop(ctx, "manager_heartbeat", w.sweepManagerTimeouts)
}

func (w *Watchdog) loop(ctx context.Context, name string, sweep func()) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.safely(name, sweep)
		}
	}
}

// safely recovers a panicking sweep so the other two loops keep running.
func (w *Watchdog) safely(name string, sweep func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("watchdog sweep panicked", "sweep", name, "recovered", r)
		}
	}()
	sweep()
}

// sweepSessionTimeouts implements spec.md §4.E's timeout sweep: for
// every running session older than the horizon, kill it, release the
// worker, and notify the operator.
func (w *Watchdog) sweepSessionTimeouts() {
	expired := w.Sessions.TimeoutSweep()
	for _, sess := range expired {
		if err := w.Dispatch.ForceRelease(sess); err != nil {
			slog.Error("watchdog: releasing timed-out session failed", "session", sess.ID, "error", err)
		}
		w.Audit.Emit(audit.ActionSessionTimedOut, map[string]any{"session_id": sess.ID, "worker": sess.Worker})
		w.notifyOperator("session_timeout", fmt.Sprintf("session %s for worker %s timed out and was released", sess.ID, sess.Worker))
	}
}

// sweepOrphans implements spec.md §4.E's orphan sweep: remote sessions
// whose vessel is gone are marked orphaned and their worker released.
// Local sessions manage their own lifecycle and are skipped.
func (w *Watchdog) sweepOrphans() {
	connected := w.Hub.ConnectedSet()
	orphaned := w.Sessions.OrphanSweep(connected)
	for _, sess := range orphaned {
		if err := w.Availability.MarkIdle(sess.Worker); err != nil {
			slog.Error("watchdog: releasing orphaned worker failed", "worker", sess.Worker, "error", err)
		}
		w.Audit.Emit(audit.ActionSessionOrphaned, map[string]any{"session_id": sess.ID, "worker": sess.Worker, "vessel_id": sess.VesselID})
		w.notifyOperator("orphan_detection", fmt.Sprintf("worker %s's session %s was orphaned (vessel %s gone) and released", sess.Worker, sess.ID, sess.VesselID))
	}
}

// sweepManagerTimeouts implements spec.md §4.D's manager-heartbeat sweep.
func (w *Watchdog) sweepManagerTimeouts() {
	released := w.Availability.TimeoutSweep()
	for _, worker := range released {
		w.Audit.Emit(audit.ActionManagerTimeout, map[string]any{"worker": worker})
	}
}
