// Package dispatch implements the Agent Dispatcher (spec.md §4.H):
// the sequenced authorization checks every spawn request passes
// through, and the local/remote branching that follows.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/vessel-relay/internal/apexclient"
	"github.com/ocx/vessel-relay/internal/audit"
	"github.com/ocx/vessel-relay/internal/gate"
	"github.com/ocx/vessel-relay/internal/identitydoc"
	"github.com/ocx/vessel-relay/internal/registry"
	"github.com/ocx/vessel-relay/internal/relayerr"
	"github.com/ocx/vessel-relay/internal/runner"
	"github.com/ocx/vessel-relay/internal/taskstore"
	"github.com/ocx/vessel-relay/internal/vessel"
)

// Mode mirrors registry.Mode at the dispatch API boundary.
type Mode = registry.Mode

// jobTypeRoles is the dispatcher's static job-type -> availability-role
// table (spec.md §4.H "Job-type -> role mapping").
var jobTypeRoles = map[string]registry.Role{
	"trade":        registry.RoleTrader,
	"manage":       registry.RoleManager,
	"scan":         registry.RoleScanner,
	"health_check": registry.RoleHealth,
	"content":      registry.RoleContent,
	"counsel":      registry.RoleCounsel,
	"scout":        registry.RoleScout,
}

// Dispatcher ties the registries, gate verifier, vessel hub, task
// store, identity documents, and local runner together behind the
// single spawn(...) entrypoint spec.md §4.H names.
type Dispatcher struct {
	ApexName string

	Gate         *gate.Verifier
	Availability *registry.Availability
	Sessions     *registry.Sessions
	Hub          *vessel.Hub
	Tasks        *taskstore.Store
	Identity     *identitydoc.Store
	Runner       *runner.Runner
	Apex         *apexclient.Client
	Audit        *audit.Logger

	SessionTimeout time.Duration
	whitelist      map[string]struct{}
}

func New(apexName string, whitelist []string, gateV *gate.Verifier, avail *registry.Availability,
	sessions *registry.Sessions, hub *vessel.Hub, tasks *taskstore.Store, identity *identitydoc.Store,
	runnr *runner.Runner, apex *apexclient.Client, auditLog *audit.Logger, sessionTimeout time.Duration) *Dispatcher {

	wl := make(map[string]struct{}, len(whitelist))
	for _, w := range whitelist {
		wl[w] = struct{}{}
	}

	return &Dispatcher{
		ApexName: apexName, Gate: gateV, Availability: avail, Sessions: sessions, Hub: hub,
		Tasks: tasks, Identity: identity, Runner: runnr, Apex: apex, Audit: auditLog,
		SessionTimeout: sessionTimeout, whitelist: wl,
	}
}

// Result is the response spec.md §4.H's spawn(...) contract returns.
type Result struct {
	SessionID string
	Status    string
}

// Spawn authorizes and routes one spawn request. caller is the
// attributed requester (from X-Requester); only the apex identity may
// call this (spec.md §4.H step 1).
func (d *Dispatcher) Spawn(ctx context.Context, caller, worker, jobType, prompt string, mode Mode, maxTurns int) (Result, error) {
	if caller != d.ApexName {
		d.Audit.Emit(audit.ActionDispatchFailed, map[string]any{"worker": worker, "reason": "caller_not_apex", "caller": caller})
		return Result{}, relayerr.New(relayerr.KindCrossAgent, "only apex may dispatch agents")
	}

	if worker == d.ApexName {
		d.Audit.Emit(audit.ActionDispatchFailed, map[string]any{"worker": worker, "reason": "target_is_apex"})
		return Result{}, relayerr.New(relayerr.KindCrossAgent, "cannot dispatch the apex identity")
	}
	if _, ok := d.whitelist[worker]; !ok {
		d.Audit.Emit(audit.ActionDispatchFailed, map[string]any{"worker": worker, "reason": "not_whitelisted"})
		return Result{}, relayerr.New(relayerr.KindCrossAgent, "worker is not whitelisted")
	}

	ok, err := d.Gate.Verify(worker)
	if err != nil {
		d.Audit.Emit(audit.ActionGateFailClosed, map[string]any{"worker": worker})
		return Result{}, relayerr.Wrap(relayerr.KindGateDenied, "gate verifier failed closed", err)
	}
	if !ok {
		d.Audit.Emit(audit.ActionGateDenied, map[string]any{"worker": worker})
		return Result{}, relayerr.New(relayerr.KindGateDenied, "no valid gate for worker")
	}
	d.Audit.Emit(audit.ActionGateOK, map[string]any{"worker": worker})

	if _, busy := d.Sessions.RunningForWorker(worker); busy {
		d.Audit.Emit(audit.ActionDispatchFailed, map[string]any{"worker": worker, "reason": "worker_busy"})
		return Result{}, relayerr.New(relayerr.KindValidation, "worker is currently busy")
	}

	role, ok := jobTypeRoles[jobType]
	if !ok {
		return Result{}, relayerr.New(relayerr.KindValidation, fmt.Sprintf("unknown job type %q", jobType))
	}

	switch mode {
	case registry.ModeRemote:
		return d.spawnRemote(ctx, worker, jobType, prompt, role, maxTurns)
	case registry.ModeLocal:
		return d.spawnLocal(worker, jobType, prompt, role, maxTurns)
	default:
		return Result{}, relayerr.New(relayerr.KindValidation, fmt.Sprintf("unknown mode %q", mode))
	}
}

// spawnRemote implements spec.md §4.H's remote branch. The vessel
// identity is assumed equal to the worker identity — one persistent
// channel per worker's remote execution host.
func (d *Dispatcher) spawnRemote(ctx context.Context, worker, jobType, prompt string, role registry.Role, maxTurns int) (Result, error) {
	vesselID := worker
	if !d.Hub.Connected(vesselID) {
		d.Audit.Emit(audit.ActionDispatchFailed, map[string]any{"worker": worker, "reason": "vessel_not_connected"})
		return Result{}, relayerr.New(relayerr.KindCapacity, "vessel is not connected")
	}

	doc, err := d.Identity.Load(worker)
	if err != nil {
		d.Audit.Emit(audit.ActionDispatchFailed, map[string]any{"worker": worker, "reason": "identity_load_failed"})
		return Result{}, relayerr.Wrap(relayerr.KindInternal, "loading worker identity document", err)
	}

	sessionID := uuid.NewString()

	payload := map[string]any{
		"prompt":     prompt,
		"worker":     worker,
		"identity":   doc,
		"job_type":   jobType,
		"session_id": sessionID,
		"max_turns":  maxTurns,
	}

	task := taskstore.Task{
		TaskID:      uuid.NewString(),
		VesselID:    vesselID,
		TaskType:    taskstore.TypeAgent,
		Payload:     payload,
		SubmittedAt: time.Now(),
	}
	if err := d.Tasks.Submit(ctx, task); err != nil {
		return Result{}, relayerr.Wrap(relayerr.KindInternal, "persisting task", err)
	}

	if err := d.Availability.MarkBusy(worker, role, task.TaskID); err != nil {
		return Result{}, relayerr.Wrap(relayerr.KindInternal, "marking worker busy", err)
	}

	d.Sessions.Create(registry.Session{
		ID: sessionID, Worker: worker, JobType: jobType, Mode: registry.ModeRemote,
		TaskID: task.TaskID, VesselID: vesselID, PromptPreview: preview(prompt),
	})

	d.Audit.Emit(audit.ActionDispatchOK, map[string]any{"worker": worker, "mode": "remote", "session_id": sessionID})
	return Result{SessionID: sessionID, Status: "dispatched"}, nil
}

// spawnLocal implements spec.md §4.H's local branch / §4.I.
func (d *Dispatcher) spawnLocal(worker, jobType, prompt string, role registry.Role, maxTurns int) (Result, error) {
	handle, err := d.Runner.Spawn(worker, prompt, maxTurns)
	if err != nil {
		d.Audit.Emit(audit.ActionDispatchFailed, map[string]any{"worker": worker, "reason": "spawn_failed"})
		return Result{}, relayerr.Wrap(relayerr.KindInternal, "spawning local executor", err)
	}

	sessionID := uuid.NewString()
	if err := d.Availability.MarkBusy(worker, role, sessionID); err != nil {
		return Result{}, relayerr.Wrap(relayerr.KindInternal, "marking worker busy", err)
	}

	d.Sessions.Create(registry.Session{
		ID: sessionID, Worker: worker, JobType: jobType, Mode: registry.ModeLocal,
		Cmd: handle.Cmd, ConfigCleanupPath: handle.ConfigPath, PromptPreview: preview(prompt),
	})

	d.Audit.Emit(audit.ActionDispatchOK, map[string]any{"worker": worker, "mode": "local", "session_id": sessionID})

	go d.awaitLocal(sessionID, worker, handle)

	return Result{SessionID: sessionID, Status: "dispatched"}, nil
}

// awaitLocal waits for the child process to exit (or be killed on
// timeout), records the structured result, and releases the worker —
// spec.md §4.I's "background task awaits process exit" step.
func (d *Dispatcher) awaitLocal(sessionID, worker string, handle *runner.Handle) {
	res := d.Runner.Await(context.Background(), handle, d.SessionTimeout)

	status := registry.SessionCompleted
	switch {
	case res.TimedOut:
		status = registry.SessionTimedOut
	case res.Crashed:
		status = registry.SessionError
	}

	result := map[string]any{
		"exit_code":  res.ExitCode,
		"stdout":     res.Stdout,
		"raw_stdout": res.RawStdout,
		"stderr":     res.Stderr,
	}
	d.Sessions.Complete(sessionID, status, result)

	if err := d.Availability.MarkIdle(worker); err != nil {
		d.Audit.Emit(audit.ActionSessionError, map[string]any{"worker": worker, "session_id": sessionID, "error": err.Error()})
	}

	action := audit.ActionSessionCompleted
	if status == registry.SessionTimedOut {
		action = audit.ActionSessionTimedOut
	} else if status == registry.SessionError {
		action = audit.ActionSessionError
	}
	d.Audit.Emit(action, map[string]any{"worker": worker, "session_id": sessionID})
}

// HandleResult implements vessel.ResultHandler: correlates an inbound
// result frame to its session, updates the task store, and releases
// the worker (spec.md §4.G).
func (d *Dispatcher) HandleResult(vesselID, taskID, status string, result map[string]any) {
	ctx := context.Background()
	if err := d.Tasks.UpdateStatus(ctx, taskID, taskstore.Status(status), result); err != nil {
		d.Audit.Emit(audit.ActionSessionError, map[string]any{"task_id": taskID, "error": err.Error()})
	}

	sessionID, _ := result["session_id"].(string)
	if sessionID == "" {
		return
	}
	sess, ok := d.Sessions.Get(sessionID)
	if !ok || sess.IsTerminal() {
		return
	}

	sessStatus := registry.SessionCompleted
	if status == string(taskstore.StatusError) {
		sessStatus = registry.SessionError
	}
	d.Sessions.Complete(sessionID, sessStatus, result)

	if err := d.Availability.MarkIdle(sess.Worker); err != nil {
		d.Audit.Emit(audit.ActionSessionError, map[string]any{"worker": sess.Worker, "session_id": sessionID, "error": err.Error()})
	}
	d.Audit.Emit(audit.ActionSessionCompleted, map[string]any{"worker": sess.Worker, "session_id": sessionID})
}

// HandleCancelAck implements vessel.ResultHandler; purely informational
// per spec.md §4.G.
func (d *Dispatcher) HandleCancelAck(vesselID, taskID string, cancelled bool) {
	d.Audit.Emit(audit.ActionSessionKilled, map[string]any{"vessel_id": vesselID, "task_id": taskID, "cancelled": cancelled})
}

// Kill implements the cancellation contract of spec.md §5: local
// sessions get a graceful-then-hard-kill signal, remote sessions get a
// cancel_task frame. Killing an already-terminal (or unknown) session
// is a no-op success.
func (d *Dispatcher) Kill(sessionID string) (string, error) {
	sess, ok := d.Sessions.Get(sessionID)
	if !ok {
		return "not_found", nil
	}
	if sess.IsTerminal() {
		return "already_terminal", nil
	}

	switch sess.Mode {
	case registry.ModeLocal:
		if sess.Cmd != nil && sess.Cmd.Process != nil {
			_ = sess.Cmd.Process.Signal(killSignal())
			go func() {
				time.Sleep(5 * time.Second)
				if killed, _ := d.Sessions.Kill(sessionID); killed.Status == registry.SessionKilled {
					_ = sess.Cmd.Process.Kill()
				}
			}()
		}
	case registry.ModeRemote:
		if conn, ok := d.Hub.Get(sess.VesselID); ok {
			conn.RequestCancel(sess.TaskID)
		}
	}

	d.Sessions.Kill(sessionID)
	if err := d.Availability.MarkIdle(sess.Worker); err != nil {
		return "", relayerr.Wrap(relayerr.KindInternal, "releasing worker after kill", err)
	}
	d.Audit.Emit(audit.ActionSessionKilled, map[string]any{"worker": sess.Worker, "session_id": sessionID})
	return "killed", nil
}

// ForceRelease signals the underlying process/vessel for a session the
// watchdog has already marked terminal (timed out or orphaned) and
// releases its worker. Unlike Kill, it does not re-check or mutate the
// session's status — the sweep that produced sess already did that.
func (d *Dispatcher) ForceRelease(sess registry.Session) error {
	switch sess.Mode {
	case registry.ModeLocal:
		if sess.Cmd != nil && sess.Cmd.Process != nil {
			_ = sess.Cmd.Process.Signal(killSignal())
			go func(p *os.Process) {
				time.Sleep(5 * time.Second)
				_ = p.Kill()
			}(sess.Cmd.Process)
		}
	case registry.ModeRemote:
		if conn, ok := d.Hub.Get(sess.VesselID); ok {
			conn.RequestCancel(sess.TaskID)
		}
	}
	return d.Availability.MarkIdle(sess.Worker)
}

// Release implements a manual release request: idempotent, a no-op
// success if the worker is already idle (spec.md §8 idempotence laws).
func (d *Dispatcher) Release(worker string) error {
	w, ok := d.Availability.Get(worker)
	if !ok {
		return relayerr.New(relayerr.KindNotFound, "unknown worker")
	}
	if w.Status == registry.StatusIdle {
		return nil
	}
	if err := d.Availability.MarkIdle(worker); err != nil {
		return relayerr.Wrap(relayerr.KindInternal, "releasing worker", err)
	}
	d.Audit.Emit(audit.ActionWorkerReleased, map[string]any{"worker": worker})
	return nil
}

// killSignal is SIGTERM — the graceful signal sent before the 5s
// hard-kill escalation spec.md §5 describes.
func killSignal() os.Signal { return syscall.SIGTERM }

func preview(prompt string) string {
	const maxLen = 160
	if len(prompt) <= maxLen {
		return prompt
	}
	return prompt[:maxLen]
}
