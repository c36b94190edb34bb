// Package registry holds the two in-memory registries spec.md §3-§4.D/E
// describe: worker availability and running agent sessions. Neither
// persists across restarts; the availability snapshot is written to
// disk purely so external readers (not this process) can observe it.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is a worker's coarse activity state.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Role labels a busy worker's job class.
type Role string

const (
	RoleTrader  Role = "trader"
	RoleManager Role = "manager"
	RoleScanner Role = "scanner"
	RoleHealth  Role = "health"
	RoleContent Role = "content"
	RoleCounsel Role = "counsel"
	RoleScout   Role = "scout"
)

// Worker is one entry of the availability registry (spec.md §3).
type Worker struct {
	Name          string     `json:"name"`
	Status        Status     `json:"status"`
	Role          Role       `json:"role,omitempty"`
	Assignment    string     `json:"assignment,omitempty"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Availability is the in-memory worker→state map, serialized by a
// single mutex per spec.md §5. Snapshots are atomically written to
// disk (write-temp-then-rename) so a crash mid-write never corrupts
// the externally-readable file.
type Availability struct {
	mu           sync.Mutex
	workers      map[string]*Worker
	snapshotPath string
	apexName     string
	heartbeatMax time.Duration
	now          func() time.Time
}

// NewAvailability seeds the registry from the static whitelist, all
// workers starting idle, per spec.md §3 Lifecycle.
func NewAvailability(whitelist []string, apexName, snapshotPath string, heartbeatMax time.Duration) *Availability {
	workers := make(map[string]*Worker, len(whitelist))
	for _, name := range whitelist {
		workers[name] = &Worker{Name: name, Status: StatusIdle}
	}
	return &Availability{
		workers:      workers,
		snapshotPath: snapshotPath,
		apexName:     apexName,
		heartbeatMax: heartbeatMax,
		now:          time.Now,
	}
}

// Snapshot returns a defensive copy of every worker's current state.
func (a *Availability) Snapshot() []Worker {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Worker, 0, len(a.workers))
	for _, w := range a.workers {
		out = append(out, *w)
	}
	return out
}

// Get returns a copy of one worker's state.
func (a *Availability) Get(name string) (Worker, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workers[name]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// MarkBusy transitions worker to busy under the given role/assignment.
// The apex identity is never tracked here (spec.md §3 invariant).
func (a *Availability) MarkBusy(name string, role Role, assignment string) error {
	if name == a.apexName {
		return nil
	}
	now := a.now()

	a.mu.Lock()
	w, ok := a.workers[name]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownWorker
	}
	w.Status = StatusBusy
	w.Role = role
	w.Assignment = assignment
	w.AssignedAt = &now
	if role == RoleManager {
		w.LastHeartbeat = &now
	}
	a.mu.Unlock()

	return a.writeSnapshot()
}

// MarkIdle releases worker back to idle, clearing role/assignment.
func (a *Availability) MarkIdle(name string) error {
	a.mu.Lock()
	w, ok := a.workers[name]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownWorker
	}
	w.Status = StatusIdle
	w.Role = ""
	w.Assignment = ""
	w.AssignedAt = nil
	w.LastHeartbeat = nil
	a.mu.Unlock()

	return a.writeSnapshot()
}

// Heartbeat refreshes last_heartbeat for a manager-role worker.
func (a *Availability) Heartbeat(name string) error {
	now := a.now()

	a.mu.Lock()
	w, ok := a.workers[name]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownWorker
	}
	if w.Role != RoleManager {
		a.mu.Unlock()
		return ErrNotManager
	}
	w.LastHeartbeat = &now
	a.mu.Unlock()

	return a.writeSnapshot()
}

// TimeoutSweep releases any manager-role worker whose last heartbeat
// exceeds heartbeatMax, returning the names released so the caller can
// emit MANAGER_TIMEOUT audit events.
func (a *Availability) TimeoutSweep() []string {
	cutoff := a.now().Add(-a.heartbeatMax)
	var released []string

	a.mu.Lock()
	for name, w := range a.workers {
		if w.Role != RoleManager || w.LastHeartbeat == nil {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			w.Status = StatusIdle
			w.Role = ""
			w.Assignment = ""
			w.AssignedAt = nil
			w.LastHeartbeat = nil
			released = append(released, name)
		}
	}
	a.mu.Unlock()

	if len(released) > 0 {
		_ = a.writeSnapshot()
	}
	return released
}

// writeSnapshot atomically persists the current state so an external
// reader never observes a partially-written file.
func (a *Availability) writeSnapshot() error {
	if a.snapshotPath == "" {
		return nil
	}

	snapshot := a.Snapshot()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(a.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".availability-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, a.snapshotPath)
}
