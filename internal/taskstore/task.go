// Package taskstore implements the durable per-task record described
// in spec.md §4.F: submit/send/complete, queryable by id, backed by
// Postgres (via lib/pq) with an in-memory read cache and a FIFO queue
// per vessel.
package taskstore

import "time"

// Type is the kind of work a task carries.
type Type string

const (
	TypeShell   Type = "shell"
	TypeCode    Type = "code"
	TypeAgent   Type = "agent"
	TypeGeneric Type = "generic"
)

// Status is a task's lifecycle stage. Transitions form a DAG:
// queued -> sent -> {completed, error, timeout, cancelled, orphaned}.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusOrphaned  Status = "orphaned"
)

// Task is the durable record spec.md §3 names.
type Task struct {
	TaskID         string         `json:"task_id"`
	VesselID       string         `json:"vessel_id"`
	TaskType       Type           `json:"task_type"`
	Payload        map[string]any `json:"payload"`
	Priority       int            `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Status         Status         `json:"status"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
}

// terminalStatuses is the DAG's leaf set.
var terminalStatuses = map[Status]struct{}{
	StatusCompleted: {}, StatusError: {}, StatusTimeout: {},
	StatusCancelled: {}, StatusOrphaned: {},
}

func (t Task) IsTerminal() bool {
	_, ok := terminalStatuses[t.Status]
	return ok
}
