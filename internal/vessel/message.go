// Package vessel implements the single authenticated bidirectional
// channel per vessel described in spec.md §4.G: one gorilla/websocket
// connection per vessel identity, a send loop draining that vessel's
// task queue, and a receive loop dispatching typed inbound frames.
package vessel

// Inbound message types, received from the vessel.
const (
	TypeResult    = "result"
	TypeCancelAck = "cancel_ack"
	TypeHeartbeat = "heartbeat"
)

// Outbound message types, sent to the vessel.
const (
	TypeTask       = "task"
	TypeCancelTask = "cancel_task"
	TypeHeartbeatAck = "heartbeat_ack"
)

// Inbound is the envelope for every frame read from a vessel
// connection; Type selects which of the optional fields are populated.
type Inbound struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
}

// Outbound is the envelope for every frame written to a vessel
// connection.
type Outbound struct {
	Type   string         `json:"type"`
	TaskID string         `json:"task_id,omitempty"`
	Task   map[string]any `json:"task,omitempty"`
}
