package vessel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/vessel-relay/internal/taskstore"
)

// TaskSource supplies the next queued task for a vessel; satisfied by
// *taskstore.Store.
type TaskSource interface {
	Dequeue(ctx context.Context, vesselID string) (taskstore.Task, bool, error)
}

// ResultHandler is notified of every result/cancel_ack frame a vessel
// sends back, letting the dispatcher correlate it to a session.
type ResultHandler interface {
	HandleResult(vesselID, taskID, status string, result map[string]any)
	HandleCancelAck(vesselID, taskID string, cancelled bool)
}

// Conn is one live vessel connection.
type Conn struct {
	VesselID string
	ws       *websocket.Conn
	send     chan Outbound
	closeC   chan struct{}
	closeOnce sync.Once
}

// Close tears down the connection's send loop; safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closeC) })
}

// RequestCancel asks the connection's send loop to deliver a cancel request
// for an in-flight task. Non-blocking: if the send channel is full the
// frame is dropped and the caller should rely on the session timeout
// sweep instead of retrying indefinitely.
func (c *Conn) RequestCancel(taskID string) bool {
	select {
	case c.send <- Outbound{Type: TypeCancelTask, TaskID: taskID}:
		return true
	default:
		return false
	}
}

// Hub tracks at most maxConnections simultaneous vessel connections,
// one per vessel identity (spec.md §4.G).
type Hub struct {
	mu             sync.Mutex
	conns          map[string]*Conn
	maxConnections int

	tasks   TaskSource
	results ResultHandler
}

func NewHub(maxConnections int, tasks TaskSource, results ResultHandler) *Hub {
	return &Hub{
		conns:          make(map[string]*Conn),
		maxConnections: maxConnections,
		tasks:          tasks,
		results:        results,
	}
}

var (
	// ErrDuplicateVessel indicates the vessel identity is already connected.
	ErrDuplicateVessel = fmt.Errorf("vessel: duplicate connection")
	// ErrCapacity indicates the connection cap has been reached.
	ErrCapacity = fmt.Errorf("vessel: connection capacity reached")
)

// Register admits a new vessel connection after the handshake has
// already succeeded, starting its send and receive loops. It returns
// ErrDuplicateVessel or ErrCapacity without touching the socket if
// either condition is true, so the caller can close it with a clear
// reason.
func (h *Hub) Register(vesselID string, ws *websocket.Conn) (*Conn, error) {
	h.mu.Lock()
	if _, exists := h.conns[vesselID]; exists {
		h.mu.Unlock()
		return nil, ErrDuplicateVessel
	}
	if len(h.conns) >= h.maxConnections {
		h.mu.Unlock()
		return nil, ErrCapacity
	}
	conn := &Conn{
		VesselID: vesselID,
		ws:       ws,
		send:     make(chan Outbound, 64),
		closeC:   make(chan struct{}),
	}
	h.conns[vesselID] = conn
	h.mu.Unlock()

	go h.sendLoop(conn)
	go h.receiveLoop(conn)

	return conn, nil
}

// Connected reports whether vesselID currently holds the single
// connection slot.
func (h *Hub) Connected(vesselID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[vesselID]
	return ok
}

// Admissible reports whether vesselID could be registered right now,
// without reserving a slot. Used to reject a doomed connection before
// the handshake read-timeout is paid; Register still re-checks
// atomically at admission time to close the race.
func (h *Hub) Admissible(vesselID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[vesselID]; exists {
		return ErrDuplicateVessel
	}
	if len(h.conns) >= h.maxConnections {
		return ErrCapacity
	}
	return nil
}

// ConnectedSet returns a snapshot of every connected vessel id, used by
// the orphan sweep.
func (h *Hub) ConnectedSet() map[string]struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]struct{}, len(h.conns))
	for id := range h.conns {
		out[id] = struct{}{}
	}
	return out
}

// Get returns the live connection for vesselID, if any — used to
// deliver a cancel_task frame outside the normal queue-drain path.
func (h *Hub) Get(vesselID string) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[vesselID]
	return c, ok
}

func (h *Hub) unregister(vesselID string) {
	h.mu.Lock()
	delete(h.conns, vesselID)
	h.mu.Unlock()
}

// sendLoop pulls queued tasks for this vessel and forwards them,
// alongside any externally-queued cancel_task/heartbeat_ack frames.
func (h *Hub) sendLoop(c *Conn) {
	defer h.teardown(c)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeC:
			return
		case out := <-c.send:
			if err := c.ws.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			task, ok, err := h.tasks.Dequeue(context.Background(), c.VesselID)
			if err != nil {
				slog.Error("vessel dequeue failed", "vessel", c.VesselID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			payload, err := taskToPayload(task)
			if err != nil {
				slog.Error("vessel task encode failed", "vessel", c.VesselID, "error", err)
				continue
			}
			if err := c.ws.WriteJSON(Outbound{Type: TypeTask, TaskID: task.TaskID, Task: payload}); err != nil {
				return
			}
		}
	}
}

func taskToPayload(t taskstore.Task) (map[string]any, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// receiveLoop reads typed frames and dispatches them per spec.md §4.G.
func (h *Hub) receiveLoop(c *Conn) {
	defer h.teardown(c)

	for {
		var in Inbound
		if err := c.ws.ReadJSON(&in); err != nil {
			return
		}

		switch in.Type {
		case TypeResult:
			h.results.HandleResult(c.VesselID, in.TaskID, in.Status, in.Result)
		case TypeCancelAck:
			h.results.HandleCancelAck(c.VesselID, in.TaskID, in.Cancelled)
		case TypeHeartbeat:
			select {
			case c.send <- Outbound{Type: TypeHeartbeatAck}:
			default:
			}
		default:
			slog.Warn("vessel received unknown frame type", "vessel", c.VesselID, "type", in.Type)
		}
	}
}

// teardown removes the connection from the hub and closes the socket.
// No queued tasks are discarded — they remain in the task store's FIFO
// for whichever vessel reconnects, per spec.md §4.G disconnect semantics.
func (h *Hub) teardown(c *Conn) {
	c.Close()
	h.unregister(c.VesselID)
	_ = c.ws.Close()
}
