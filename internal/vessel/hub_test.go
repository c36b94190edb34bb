package vessel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vessel-relay/internal/taskstore"
)

type fakeTaskSource struct {
	mu    sync.Mutex
	tasks map[string][]taskstore.Task
}

func newFakeTaskSource() *fakeTaskSource {
	return &fakeTaskSource{tasks: make(map[string][]taskstore.Task)}
}

func (f *fakeTaskSource) push(vesselID string, t taskstore.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[vesselID] = append(f.tasks[vesselID], t)
}

func (f *fakeTaskSource) Dequeue(_ context.Context, vesselID string) (taskstore.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.tasks[vesselID]
	if len(q) == 0 {
		return taskstore.Task{}, false, nil
	}
	t := q[0]
	f.tasks[vesselID] = q[1:]
	return t, true, nil
}

type fakeResultHandler struct {
	mu      sync.Mutex
	results []string
}

func (f *fakeResultHandler) HandleResult(vesselID, taskID, status string, result map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, vesselID+":"+taskID+":"+status)
}

func (f *fakeResultHandler) HandleCancelAck(vesselID, taskID string, cancelled bool) {}

func (f *fakeResultHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func newTestServer(t *testing.T, hub *Hub, token string) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vesselID := strings.TrimPrefix(r.URL.Path, "/ws/")
		hub.HandleWebSocket(w, r, vesselID, token, 2*time.Second)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, wsURL, vesselID, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/"+vesselID, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(handshakeFrame{Token: token}))
	var ack map[string]string
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "connected", ack["status"])
	conn.SetReadDeadline(time.Time{})
	return conn
}

func TestHub_HandshakeAndTaskDelivery(t *testing.T) {
	tasks := newFakeTaskSource()
	results := &fakeResultHandler{}
	hub := NewHub(3, tasks, results)

	srv, wsURL := newTestServer(t, hub, "secret-token")
	defer srv.Close()

	conn := dial(t, wsURL, "vessel-1", "secret-token")
	defer conn.Close()

	tasks.push("vessel-1", taskstore.Task{TaskID: "task-1", VesselID: "vessel-1", TaskType: taskstore.TypeAgent})

	var out Outbound
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&out))
	require.Equal(t, TypeTask, out.Type)
	require.Equal(t, "task-1", out.TaskID)
}

func TestHub_RejectsDuplicateVessel(t *testing.T) {
	hub := NewHub(3, newFakeTaskSource(), &fakeResultHandler{})
	srv, wsURL := newTestServer(t, hub, "secret-token")
	defer srv.Close()

	first := dial(t, wsURL, "vessel-1", "secret-token")
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/vessel-1", nil)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.WriteJSON(handshakeFrame{Token: "secret-token"}))

	var resp map[string]string
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, second.ReadJSON(&resp))
	require.Equal(t, "duplicate_vessel", resp["error"])
}

func TestHub_RejectsDuplicateBeforeHandshakeFrame(t *testing.T) {
	hub := NewHub(3, newFakeTaskSource(), &fakeResultHandler{})
	srv, wsURL := newTestServer(t, hub, "secret-token")
	defer srv.Close()

	first := dial(t, wsURL, "vessel-1", "secret-token")
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	// No handshake frame is ever written — a duplicate connection must
	// be rejected on admission, not only after a handshake timeout.
	second, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/vessel-1", nil)
	require.NoError(t, err)
	defer second.Close()

	var resp map[string]string
	second.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	require.NoError(t, second.ReadJSON(&resp))
	require.Equal(t, "duplicate_vessel", resp["error"])
}

func TestHub_RejectsBadToken(t *testing.T) {
	hub := NewHub(3, newFakeTaskSource(), &fakeResultHandler{})
	srv, wsURL := newTestServer(t, hub, "secret-token")
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/vessel-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(handshakeFrame{Token: "wrong"}))

	var resp map[string]string
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, "handshake_mismatch", resp["error"])
}

func TestHub_ResultFrameDispatchedToHandler(t *testing.T) {
	results := &fakeResultHandler{}
	hub := NewHub(3, newFakeTaskSource(), results)
	srv, wsURL := newTestServer(t, hub, "secret-token")
	defer srv.Close()

	conn := dial(t, wsURL, "vessel-1", "secret-token")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Inbound{Type: TypeResult, TaskID: "task-1", Status: "completed"}))

	require.Eventually(t, func() bool { return results.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_CapacityReached(t *testing.T) {
	hub := NewHub(1, newFakeTaskSource(), &fakeResultHandler{})
	srv, wsURL := newTestServer(t, hub, "secret-token")
	defer srv.Close()

	first := dial(t, wsURL, "vessel-1", "secret-token")
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/vessel-2", nil)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.WriteJSON(handshakeFrame{Token: "secret-token"}))

	var resp map[string]string
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, second.ReadJSON(&resp))
	require.Equal(t, "capacity", resp["error"])
}
