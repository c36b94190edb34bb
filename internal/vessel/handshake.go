package vessel

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type handshakeFrame struct {
	Token string `json:"token"`
}

// HandleWebSocket upgrades the connection, rejects it immediately if
// the vessel identity is already connected or the hub is at capacity,
// then performs the first-frame token handshake (10s timeout per
// spec.md §4.G step 2) and registers the connection with the hub on
// success. vesselID comes from the route (/ws/{vessel_id}).
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, vesselID, expectedToken string, handshakeTimeout time.Duration) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("vessel websocket upgrade failed", "vessel", vesselID, "error", err)
		return
	}

	if err := h.Admissible(vesselID); err != nil {
		reason := "capacity"
		if err == ErrDuplicateVessel {
			reason = "duplicate_vessel"
		}
		_ = ws.WriteJSON(map[string]string{"error": reason})
		_ = ws.Close()
		return
	}

	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var frame handshakeFrame
	if err := ws.ReadJSON(&frame); err != nil {
		_ = ws.WriteJSON(map[string]string{"error": "handshake_timeout"})
		_ = ws.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})

	if subtle.ConstantTimeCompare([]byte(frame.Token), []byte(expectedToken)) != 1 {
		_ = ws.WriteJSON(map[string]string{"error": "handshake_mismatch"})
		_ = ws.Close()
		return
	}

	conn, err := h.Register(vesselID, ws)
	if err != nil {
		reason := "capacity"
		if err == ErrDuplicateVessel {
			reason = "duplicate_vessel"
		}
		_ = ws.WriteJSON(map[string]string{"error": reason})
		_ = ws.Close()
		return
	}

	_ = conn
	ack, _ := json.Marshal(map[string]string{"status": "connected"})
	_ = ws.WriteMessage(websocket.TextMessage, ack)
}
