package httpapi

import (
	"net/http"
	"time"

	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/dispatch"
	"broadcast-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers on the ops dashboard connect from another origin; the
	// access token is what authenticates them.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// snapshot is the first frame of every stream.
type snapshot struct {
	Type      string              `json:"type"`
	Broadcast broadcast.Broadcast `json:"broadcast"`
}

// Stream pushes live updates of one broadcast over a websocket. The
// connection is closed after the update that moves the broadcast to a
// terminal status, or when its engine stops for shutdown.
func (h Handlers) Stream(c *gin.Context) {
	log := logger.FromGin(c)
	id := c.Param("id")

	// Subscribe before the snapshot so nothing falls in between.
	updates, unsubscribe := h.Broadcasts.Hub().Subscribe(id)
	defer unsubscribe()

	b, err := h.Broadcasts.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the client.
		log.Warn("websocket upgrade failed", "broadcast_id", id, "err", err)
		return
	}
	defer conn.Close()

	if err := writeJSON(conn, snapshot{Type: "snapshot", Broadcast: b}); err != nil {
		return
	}
	if b.Status.Terminal() {
		closeNormal(conn)
		return
	}

	var stopped <-chan struct{}
	if b.Status == broadcast.StatusInProgress {
		stopped = h.Broadcasts.Done(id)
	}

	gone := make(chan struct{})
	go readPump(conn, gone)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case u, open := <-updates:
			if !open {
				return
			}
			if err := writeJSON(conn, u); err != nil {
				return
			}
			if u.Type == dispatch.UpdateStatus && u.Status.Terminal() {
				closeNormal(conn)
				return
			}
		case <-stopped:
			drain(conn, updates)
			closeNormal(conn)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// readPump discards client frames; it exists to process pongs and notice
// the client leaving.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// drain forwards updates that were already buffered when the engine stopped.
func drain(conn *websocket.Conn, updates <-chan dispatch.Update) {
	for {
		select {
		case u, open := <-updates:
			if !open || writeJSON(conn, u) != nil {
				return
			}
		default:
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
