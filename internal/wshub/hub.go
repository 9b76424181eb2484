// Package wshub upgrades HTTP connections to WebSockets and streams
// internal/events.Bus traffic to each connected client, after an initial
// snapshot of current state. Grounded on original_source/src/ws.rs.
package wshub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/camofy/camofy/internal/events"
)

// writeWait bounds how long a single frame write may block before the
// connection is considered dead.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SnapshotFunc produces the state a newly connected client should see
// before live events start flowing. A nil return means "nothing to send".
type SnapshotFunc func() []events.AppEvent

// Hub upgrades requests and fans out bus events to every live connection.
type Hub struct {
	bus      *events.Bus
	snapshot SnapshotFunc
}

func New(bus *events.Bus, snapshot SnapshotFunc) *Hub {
	return &Hub{bus: bus, snapshot: snapshot}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// read/write pumps until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(ch)

	if h.snapshot != nil {
		for _, evt := range h.snapshot() {
			if !sendEvent(conn, evt) {
				return
			}
		}
	}

	closed := make(chan struct{})
	go readPump(conn, closed)

	for {
		select {
		case <-closed:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !sendEvent(conn, evt) {
				return
			}
		}
	}
}

// readPump drains and discards client frames (used only as a
// keep-alive/close signal) until the connection errors or closes.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func sendEvent(conn *websocket.Conn, evt events.AppEvent) bool {
	text, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Msg("failed to serialize AppEvent for websocket")
		return true
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, text); err != nil {
		return false
	}
	return true
}
