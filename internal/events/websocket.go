package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WSHandler exposes a Publisher as a read-only WebSocket stream for
// external dashboards. It never accepts commands back from the
// client: the orchestrator's control surface is the state store, not
// this socket.
type WSHandler struct {
	upgrader    websocket.Upgrader
	publisher   Publisher
	log         *slog.Logger
	mu          sync.Mutex
	connections map[*websocket.Conn]chan struct{}
}

// NewWSHandler returns a handler broadcasting pub's events to any
// client that connects and sends a subscribe message naming a feature
// (or GlobalKey for every feature).
func NewWSHandler(pub Publisher, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		publisher:   pub,
		log:         log,
		connections: make(map[*websocket.Conn]chan struct{}),
	}
}

type subscribeMessage struct {
	Feature string `json:"feature"`
}

// ServeHTTP upgrades the connection, reads a single subscribe message
// naming the feature to watch, then streams events until the client
// disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	var sub subscribeMessage
	if err := conn.ReadJSON(&sub); err != nil {
		_ = conn.Close()
		return
	}
	key := sub.Feature
	if key == "" {
		key = GlobalKey
	}

	done := make(chan struct{})
	h.mu.Lock()
	h.connections[conn] = done
	h.mu.Unlock()

	ch := h.publisher.Subscribe(key)
	go h.writePump(conn, ch, done)
	h.readPump(conn, done)

	h.publisher.Unsubscribe(key, ch)
	h.mu.Lock()
	delete(h.connections, conn)
	h.mu.Unlock()
}

// readPump only watches for the client going away; this stream is
// one-directional.
func (h *WSHandler) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, ch <-chan Event, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ConnectionCount returns the number of live WebSocket clients.
func (h *WSHandler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Close disconnects every client.
func (h *WSHandler) Close() {
	h.mu.Lock()
	dones := make([]chan struct{}, 0, len(h.connections))
	for _, d := range h.connections {
		dones = append(dones, d)
	}
	h.mu.Unlock()
	for _, d := range dones {
		select {
		case <-d:
		default:
			close(d)
		}
	}
}
