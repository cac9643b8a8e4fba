package portal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/florasys/field-agent/internal/logging"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 75 * time.Second
)

// hub fans state updates out to connected /live clients. The stream is
// one-way: inbound messages are read only to service pongs and closes.
type hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
	done  chan struct{}
}

func newHub() *hub {
	h := &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
		done:  make(chan struct{}),
	}
	go h.pingLoop()
	return h
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away.
func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.conns[conn] = true
	n := len(h.conns)
	h.mu.Unlock()
	logging.Debug("Websocket client connected", zap.Int("clients", n))

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// Broadcast sends one JSON message to every connected client. Clients
// that fail the write are dropped.
func (h *hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}
	h.writeAll(websocket.TextMessage, data)
}

func (h *hub) writeAll(messageType int, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(messageType, data); err != nil {
			delete(h.conns, conn)
			conn.Close()
		}
	}
}

func (h *hub) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.writeAll(websocket.PingMessage, nil)
		}
	}
}

func (h *hub) clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client and stops the keepalive loop.
func (h *hub) Close() {
	close(h.done)
	h.mu.Lock()
	for conn := range h.conns {
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]bool)
	h.mu.Unlock()
}
