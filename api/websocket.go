package api

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/websocket/v2"

	"uploadengine/pkg/logging"
)

// Event is one notice broadcast to connected admin clients, grounded on the
// teacher's services/websocket.go WebSocketMessage. The only event sent is
// "job_submitted", from POST /api/jobs.
type Event struct {
	Type   string      `json:"type"`
	JobID  string      `json:"job_id,omitempty"`
	FileID uint64      `json:"file_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// Hub fans out Events to every connected WebSocket client. It is purely
// observational: no engine state depends on a client being connected.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *logging.EngineLogger
}

// NewHub constructs a Hub and starts its fan-out loop.
func NewHub(logger *logging.EngineLogger) *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.ForWebSocket("hub").Error("failed to marshal event", "error", err)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleConnection registers c, blocks reading (to detect disconnects),
// and unregisters c on return.
func (h *Hub) HandleConnection(c *websocket.Conn) {
	h.register <- c
	defer func() { h.unregister <- c }()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast enqueues event for delivery to every connected client. It never
// blocks the caller: a full broadcast channel drops the event rather than
// stalling engine progress.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.ForWebSocket("hub").Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
