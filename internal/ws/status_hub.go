// Package ws streams driver status changes to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

const (
	writeWait   = 10 * time.Second
	outboundCap = 64
)

// client serializes writes to one connection
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// StatusHub manages WebSocket connections for live status streaming.
// Events are queued without blocking the pipeline and written by Run.
type StatusHub struct {
	logger *zap.Logger

	mu         sync.RWMutex
	clients    map[*websocket.Conn]*client
	lastStatus []byte

	outbound chan []byte
	dropped  uint64
}

// NewStatusHub creates a new status hub
func NewStatusHub(logger *zap.Logger) *StatusHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHub{
		logger:   logger,
		clients:  make(map[*websocket.Conn]*client),
		outbound: make(chan []byte, outboundCap),
	}
}

var _ pipeline.EventHandler = (*StatusHub)(nil)

// register adds a connection and sends it the current status
func (h *StatusHub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[conn] = c
	last := h.lastStatus
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("Client registered", zap.String("remote", conn.RemoteAddr().String()), zap.Int("total", total))

	if last != nil {
		if err := c.write(websocket.TextMessage, last); err != nil {
			h.logger.Debug("Failed to send current status", zap.Error(err))
		}
	}
	return c
}

// Unregister removes a connection
func (h *StatusHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		h.logger.Debug("Client unregistered", zap.String("remote", conn.RemoteAddr().String()))
	}
}

// ClientCount returns the number of connected clients
func (h *StatusHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of messages discarded because the queue was full
func (h *StatusHub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// OnStatus queues a status message
func (h *StatusHub) OnStatus(event *pipeline.StatusEvent) {
	data, err := json.Marshal(NewStatusMessage(event))
	if err != nil {
		h.logger.Warn("Error marshaling status message", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.lastStatus = data
	h.mu.Unlock()

	h.enqueue(data)
}

// OnDiagnostic queues a diagnostic message
func (h *StatusHub) OnDiagnostic(event *pipeline.DiagnosticEvent) {
	data, err := json.Marshal(NewDiagnosticMessage(event))
	if err != nil {
		h.logger.Warn("Error marshaling diagnostic message", zap.Error(err))
		return
	}
	h.enqueue(data)
}

func (h *StatusHub) enqueue(data []byte) {
	select {
	case h.outbound <- data:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

// Run writes queued messages to all clients until ctx is done, then closes
// every connection
func (h *StatusHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case data := <-h.outbound:
			h.Broadcast(data)
		}
	}
}

// Broadcast sends a message to all clients, dropping those that fail
func (h *StatusHub) Broadcast(message []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, message); err != nil {
			h.logger.Debug("Error sending to client", zap.Error(err))
			h.Unregister(c.conn)
			c.conn.Close()
		}
	}
}

func (h *StatusHub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]*client)
	h.mu.Unlock()

	for conn, c := range clients {
		c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
	}
}
