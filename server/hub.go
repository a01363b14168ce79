package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mrX1007/FusionBrain/commbus"
	"github.com/mrX1007/FusionBrain/core/experts"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	maxMessageSize = 4096
	sendBufferSize = 256
)

// streamedEvents are the bus event types relayed to WebSocket clients.
var streamedEvents = []string{
	"RunStarted",
	"RunCompleted",
	"StageStarted",
	"StageCompleted",
	"VerdictIssued",
	"LessonStored",
	"ResponseChunk",
}

// Connection represents a single WebSocket connection.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	mu sync.Mutex
}

// WriteMessage writes a message with the given type to the connection.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Hub fans engine events out to all connected WebSocket clients. Events
// arrive from the commbus; slow clients get dropped rather than back up
// the bus.
type Hub struct {
	logger   experts.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*Connection

	unsubscribe []func()
}

// NewHub creates a hub and subscribes it to the engine's event stream.
func NewHub(bus commbus.CommBus, logger experts.Logger) *Hub {
	h := &Hub{
		logger:      logger.Bind("component", "hub"),
		connections: make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	for _, eventType := range streamedEvents {
		name := eventType
		unsub := bus.Subscribe(name, func(ctx context.Context, msg commbus.Message) (any, error) {
			h.broadcast(name, msg)
			return nil, nil
		})
		h.unsubscribe = append(h.unsubscribe, unsub)
	}

	return h
}

// HandleWebSocket upgrades the request and runs the connection until the
// client disconnects.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("ws_upgrade_failed", "error", err.Error())
		return err
	}

	conn := &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, sendBufferSize),
	}
	h.register(conn)

	ws.SetReadLimit(maxMessageSize)

	go h.writePump(conn)
	go h.readPump(conn)

	return nil
}

// Close unsubscribes from the bus and drops every client.
func (h *Hub) Close() {
	for _, unsub := range h.unsubscribe {
		unsub()
	}
	h.mu.Lock()
	for id, conn := range h.connections {
		delete(h.connections, id)
		close(conn.Send)
	}
	h.mu.Unlock()
}

// ConnectionCount returns the number of connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	h.logger.Debug("ws_connected", "connection_id", conn.ID)
}

func (h *Hub) unregister(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; ok {
		delete(h.connections, conn.ID)
		close(conn.Send)
	}
	h.mu.Unlock()
	h.logger.Debug("ws_disconnected", "connection_id", conn.ID)
}

// broadcast wraps a bus event in a typed envelope and queues it on every
// connection. A full send buffer disconnects that client.
func (h *Hub) broadcast(eventType string, msg commbus.Message) {
	data, err := json.Marshal(map[string]any{
		"type": eventType,
		"data": msg,
	})
	if err != nil {
		h.logger.Warn("ws_marshal_failed", "event_type", eventType, "error", err.Error())
		return
	}

	var stale []*Connection
	h.mu.RLock()
	for _, conn := range h.connections {
		select {
		case conn.Send <- data:
		default:
			stale = append(stale, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range stale {
		h.logger.Warn("ws_buffer_full", "connection_id", conn.ID)
		h.unregister(conn)
		conn.Close()
	}
}

// readPump drains client frames. Clients only listen on this endpoint,
// so inbound payloads are discarded; reads exist to notice disconnects
// and answer pings.
func (h *Hub) readPump(conn *Connection) {
	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("ws_read_error", "connection_id", conn.ID, "error", err.Error())
			}
			return
		}
	}
}

// writePump forwards queued events and keeps the connection alive with
// pings.
func (h *Hub) writePump(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
