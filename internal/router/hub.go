// Package router accepts observer WebSocket connections and routes
// messages between them and the coordinator. Commands carrying a
// request_id get exactly one reply on the same connection; broadcasts
// fan out to every connection with no delivery guarantee.
package router

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/metrics"
	"github.com/watchmark/watchmark/internal/models"
)

// Handler processes one inbound message. A non-nil result is sent back
// on the originating connection; a returned error becomes an error reply
// with the request's correlation id.
type Handler interface {
	HandleMessage(conn *Conn, msg *models.Message) (*models.Message, error)
}

// Hub tracks connected observers and fans broadcasts out to them.
type Hub struct {
	handler Handler
	logger  *events.Logger
	metrics *metrics.Collector

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// NewHub creates a hub dispatching inbound messages to handler.
func NewHub(handler Handler, logger *events.Logger, collector *metrics.Collector) *Hub {
	return &Hub{
		handler: handler,
		logger:  logger.WithField("component", "router"),
		metrics: collector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Observers are local browser extensions; the daemon binds
			// loopback and does not gate on Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades an observer connection and runs its pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := newConn(h, ws, h.logger)

	h.mu.Lock()
	h.conns[conn.ID] = conn
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetConnectedObservers(n)

	h.logger.WithFields(map[string]interface{}{
		"conn_id":   conn.ID,
		"remote":    r.RemoteAddr,
		"observers": n,
	}).Info("Observer connected")

	go conn.writePump()
	go conn.readPump()
}

// Broadcast sends a message to every connected observer. Delivery is
// best effort: a slow consumer has the message dropped rather than
// stalling the rest.
func (h *Hub) Broadcast(msg *models.Message) {
	data, err := marshalMessage(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode broadcast")
		return
	}

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.trySend(data)
	}

	h.metrics.RecordBroadcast()
	h.logger.WithFields(map[string]interface{}{
		"type":      string(msg.Type),
		"observers": len(conns),
	}).Debug("Broadcast sent")
}

// ConnCount returns the number of connected observers.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close shuts down every connection and refuses new upgrades.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

// remove unregisters a connection after its read pump exits.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	n := len(h.conns)
	closed := h.closed
	h.mu.Unlock()

	h.metrics.SetConnectedObservers(n)
	if !closed {
		h.logger.WithFields(map[string]interface{}{
			"conn_id":   c.ID,
			"observers": n,
		}).Info("Observer disconnected")
	}
}

// dispatch runs the handler for one inbound message and queues the reply.
func (h *Hub) dispatch(c *Conn, msg *models.Message) {
	reply, err := h.handler.HandleMessage(c, msg)
	if err != nil {
		h.logger.WithError(err).WithFields(map[string]interface{}{
			"conn_id": c.ID,
			"type":    string(msg.Type),
		}).Warn("Message handling failed")
		reply = errorReply(msg, err)
	}
	if reply == nil {
		return
	}

	reply.RequestID = msg.RequestID
	data, merr := marshalMessage(reply)
	if merr != nil {
		h.logger.WithError(merr).Error("Failed to encode reply")
		return
	}
	c.trySend(data)
}

// errorReply wraps a handler error into an error envelope. Events with
// no request_id get no reply at all; errors there are log-only.
func errorReply(msg *models.Message, err error) *models.Message {
	if msg.RequestID == "" {
		return nil
	}
	reply, merr := models.NewMessage(models.MsgError, &models.ErrorData{
		Code:    models.ErrorCode(err),
		Message: err.Error(),
	})
	if merr != nil {
		return nil
	}
	return reply
}
