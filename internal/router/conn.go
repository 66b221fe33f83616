package router

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Conn is one observer connection. Writes go through the buffered send
// channel so the write pump is the only goroutine touching the socket.
type Conn struct {
	ID  string
	hub *Hub

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *events.Logger

	closeOnce sync.Once
}

func newConn(hub *Hub, ws *websocket.Conn, logger *events.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:     id,
		hub:    hub,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger.WithField("conn_id", id),
	}
}

// trySend queues data for the write pump without blocking. A full buffer
// means the observer is not keeping up; the message is dropped and the
// observer reconciles by pulling current state later.
func (c *Conn) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Send buffer full, dropping message")
	}
}

// readPump reads inbound messages until the connection dies.
func (c *Conn) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("WebSocket read error")
			}
			return
		}

		msg, err := models.ParseMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("Discarding malformed message")
			continue
		}

		c.hub.dispatch(c, msg)
	}
}

// writePump drains the send channel and keeps the connection alive with
// periodic pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.WithError(err).Debug("WebSocket write failed")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears down the socket. Safe to call from either pump.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
		close(c.done)
	})
}

func marshalMessage(msg *models.Message) ([]byte, error) {
	return json.Marshal(msg)
}
