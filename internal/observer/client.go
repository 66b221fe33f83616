// Package observer provides the client side of the coordinator protocol.
// Tab monitors and list views connect through a Client: events go out
// fire-and-forget, commands wait for the single correlated reply, and
// coordinator broadcasts arrive on the Messages channel.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
)

// Client is a single observer connection to the coordinator.
type Client struct {
	url    string
	tabID  int
	logger *events.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	pending  map[string]chan *models.Message
	messages chan *models.Message
	done     chan struct{}

	requestTimeout time.Duration
}

// NewClient creates a client for the coordinator at wsURL. tabID
// identifies the browser tab this observer speaks for; list views that
// are not tab-bound pass 0.
func NewClient(wsURL string, tabID int, logger *events.Logger) *Client {
	if len(wsURL) > 4 && wsURL[:4] == "http" {
		wsURL = "ws" + wsURL[4:]
	}

	return &Client{
		url:            wsURL,
		tabID:          tabID,
		logger:         logger.WithField("component", "observer"),
		pending:        make(map[string]chan *models.Message),
		messages:       make(chan *models.Message, 100),
		done:           make(chan struct{}),
		requestTimeout: 10 * time.Second,
	}
}

// Connect dials the coordinator and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}
	if c.closed {
		return models.ErrNotConnected
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to coordinator (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("connect to coordinator: %w", err)
	}

	c.conn = conn
	go c.readLoop()

	c.logger.WithField("url", c.url).Info("Connected to coordinator")
	return nil
}

// Send emits a fire-and-forget event. No reply is expected.
func (c *Client) Send(msg *models.Message) error {
	msg.TabID = c.tabID
	return c.write(msg)
}

// Request sends a command and waits for its correlated reply. An error
// reply is surfaced as a Go error carrying the coordinator's code.
func (c *Client) Request(ctx context.Context, msg *models.Message) (*models.Message, error) {
	msg.TabID = c.tabID
	msg.RequestID = uuid.NewString()

	ch := make(chan *models.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, models.ErrNotConnected
	}
	c.pending[msg.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Type == models.MsgError {
			var ed models.ErrorData
			if err := decodePayload(reply, &ed); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%s: %s", ed.Code, ed.Message)
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s timed out", msg.Type)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, models.ErrNotConnected
	}
}

// Messages returns the channel of coordinator broadcasts. The channel
// closes when the connection drops.
func (c *Client) Messages() <-chan *models.Message {
	return c.messages
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) write(msg *models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.closed {
		return models.ErrNotConnected
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// readLoop splits inbound traffic into correlated replies and broadcasts.
func (c *Client) readLoop() {
	defer func() {
		_ = c.Close()
		close(c.messages)
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Connection to coordinator lost")
			}
			return
		}

		msg, err := models.ParseMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("Discarding malformed message")
			continue
		}

		if msg.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[msg.RequestID]
			c.mu.Unlock()
			if ok {
				ch <- msg
				continue
			}
			// Reply for an abandoned request; fall through as a broadcast
			// would be wrong, so drop it.
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func decodePayload(msg *models.Message, out interface{}) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("parse %s payload: %w", msg.Type, err)
	}
	return nil
}
