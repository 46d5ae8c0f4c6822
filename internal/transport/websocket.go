package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/models"
)

// WorkerPath is where the edge worker accepts page connections.
const WorkerPath = "/__ps/sw"

// WSClient is the page side of the page/worker message channel.
type WSClient struct {
	url     string
	pageURL string
	logger  *events.Logger

	// Connection state
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// Channels
	messages chan models.WorkerMessage
	errors   chan error
	done     chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWSClient creates a client for the worker at edgeURL. pageURL is the
// location reported to the worker so notification clicks can target it.
func NewWSClient(edgeURL, pageURL string, logger *events.Logger) *WSClient {
	wsURL := strings.TrimRight(edgeURL, "/")
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	if !strings.HasSuffix(wsURL, WorkerPath) {
		wsURL += WorkerPath
	}

	return &WSClient{
		url:          wsURL,
		pageURL:      pageURL,
		logger:       logger.WithField("component", "ws_client"),
		messages:     make(chan models.WorkerMessage, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// Connect dials the worker and announces the page URL.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("already connected")
	}

	c.logger.WithField("url", c.url).Info("Connecting to worker")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connect failed: %w", err)
	}

	if err := conn.WriteJSON(models.WorkerMessage{Type: models.MsgHello, URL: c.pageURL}); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	c.conn = conn
	c.closed = false

	go c.readLoop()
	go c.pingLoop()

	c.logger.Info("Worker channel connected")
	return nil
}

// Send writes a message to the worker.
func (c *WSClient) Send(msg models.WorkerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("not connected")
	}

	c.logger.WithField("type", msg.Type).Debug("Sending worker message")

	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// ApplyUpdate asks the worker to activate a waiting version.
func (c *WSClient) ApplyUpdate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteJSON(models.MsgApplyUpdate)
}

// PrimeShell asks the worker to refresh the page shell cache.
func (c *WSClient) PrimeShell() error {
	return c.Send(models.WorkerMessage{Type: models.MsgPrimeShell})
}

// Messages returns the message channel.
func (c *WSClient) Messages() <-chan models.WorkerMessage {
	return c.messages
}

// Errors returns the error channel.
func (c *WSClient) Errors() <-chan error {
	return c.errors
}

// Close closes the connection.
func (c *WSClient) Close() error {
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

// readLoop reads messages from the worker.
func (c *WSClient) readLoop() {
	defer func() {
		c.Close()
		close(c.messages)
		close(c.errors)
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
			return nil
		})

		var msg models.WorkerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("Worker channel read error")
				c.errors <- err
			}
			return
		}

		c.logger.WithField("type", msg.Type).Debug("Received worker message")

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

// pingLoop sends periodic pings.
func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			var err error
			if conn != nil {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.mu.Unlock()

			if conn == nil {
				return
			}
			if err != nil {
				c.logger.WithError(err).Error("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
