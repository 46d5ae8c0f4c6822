package edge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/models"
)

// ClientInfo describes a connected page.
type ClientInfo struct {
	ID        string
	URL       string
	Connected time.Time
}

type pageClient struct {
	info ClientInfo
	conn *websocket.Conn
	send chan models.WorkerMessage
	done chan struct{}
	once sync.Once
}

func (c *pageClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Clients is the registry of pages connected over the worker channel.
type Clients struct {
	logger   *events.Logger
	upgrader websocket.Upgrader
	onMsg    func(ctx context.Context, from ClientInfo, msg models.WorkerMessage)

	mu      sync.RWMutex
	clients map[string]*pageClient
	order   []string
}

func newClients(logger *events.Logger, onMsg func(context.Context, ClientInfo, models.WorkerMessage)) *Clients {
	return &Clients{
		logger: logger.WithField("component", "edge_clients"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		onMsg:   onMsg,
		clients: make(map[string]*pageClient),
	}
}

// ServeWS upgrades a page connection and serves it until it closes. The
// first frame is expected to be HELLO carrying the page URL; later HELLO
// frames update it.
func (cs *Clients) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cs.logger.WithError(err).Warn("Worker channel upgrade failed")
		return
	}

	c := &pageClient{
		info: ClientInfo{ID: uuid.NewString(), Connected: time.Now()},
		conn: conn,
		send: make(chan models.WorkerMessage, 16),
		done: make(chan struct{}),
	}
	cs.add(c)
	defer cs.remove(c.info.ID)
	defer c.close()

	go cs.writeLoop(c)

	logger := cs.logger.WithField("client", c.info.ID)
	logger.Debug("Page connected")

	ctx := context.WithoutCancel(r.Context())
	for {
		var msg models.WorkerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("Worker channel read error")
			}
			logger.Debug("Page disconnected")
			return
		}

		if msg.Type == models.MsgHello {
			cs.setURL(c.info.ID, msg.URL)
			continue
		}
		if cs.onMsg != nil {
			cs.onMsg(ctx, cs.info(c.info.ID), msg)
		}
	}
}

func (cs *Clients) writeLoop(c *pageClient) {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				cs.logger.WithError(err).WithField("client", c.info.ID).Debug("Write to page failed")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (cs *Clients) add(c *pageClient) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.clients[c.info.ID] = c
	cs.order = append(cs.order, c.info.ID)
}

func (cs *Clients) remove(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.clients, id)
	cs.order = remove(cs.order, id)
}

func (cs *Clients) setURL(id, u string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.clients[id]; ok {
		c.info.URL = u
	}
}

func (cs *Clients) info(id string) ClientInfo {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if c, ok := cs.clients[id]; ok {
		return c.info
	}
	return ClientInfo{ID: id}
}

// MatchAll lists connected pages, most recently connected first.
func (cs *Clients) MatchAll() []ClientInfo {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	out := make([]ClientInfo, 0, len(cs.order))
	for i := len(cs.order) - 1; i >= 0; i-- {
		out = append(out, cs.clients[cs.order[i]].info)
	}
	return out
}

var (
	// ErrClientGone is returned when sending to a page that disconnected.
	ErrClientGone = errors.New("client disconnected")
	// ErrClientBusy is returned when a page's send buffer is full and the
	// message was dropped.
	ErrClientBusy = errors.New("client send buffer full")
)

// Send queues msg for one page.
func (cs *Clients) Send(id string, msg models.WorkerMessage) error {
	cs.mu.RLock()
	c, ok := cs.clients[id]
	cs.mu.RUnlock()
	if !ok {
		return ErrClientGone
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClientGone
	default:
		cs.logger.WithField("client", id).Warn("Page send buffer full, dropping message")
		return ErrClientBusy
	}
}

// Broadcast sends msg to every page and returns how many accepted it.
func (cs *Clients) Broadcast(msg models.WorkerMessage) int {
	delivered := 0
	for _, info := range cs.MatchAll() {
		if err := cs.Send(info.ID, msg); err == nil {
			delivered++
		}
	}
	return delivered
}

// Close disconnects every page.
func (cs *Clients) Close() {
	cs.mu.RLock()
	pages := make([]*pageClient, 0, len(cs.clients))
	for _, c := range cs.clients {
		pages = append(pages, c)
	}
	cs.mu.RUnlock()

	for _, c := range pages {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		c.close()
	}
}

const defaultNotificationTitle = "ParkSync"

// DecodePush turns a push payload into a notification. A payload that is
// not JSON becomes the body of a default notification.
func DecodePush(payload []byte) models.Notification {
	var n models.Notification
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n); err != nil {
			n = models.Notification{Body: string(payload)}
		}
	}
	if n.Title == "" {
		n.Title = defaultNotificationTitle
	}
	if n.URL == "" {
		n.URL = "/"
	}
	return n
}

// ClickAction is what a notification click did.
type ClickAction string

const (
	ClickFocused   ClickAction = "focused"
	ClickNavigated ClickAction = "navigated"
	ClickOpened    ClickAction = "opened"
)

// sameURL compares the path and query of two URLs, ignoring origin.
func sameURL(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ua.EscapedPath() == ub.EscapedPath() && ua.RawQuery == ub.RawQuery
}
