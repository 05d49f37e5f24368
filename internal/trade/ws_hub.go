// WebSocket hub for live price, order, position and
// settlement pushes.

package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/position-engine/internal/events"
	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/pricefeed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

type client struct {
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	onClose func()
}

// envelope is one outgoing frame. An empty userID reaches every client.
type envelope struct {
	userID string
	data   []byte
}

// WSHub fans messages out to WebSocket clients. Price ticks go to every
// client; account events only to the clients of the owning user.
type WSHub struct {
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	count      atomic.Int32
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It owns the client set and returns when ctx
// is done, closing every connection.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.count.Add(1)
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "user_id", c.userID, "total", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}

		case env := <-h.broadcast:
			for c := range h.clients {
				if env.userID != "" && env.userID != c.userID {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					// Slow client: drop it rather than stall the hub.
					h.drop(c)
				}
			}
		}
	}
}

func (h *WSHub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
	metrics.WebSocketClients.Dec()
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	return int(h.count.Load())
}

// Publish implements events.Publisher. Messages are dropped when the hub's
// buffer is full so publishers never block.
func (h *WSHub) Publish(_ context.Context, m events.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	env := envelope{data: data}
	if m.Kind != events.KindPrice {
		env.userID = m.UserID
	}
	select {
	case h.broadcast <- env:
	default:
	}
	return nil
}

// ForwardPrices pushes every feed update to all clients until ctx is done.
func (h *WSHub) ForwardPrices(ctx context.Context, feed *pricefeed.Feed, buffer int) {
	updates, cancel := feed.Subscribe(buffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			_ = h.Publish(ctx, events.New(events.KindPrice, "", "", u))
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// Serve upgrades the request and attaches the connection to userID.
// onClose, if set, runs once the connection is gone.
func (h *WSHub) Serve(w http.ResponseWriter, r *http.Request, userID string, onClose func()) {
	if onClose == nil {
		onClose = func() {}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		onClose()
		return
	}
	c := &client{conn: conn, userID: userID, send: make(chan []byte, sendBuffer), onClose: onClose}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		onClose()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.onClose()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer of the connection.
func (h *WSHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
