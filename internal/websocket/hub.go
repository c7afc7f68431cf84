package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type      models.EventType `json:"type"`
	Event     models.Event     `json:"event"`
	Timestamp string           `json:"timestamp"`
}

// Filter selects which events a client receives. The zero Filter receives
// everything.
type Filter struct {
	OrderID uint64         `json:"order_id,omitempty"`
	Address models.Address `json:"address,omitempty"`
}

func (f Filter) Match(e models.Event) bool {
	if f.OrderID != 0 && e.OrderID != f.OrderID {
		return false
	}
	if !f.Address.IsZero() && e.Customer != f.Address && e.Rider != f.Address && e.Actor != f.Address {
		return false
	}
	return true
}

type Client struct {
	conn   *websocket.Conn
	send   chan Message
	hub    *Hub
	logger *logrus.Logger

	mutex  sync.RWMutex
	filter Filter
}

func (c *Client) wants(e models.Event) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.filter.Match(e)
}

func (c *Client) setFilter(f Filter) {
	c.mutex.Lock()
	c.filter = f
	c.mutex.Unlock()
}

// Hub pushes committed ledger events to connected browsers.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Client disconnected")

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if !client.wants(message.Event) {
					continue
				}
				select {
				case client.send <- message:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish queues event for delivery. A full queue drops the event.
func (h *Hub) Publish(ctx context.Context, event models.Event) error {
	message := Message{
		Type:      event.Type,
		Event:     event,
		Timestamp: event.Timestamp.Format(time.RFC3339),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.WithFields(logrus.Fields{
			"order_id": event.OrderID,
			"event":    event.Type,
		}).Warn("Broadcast channel full, dropping message")
	}
	return nil
}

// HandleWebSocket upgrades the request. Optional order and address query
// parameters set the initial filter; clients may replace it later by
// sending a Filter as JSON.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter, ok := filterFromQuery(r)
	if !ok {
		http.Error(w, "invalid subscription filter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		hub:    h,
		logger: h.logger,
		filter: filter,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func filterFromQuery(r *http.Request) (Filter, bool) {
	var filter Filter
	if raw := r.URL.Query().Get("order"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Filter{}, false
		}
		filter.OrderID = id
	}
	if raw := r.URL.Query().Get("address"); raw != "" {
		addr, err := models.ParseAddress(raw)
		if err != nil {
			return Filter{}, false
		}
		filter.Address = addr
	}
	return filter, true
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket error")
			}
			break
		}

		var filter Filter
		if err := json.Unmarshal(data, &filter); err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed subscription message")
			continue
		}
		filter.Address = models.NewAddress(string(filter.Address))
		c.setFilter(filter)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.WithError(err).Debug("Failed to write WebSocket message")
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

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
