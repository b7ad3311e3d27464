package services

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedMessage is one live update pushed to operations dashboards.
type FeedMessage struct {
	Type      string      `json:"type"` // execution.created, execution.transition, execution.escalated
	ChurchID  uint        `json:"church_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type feedClient struct {
	id       string
	churchID uint
	conn     *websocket.Conn
	send     chan FeedMessage
	hub      *OpsFeed
}

// OpsFeed fans execution lifecycle updates out to connected dashboards. Each
// client subscribes to one church; messages for other tenants never reach it.
type OpsFeed struct {
	clients    map[string]*feedClient
	broadcast  chan FeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewOpsFeed creates a feed hub. Run must be started for it to deliver.
func NewOpsFeed(logger *logrus.Logger) *OpsFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &OpsFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedMessage, 64),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		logger:     logger,
	}
}

// Run pumps registrations and broadcasts until the process exits.
func (h *OpsFeed) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.Infof("opsfeed: client %s connected (church %d)", client.id, client.churchID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Infof("opsfeed: client %s disconnected", client.id)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.churchID != message.ChurchID {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than stall the hub.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// PublishExecution queues one update. Never blocks: when nobody listens fast
// enough the update is dropped, the ledger already has the durable record.
func (h *OpsFeed) PublishExecution(churchID uint, msgType string, data interface{}) {
	msg := FeedMessage{
		Type:      msgType,
		ChurchID:  churchID,
		Data:      data,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Debug("opsfeed: broadcast queue full, update dropped")
	}
}

// ClientCount reports connected dashboards.
func (h *OpsFeed) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection and attaches it to the caller's
// church. The handler layer resolves churchID from auth before calling this.
func (h *OpsFeed) HandleWebSocket(c *gin.Context, churchID uint) {
	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("opsfeed: upgrade failed: %v", err)
		return
	}

	client := &feedClient{
		id:       fmt.Sprintf("feed_%d", time.Now().UnixNano()),
		churchID: churchID,
		conn:     conn,
		send:     make(chan FeedMessage, 256),
		hub:      h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection so pongs and close frames are processed.
// The feed is one-way; inbound payloads are discarded.
func (c *feedClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorf("opsfeed: read error: %v", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Errorf("opsfeed: write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
