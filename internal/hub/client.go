package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/service"
)

// Client is one channel connection attached to a Hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	id       string
	identity domain.Identity
	local    bool
	log      *logrus.Entry

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// room is the file currently open on this connection. Only the read goroutine
	// touches it.
	room *room
}

// NewClient wraps an admitted connection.
func NewClient(h *Hub, conn *websocket.Conn, adm service.Admission) *Client {
	id := uuid.NewString()
	return &Client{
		hub:      h,
		conn:     conn,
		id:       id,
		identity: adm.Identity,
		local:    adm.Local,
		log: logrus.WithFields(logrus.Fields{
			"component": "hub",
			"port":      h.port,
			"conn_id":   id,
			"email":     adm.Identity.Email,
		}),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Identity returns who was admitted on this connection.
func (c *Client) Identity() domain.Identity { return c.identity }

// Run starts the read and write pumps.
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// Close ends the connection. The read pump then unregisters the client.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue queues a frame without blocking. A connection that cannot keep up is closed
// rather than silently missing document updates.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn("Client send channel full, closing connection")
		c.Close()
	}
}

func (c *Client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).Error("Failed to marshal outbound message")
		return
	}
	c.enqueue(b)
}

func (c *Client) sendError(err error) {
	c.sendJSON(errorFrame{Type: TypeError, Error: c.hub.clientError(err)})
}

// ReadPump reads frames from the connection and dispatches them in arrival order.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.log.Debug("WebSocket connection closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debugf("Ignoring non-text message type: %d", messageType)
			continue
		}
		c.hub.dispatch(c, message)
	}
}

// WritePump writes queued frames to the connection and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("Failed to write message to websocket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Warn("Failed to send ping message")
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
