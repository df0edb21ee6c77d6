// Package feed streams advisories and session updates from the hub to
// websocket clients of the local control API.
//
// Each Client runs two goroutines:
//   - readPump applies follow/unfollow messages to the client's filter
//   - writePump writes queued events and keeps the connection alive with pings
//
// Send and Close are safe to call from any goroutine.
package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/domain/events"
	"github.com/brianly1003/runsync/internal/domain/ports"
	"github.com/brianly1003/runsync/internal/hub"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Connection timing.
const (
	writeWait      = 15 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 256
)

// Control actions a client may send.
const (
	ActionFollow    = "follow"
	ActionUnfollow  = "unfollow"
	ActionFollowAll = "follow_all"
)

// ControlMessage narrows or widens the set of sessions a client hears about.
type ControlMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
}

// Client is one websocket connection subscribed to the hub.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	filter  *hub.FilteredSubscriber
	onClose func(id string)

	mu     sync.Mutex
	closed bool
}

// NewClient wraps conn. onClose runs once the read side ends.
func NewClient(conn *websocket.Conn, onClose func(id string)) *Client {
	c := &Client{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	c.filter = hub.NewFilteredSubscriber(c)
	return c
}

// ID returns the client's unique identifier.
func (c *Client) ID() string {
	return c.id
}

// Subscriber is what should be registered with the hub. It drops events
// for sessions the client does not follow.
func (c *Client) Subscriber() ports.Subscriber {
	return c.filter
}

// Start starts the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Send queues an event. A slow client loses events rather than stalling the
// hub.
func (c *Client) Send(event events.Event) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return domain.ErrSubscriberClosed
	}

	data, err := event.ToJSON()
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
	default:
		log.Warn().Str("client_id", c.id).Msg("feed client send buffer full, dropping event")
	}
	return nil
}

// Close closes the client. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readPump() {
	defer func() {
		_ = c.Close()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("feed read error")
			}
			return
		}
		c.handleControl(message)
	}
}

func (c *Client) handleControl(message []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Str("client_id", c.id).Msg("ignoring malformed feed message")
		return
	}

	switch msg.Action {
	case ActionFollow:
		if msg.SessionID != "" {
			c.filter.Follow(msg.SessionID)
		}
	case ActionUnfollow:
		c.filter.Unfollow(msg.SessionID)
	case ActionFollowAll:
		c.filter.FollowAll()
	default:
		log.Debug().Str("client_id", c.id).Str("action", msg.Action).Msg("unknown feed action")
	}
}

// writePump sends each event as its own text frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("feed write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("feed ping error")
				return
			}
		}
	}
}

var _ ports.Subscriber = (*Client)(nil)
