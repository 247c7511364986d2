// Package notifications runs the live side of the engine: WebSocket sessions,
// conversation rooms, event fan-out, the Redis relay and presence.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/models"
	"huddle/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10 // must stay below pongWait
	maxFrameSize   = 16 << 10
	sendBufferSize = 256
)

// WSHub is implemented by hubs that own clients.
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is one live WebSocket session of an authenticated user. Outbound
// frames go through Send, a bounded buffer drained by WritePump.
type Client struct {
	Hub WSHub

	// Conn is nil for sessions created in tests.
	Conn *websocket.Conn
	Send chan []byte

	SessionID string
	UserID    uint
	UserName  string

	// IncomingHandler receives inbound frames in arrival order.
	IncomingHandler func(*Client, []byte)

	// dropped counts frames discarded since the last drop notice went out.
	dropped atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a session with a fresh session ID.
func NewClient(hub WSHub, conn *websocket.Conn, userID uint, userName string) *Client {
	return &Client{
		Hub:       hub,
		Conn:      conn,
		UserID:    userID,
		UserName:  userName,
		SessionID: uuid.NewString(),
		Send:      make(chan []byte, sendBufferSize),
		closed:    make(chan struct{}),
	}
}

// ReadPump feeds inbound frames to IncomingHandler until the peer goes away,
// then unregisters the session.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	extend := func() error { return c.Conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend()
	c.Conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wsLog.LogError(context.Background(), c.UserID, c.SessionID, err, "read")
			}
			return
		}
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, frame)
		}
	}
}

// WritePump drains Send to the connection and pings the peer. It exits when a
// write fails or the session is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.Conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame := <-c.Send:
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = write(websocket.CloseMessage, nil)
			return
		}
	}
}

// TrySend queues a frame without blocking and reports whether it was queued.
// A full buffer drops the frame; once there is room again the session first
// receives a messages_dropped notice with the number of frames it missed.
func (c *Client) TrySend(frame []byte) bool {
	select {
	case <-c.closed:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		return false
	default:
	}

	if n := c.dropped.Load(); n > 0 && c.enqueue(dropNotice(n)) {
		c.dropped.Add(-n)
	}
	if c.enqueue(frame) {
		return true
	}

	if c.dropped.Add(1) == 1 {
		wsLog.LogError(context.Background(), c.UserID, c.SessionID, errSendBufferFull, "send")
	}
	observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
	return false
}

// Dropped returns the number of frames discarded and not yet reported.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

type dropPayload struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

func dropNotice(n int64) []byte {
	data, _ := json.Marshal(struct {
		Type    models.EventType `json:"type"`
		Payload dropPayload      `json:"payload"`
	}{models.EventMessagesDropped, dropPayload{Reason: "buffer_full", Count: n}})
	return data
}

// Done is closed once the session has been unregistered.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) markClosed() bool {
	first := false
	c.closeOnce.Do(func() {
		close(c.closed)
		first = true
	})
	return first
}

var errSendBufferFull = errors.New("send buffer full, frames dropped")
