// Package transport is the gorilla/websocket boundary: it upgrades HTTP
// requests, authenticates and admits connections, frames outbound events as
// JSON, and hands decoded inbound frames to a Dispatcher. Business logic
// (rooms, locks, rate limiting) never imports this package; it depends only
// on types.ConnectionSender, so the registries can be exercised without a
// live socket.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/surgicollab/collab-gateway/internal/v1/logging"
	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// wsConn is the subset of *websocket.Conn the transport layer uses,
// narrowed to an interface so Conn can be driven by an in-memory double in
// tests without a real socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Frame is the wire shape every event, in either direction, is carried in:
// a named event plus an arbitrary JSON payload.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Dispatcher routes one decoded inbound frame for a connection. Implemented
// by the dispatcher package; declared here to keep transport free of a
// dependency on it (dispatcher depends on transport's Conn type instead).
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Conn, event string, payload json.RawMessage)
}

// Disconnecter is implemented optionally by a Dispatcher that needs to run
// cleanup (release locks, leave rooms, cancel force-requests) when a
// connection closes. Declared separately from Dispatcher
// so a minimal test double only needs to implement Dispatch.
type Disconnecter interface {
	Disconnect(connID types.ConnectionIDType)
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Conn wraps one admitted WebSocket connection. It implements
// types.ConnectionSender so the connection/room/lock registries can reach it
// without depending on gorilla/websocket.
type Conn struct {
	ws         wsConn
	connID     types.ConnectionIDType
	user       *types.AuthenticatedUser
	dispatcher Dispatcher

	pingInterval time.Duration
	pongTimeout  time.Duration

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn builds a Conn around an established WebSocket, ready to run its
// pumps.
func NewConn(ws wsConn, connID types.ConnectionIDType, user *types.AuthenticatedUser, dispatcher Dispatcher, pingInterval, pongTimeout time.Duration) *Conn {
	return &Conn{
		ws:           ws,
		connID:       connID,
		user:         user,
		dispatcher:   dispatcher,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		send:         make(chan []byte, sendBufferSize),
		closed:       make(chan struct{}),
	}
}

// ConnectionID implements types.ConnectionSender.
func (c *Conn) ConnectionID() types.ConnectionIDType { return c.connID }

// UserID implements types.ConnectionSender.
func (c *Conn) UserID() types.UserIDType { return c.user.UserID }

// Username implements types.ConnectionSender.
func (c *Conn) Username() string { return c.user.Username }

// Send implements types.ConnectionSender: frames event/payload as JSON and
// enqueues it for the write pump. Never blocks; a full send buffer drops
// the frame and logs, since a slow reader must not stall the sender.
func (c *Conn) Send(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound payload", zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := json.Marshal(Frame{Event: event, Payload: raw})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound frame", zap.String("event", event), zap.Error(err))
		return
	}

	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- frame:
	case <-c.closed:
	default:
		logging.Warn(context.Background(), "dropping outbound frame: send buffer full", zap.String("event", event), zap.String("connection_id", string(c.connID)))
	}
}

// Close implements types.ConnectionSender: signals the write pump to flush a
// close frame and unwind, which closes the underlying socket. Safe to call
// more than once, from any goroutine, concurrently with Send.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// ReadPump blocks, decoding inbound frames and handing them to the
// dispatcher, until the connection errors or closes. onDisconnect is called
// exactly once when the pump exits, from this goroutine.
func (c *Conn) ReadPump(ctx context.Context, onDisconnect func()) {
	defer onDisconnect()

	c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(ctx, "failed to decode inbound frame", zap.String("connection_id", string(c.connID)), zap.Error(err))
			continue
		}
		if frame.Event == "" {
			continue
		}

		c.dispatcher.Dispatch(ctx, c, frame.Event, frame.Payload)
	}
}

// WritePump blocks, draining the send channel to the socket and sending
// periodic pings, until Close is called.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			// Drain anything enqueued before Close so rejection frames
			// emitted immediately before closing still reach the client.
			for {
				select {
				case message := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					c.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.ConnectionErrors.WithLabelValues("ping_failed").Inc()
				return
			}
		}
	}
}
