// Package client provides a WebSocket load test client for the pairchat
// server. It connects with gobwas/ws (the same library the server uses),
// waits for the connected confirmation and tracks per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeStartChat     = "start_chat"
	TypeSendMessage   = "send_message"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
	TypeTyping        = "typing"
	TypeEndChat       = "end_chat"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeConnected      = "connected"
	TypeChatStarted    = "chat_started"
	TypeChatResumed    = "chat_resumed"
	TypeNewMessage     = "new_message"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"
	TypeChatEnded      = "chat_ended"
	TypeError          = "error"
	TypePong           = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the connected frame
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated device of a user.
type Client struct {
	conn   net.Conn
	userID string
	start  time.Time

	writeMu sync.Mutex

	mu        sync.Mutex
	connID    string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	connected chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New dials baseURL as userID. The connection is established immediately and
// a background goroutine begins reading frames.
func New(ctx context.Context, baseURL, userID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		userID:    userID,
		start:     start,
		handlers:  make(map[string]func(json.RawMessage)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// StartChat asks the server to pair this user with target.
func (c *Client) StartChat(target string) error {
	return c.Send(map[string]string{"type": TypeStartChat, "targetUserId": target})
}

// SendText posts text into roomID.
func (c *Client) SendText(roomID, text string) error {
	return c.Send(map[string]string{"type": TypeSendMessage, "roomId": roomID, "message": text})
}

// EndChat ends the user's current room.
func (c *Client) EndChat() error {
	return c.Send(map[string]string{"type": TypeEndChat})
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine and receive the full frame. Registering a second handler
// for a type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitConnected blocks until the server confirmed the connection.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before it was confirmed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user this client connected as.
func (c *Client) UserID() string { return c.userID }

// ConnectionID returns the handle assigned by the server, or "" before the
// connected frame arrived.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var envelope struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connectionId"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == TypeConnected && c.connID == "" {
			c.connID = envelope.ConnectionID
			c.metrics.ConnectLatency = time.Since(c.start)
			close(c.connected)
		}
		if envelope.Type == TypeError {
			c.metrics.Errors++
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
