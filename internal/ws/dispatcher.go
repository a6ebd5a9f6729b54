package ws

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairchat/server/internal/metrics"
	"github.com/pairchat/server/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.StartChatMsg, protocol.SendMessageMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if _, known := d.handlers[msgType]; msgType != "" && !known && msgType != protocol.TypePing {
			log.WithFields(logrus.Fields{"conn": conn.ID, "type": msgType}).Debug("unsupported message type")
			d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		log.WithError(err).WithField("conn", conn.ID).Debug("dispatch parse error")
		d.sendError(conn, protocol.CodeParse, "invalid message format")
		return
	}

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.WithFields(logrus.Fields{"conn": conn.ID, "type": msgType}).Debug("unsupported message type")
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	start := time.Now()
	handler(conn, msg)
	metrics.EventLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.WithError(err).WithField("conn", conn.ID).Warn("failed to build error message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.WithError(err).WithField("conn", conn.ID).Debug("failed to send error message")
	}
}

// sendPong responds to a client ping with a pong message and updates the
// connection's activity time.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch(time.Now())

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.WithError(err).WithField("conn", conn.ID).Warn("failed to build pong message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.WithError(err).WithField("conn", conn.ID).Debug("failed to send pong message")
	}
}
