// Package broadcast fans chat events out to connections. Pairing events go to
// every connection of both users, found through the presence registry at send
// time; room events go to the room channel.
package broadcast

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pairchat/server/internal/chat"
	"github.com/pairchat/server/internal/presence"
	"github.com/pairchat/server/internal/protocol"
)

var log = logrus.WithField("component", "broadcast")

// Transport delivers encoded frames to connections and named channels.
type Transport interface {
	Join(connID, channel string) error
	EmitTo(connID string, msg []byte) error
	EmitToChannel(channel string, msg []byte) error
	ClearChannel(channel string) error
}

// Broadcaster encodes events and hands them to a Transport.
type Broadcaster struct {
	transport Transport
	presence  *presence.Registry
}

// New creates a Broadcaster.
func New(transport Transport, registry *presence.Registry) *Broadcaster {
	return &Broadcaster{transport: transport, presence: registry}
}

// RoomChannel is the channel name of a room.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// ChatStarted joins every connection of every participant to the room
// channel and tells each of them about the new room. Delivery is best effort;
// a connection that disappeared meanwhile is skipped.
func (b *Broadcaster) ChatStarted(ctx context.Context, roomID string, participants []string) error {
	data, err := protocol.NewServerMessage(protocol.TypeChatStarted, protocol.ChatStartedMsg{
		RoomID:       roomID,
		Participants: participants,
	})
	if err != nil {
		return err
	}

	channel := RoomChannel(roomID)
	for _, userID := range participants {
		conns, err := b.presence.List(ctx, userID)
		if err != nil {
			return err
		}
		for _, connID := range conns {
			if err := b.transport.Join(connID, channel); err != nil {
				log.WithError(err).WithFields(logrus.Fields{"conn": connID, "room": roomID}).
					Debug("join failed")
				continue
			}
			if err := b.transport.EmitTo(connID, data); err != nil {
				log.WithError(err).WithField("conn", connID).Debug("chat_started not delivered")
			}
		}
	}
	return nil
}

// ChatResumed joins a single connection to an existing room and sends it the
// room's history.
func (b *Broadcaster) ChatResumed(connID, roomID string, participants []string, history []chat.Message) error {
	if history == nil {
		history = []chat.Message{}
	}
	data, err := protocol.NewServerMessage(protocol.TypeChatResumed, protocol.ChatResumedMsg{
		RoomID:       roomID,
		Participants: participants,
		Messages:     history,
	})
	if err != nil {
		return err
	}
	if err := b.transport.Join(connID, RoomChannel(roomID)); err != nil {
		return err
	}
	return b.transport.EmitTo(connID, data)
}

// MessageAdded announces a new message to the room.
func (b *Broadcaster) MessageAdded(roomID string, msg *chat.Message) error {
	return b.toRoom(roomID, protocol.TypeNewMessage, protocol.ServerChatMsg{Message: *msg})
}

// MessageEdited announces an edited message to the room.
func (b *Broadcaster) MessageEdited(roomID string, msg *chat.Message) error {
	return b.toRoom(roomID, protocol.TypeMessageEdited, protocol.ServerChatMsg{Message: *msg})
}

// MessageDeleted announces a removed message to the room.
func (b *Broadcaster) MessageDeleted(roomID, messageID string) error {
	return b.toRoom(roomID, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		RoomID:    roomID,
		MessageID: messageID,
	})
}

// Typing relays a typing indicator to the room.
func (b *Broadcaster) Typing(roomID, userID string, isTyping bool) error {
	return b.toRoom(roomID, protocol.TypeTyping, protocol.ServerTypingMsg{
		RoomID:   roomID,
		UserID:   userID,
		IsTyping: isTyping,
	})
}

// ChatEnded tells the room it is over and then empties the channel.
func (b *Broadcaster) ChatEnded(roomID string) error {
	if err := b.toRoom(roomID, protocol.TypeChatEnded, protocol.ChatEndedMsg{RoomID: roomID}); err != nil {
		return err
	}
	return b.transport.ClearChannel(RoomChannel(roomID))
}

// Send delivers a single server message to one connection.
func (b *Broadcaster) Send(connID, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return b.transport.EmitTo(connID, data)
}

// Error reports a failure to the originating connection only.
func (b *Broadcaster) Error(connID string, e protocol.ErrorMsg) error {
	return b.Send(connID, protocol.TypeError, e)
}

func (b *Broadcaster) toRoom(roomID, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return b.transport.EmitToChannel(RoomChannel(roomID), data)
}
