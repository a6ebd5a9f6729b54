// Package chatserver implements the client-facing chat operations: presence on
// connect and disconnect, pairing, the message log operations and teardown.
// Each operation is transport independent; handlers.go binds them to the
// WebSocket server.
package chatserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairchat/server/internal/broadcast"
	"github.com/pairchat/server/internal/chat"
	"github.com/pairchat/server/internal/metrics"
	"github.com/pairchat/server/internal/pairing"
	"github.com/pairchat/server/internal/presence"
	"github.com/pairchat/server/internal/protocol"
	"github.com/pairchat/server/internal/ratelimit"
)

var log = logrus.WithField("component", "chatserver")

// ErrRateLimited is returned when a user exceeds an operation's rate limit.
var ErrRateLimited = errors.New("chatserver: rate limited")

// RateLimitError is an ErrRateLimited that knows when the user's window
// resets.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v, retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Teardown reasons recorded in metrics.
const (
	reasonEndChat    = "end_chat"
	reasonDisconnect = "disconnect"
)

// Options holds the optional collaborators of a Service.
type Options struct {
	Limiter      *ratelimit.Limiter // nil disables rate limiting
	EventTimeout time.Duration      // deadline for one client event, 0 for none
}

// Service wires the registry, stores, coordinator and broadcaster together.
type Service struct {
	presence *presence.Registry
	rooms    *chat.Store
	pairing  *pairing.Coordinator
	bcast    *broadcast.Broadcaster
	limiter  *ratelimit.Limiter
	timeout  time.Duration
}

// New creates a Service.
func New(registry *presence.Registry, rooms *chat.Store, coordinator *pairing.Coordinator, bcast *broadcast.Broadcaster, opts Options) *Service {
	return &Service{
		presence: registry,
		rooms:    rooms,
		pairing:  coordinator,
		bcast:    bcast,
		limiter:  opts.Limiter,
		timeout:  opts.EventTimeout,
	}
}

// Connect registers connID for userID and confirms it to the client. When
// the user is already paired, the new connection joins the room and receives
// its history.
func (s *Service) Connect(ctx context.Context, userID, connID string) error {
	if err := s.presence.Add(ctx, userID, connID); err != nil {
		return err
	}
	if err := s.bcast.Send(connID, protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: connID,
		UserID:       userID,
	}); err != nil {
		log.WithError(err).WithField("conn", connID).Debug("connected not delivered")
	}

	roomID, err := s.pairing.ActiveRoom(ctx, userID)
	if err != nil || roomID == "" {
		return err
	}

	participants, err := s.rooms.Participants(ctx, roomID)
	if err != nil {
		return err
	}
	history, err := s.rooms.Messages(ctx, roomID)
	if err != nil {
		return err
	}
	return s.bcast.ChatResumed(connID, roomID, participants, history)
}

// Disconnect unregisters connID. When it was the user's last connection and
// the user was paired, the room is torn down.
func (s *Service) Disconnect(ctx context.Context, userID, connID string) error {
	offline, err := s.presence.Remove(ctx, userID, connID)
	if err != nil || !offline {
		return err
	}

	roomID, err := s.pairing.ActiveRoom(ctx, userID)
	if err != nil || roomID == "" {
		return err
	}
	log.WithFields(logrus.Fields{"user": userID, "room": roomID}).Info("last connection gone, ending room")
	return s.endRoom(ctx, roomID, reasonDisconnect)
}

// StartChat pairs userID with targetID and notifies every connection of both.
// Once the pairing is stored the room id is returned even if the
// notification could not be delivered; a reconnecting client resumes it.
func (s *Service) StartChat(ctx context.Context, userID, targetID string) (string, error) {
	if err := s.allow(ctx, userID, ratelimit.RuleStartChat); err != nil {
		return "", err
	}

	roomID, err := s.pairing.StartChat(ctx, userID, targetID)
	if err != nil {
		return "", err
	}

	if err := s.bcast.ChatStarted(ctx, roomID, []string{userID, targetID}); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"room":   roomID,
			"user":   userID,
			"target": targetID,
		}).Warn("chat_started not delivered")
	}
	return roomID, nil
}

// SendMessage appends a message to the user's room and fans it out.
func (s *Service) SendMessage(ctx context.Context, userID, roomID, text, replyTo string) (*chat.Message, error) {
	if err := s.validate(text, replyTo); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, userID, ratelimit.RuleMessage); err != nil {
		return nil, err
	}
	if err := s.requireRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}

	msg, err := s.rooms.AddMessage(ctx, roomID, userID, text, replyTo)
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	if err := s.bcast.MessageAdded(roomID, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// EditMessage replaces the text of one of the user's own messages.
func (s *Service) EditMessage(ctx context.Context, userID, roomID, messageID, text string) (*chat.Message, error) {
	if err := s.validate(text, ""); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, userID, ratelimit.RuleMessage); err != nil {
		return nil, err
	}
	if err := s.requireSender(ctx, userID, roomID, messageID); err != nil {
		return nil, err
	}

	msg, err := s.rooms.EditMessage(ctx, roomID, messageID, text)
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("edited").Inc()

	if err := s.bcast.MessageEdited(roomID, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// DeleteMessage removes one of the user's own messages.
func (s *Service) DeleteMessage(ctx context.Context, userID, roomID, messageID string) error {
	if err := s.allow(ctx, userID, ratelimit.RuleMessage); err != nil {
		return err
	}
	if err := s.requireSender(ctx, userID, roomID, messageID); err != nil {
		return err
	}

	if err := s.rooms.DeleteMessage(ctx, roomID, messageID); err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()

	return s.bcast.MessageDeleted(roomID, messageID)
}

// Typing relays a typing indicator to the user's room.
func (s *Service) Typing(ctx context.Context, userID, roomID string, isTyping bool) error {
	if err := s.requireRoom(ctx, userID, roomID); err != nil {
		return err
	}
	return s.bcast.Typing(roomID, userID, isTyping)
}

// EndChat ends the user's current room. A user without a room has nothing to
// end; the call returns "" and no error.
func (s *Service) EndChat(ctx context.Context, userID string) (string, error) {
	roomID, err := s.pairing.ActiveRoom(ctx, userID)
	if err != nil || roomID == "" {
		return "", err
	}
	return roomID, s.endRoom(ctx, roomID, reasonEndChat)
}

// ActiveRoom returns the room userID is paired into, or "".
func (s *Service) ActiveRoom(ctx context.Context, userID string) (string, error) {
	return s.pairing.ActiveRoom(ctx, userID)
}

// Online reports whether userID has at least one open connection.
func (s *Service) Online(ctx context.Context, userID string) (bool, error) {
	return s.presence.Online(ctx, userID)
}

// History returns a room's messages, reporting chat.ErrInvalidRoom when the
// room does not exist.
func (s *Service) History(ctx context.Context, roomID string) ([]chat.Message, error) {
	ok, err := s.rooms.Exists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, chat.ErrInvalidRoom
	}
	return s.rooms.Messages(ctx, roomID)
}

// endRoom tears the room down and notifies it. A room that is already gone
// produces no notification.
func (s *Service) endRoom(ctx context.Context, roomID, reason string) error {
	participants, err := s.pairing.EndChat(ctx, roomID)
	if err != nil {
		return err
	}
	if len(participants) == 0 {
		return nil
	}
	metrics.RoomsEndedTotal.WithLabelValues(reason).Inc()
	return s.bcast.ChatEnded(roomID)
}

// requireRoom checks that userID's pointer names roomID.
func (s *Service) requireRoom(ctx context.Context, userID, roomID string) error {
	if roomID == "" {
		return chat.ErrNotInRoom
	}
	current, err := s.pairing.ActiveRoom(ctx, userID)
	if err != nil {
		return err
	}
	if current != roomID {
		return chat.ErrNotInRoom
	}
	return nil
}

// requireSender checks room membership and that userID wrote messageID.
func (s *Service) requireSender(ctx context.Context, userID, roomID, messageID string) error {
	if err := s.requireRoom(ctx, userID, roomID); err != nil {
		return err
	}
	msg, err := s.rooms.Message(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return chat.ErrNotSender
	}
	return nil
}

func (s *Service) validate(text, replyTo string) error {
	if err := chat.ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := chat.ValidateReplyTo(replyTo); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return err
	}
	return nil
}

func (s *Service) allow(ctx context.Context, userID string, rule ratelimit.Rule) error {
	if s.limiter == nil {
		return nil
	}
	// Store errors fail open inside the limiter.
	ok, _ := s.limiter.Allow(ctx, userID, rule)
	if !ok {
		return &RateLimitError{RetryAfter: s.limiter.RetryAfter(ctx, userID, rule)}
	}
	return nil
}

// eventContext bounds the store calls made for one client event.
func (s *Service) eventContext() (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.timeout)
}
