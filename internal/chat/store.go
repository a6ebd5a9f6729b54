package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/pairchat/server/internal/keyspace"
	"github.com/pairchat/server/internal/kv"
	"github.com/pairchat/server/internal/session"
)

var log = logrus.WithField("component", "chat")

// Store manages room participant sets and message logs.
type Store struct {
	kv       kv.Store
	sessions *session.Store
	ttl      keyspace.TTLPolicy
	now      func() time.Time
}

// NewStore creates a room store. sessions is used to extend the participants'
// pointers whenever the room sees activity.
func NewStore(store kv.Store, sessions *session.Store, ttl keyspace.TTLPolicy) *Store {
	return &Store{
		kv:       store,
		sessions: sessions,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for message timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Create writes the participant set of a new room and starts its window.
func (s *Store) Create(ctx context.Context, roomID, userA, userB string) error {
	if userA == "" || userB == "" || userA == userB {
		return ErrInvalidRoom
	}
	key := keyspace.RoomParticipants(roomID)
	if err := s.kv.SAdd(ctx, key, userA, userB); err != nil {
		return fmt.Errorf("chat: create room %s: %w", roomID, err)
	}
	if err := s.kv.Expire(ctx, s.ttl.Room, key); err != nil {
		return fmt.Errorf("chat: expire room %s: %w", roomID, err)
	}
	return nil
}

// Exists reports whether the room's participant set is still present.
func (s *Store) Exists(ctx context.Context, roomID string) (bool, error) {
	ok, err := s.kv.Exists(ctx, keyspace.RoomParticipants(roomID))
	if err != nil {
		return false, fmt.Errorf("chat: room %s exists: %w", roomID, err)
	}
	return ok, nil
}

// Participants returns the user ids of the room, or an empty slice when the
// room no longer exists.
func (s *Store) Participants(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.kv.SMembers(ctx, keyspace.RoomParticipants(roomID))
	if err != nil {
		return nil, fmt.Errorf("chat: participants of %s: %w", roomID, err)
	}
	return members, nil
}

// Delete removes the participant set and the message log. It reports whether
// this call removed the participant set; of several concurrent deletes of one
// room only one sees true.
func (s *Store) Delete(ctx context.Context, roomID string) (bool, error) {
	n, err := s.kv.Del(ctx, keyspace.RoomParticipants(roomID))
	if err != nil {
		return false, fmt.Errorf("chat: delete room %s: %w", roomID, err)
	}
	if _, err := s.kv.Del(ctx, keyspace.RoomMessages(roomID)); err != nil {
		return n > 0, fmt.Errorf("chat: delete log %s: %w", roomID, err)
	}
	return n > 0, nil
}

// AddMessage appends a new message to the room's log and refreshes the room
// window. Concurrent appends are ordered by the store.
func (s *Store) AddMessage(ctx context.Context, roomID, senderID, text, replyTo string) (*Message, error) {
	msg := &Message{
		ID:        ulid.Make().String(),
		SenderID:  senderID,
		Text:      text,
		Timestamp: s.now().UTC(),
		ReplyTo:   replyTo,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("chat: encode message: %w", err)
	}
	if err := s.kv.RPush(ctx, keyspace.RoomMessages(roomID), string(data)); err != nil {
		return nil, fmt.Errorf("chat: append to %s: %w", roomID, err)
	}

	if err := s.Touch(ctx, roomID); err != nil {
		return nil, err
	}
	return msg, nil
}

// EditMessage replaces the text of one message and marks it edited. Position,
// sender, timestamp and reply reference are left untouched.
func (s *Store) EditMessage(ctx context.Context, roomID, messageID, text string) (*Message, error) {
	var edited *Message
	err := s.rewrite(ctx, roomID, func(msgs []Message) ([]Message, error) {
		for i := range msgs {
			if msgs[i].ID == messageID {
				msgs[i].Text = text
				msgs[i].Edited = true
				m := msgs[i]
				edited = &m
				return msgs, nil
			}
		}
		return nil, ErrMessageNotFound
	})
	if err != nil {
		return nil, err
	}
	return edited, nil
}

// DeleteMessage removes exactly one message, keeping the order of the rest.
func (s *Store) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	return s.rewrite(ctx, roomID, func(msgs []Message) ([]Message, error) {
		for i := range msgs {
			if msgs[i].ID == messageID {
				return append(msgs[:i], msgs[i+1:]...), nil
			}
		}
		return nil, ErrMessageNotFound
	})
}

// Message returns a single message of the room.
func (s *Store) Message(ctx context.Context, roomID, messageID string) (*Message, error) {
	msgs, err := s.Messages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ID == messageID {
			return &msgs[i], nil
		}
	}
	return nil, ErrMessageNotFound
}

// Messages returns the room's log in order. A missing log is empty.
func (s *Store) Messages(ctx context.Context, roomID string) ([]Message, error) {
	raw, err := s.kv.LRange(ctx, keyspace.RoomMessages(roomID))
	if err != nil {
		return nil, fmt.Errorf("chat: load log %s: %w", roomID, err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("chat: decode message in %s: %w", roomID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Touch resets the log, the participant set and every participant's pointer
// to their full windows. Long idle gaps, not total session length, expire a
// room.
func (s *Store) Touch(ctx context.Context, roomID string) error {
	if err := s.kv.Expire(ctx, s.ttl.Message, keyspace.RoomMessages(roomID)); err != nil {
		return fmt.Errorf("chat: refresh log %s: %w", roomID, err)
	}
	if err := s.kv.Expire(ctx, s.ttl.Room, keyspace.RoomParticipants(roomID)); err != nil {
		return fmt.Errorf("chat: refresh room %s: %w", roomID, err)
	}

	participants, err := s.Participants(ctx, roomID)
	if err != nil {
		return err
	}
	if len(participants) == 0 {
		return nil
	}
	return s.sessions.Refresh(ctx, participants...)
}

// rewrite loads the whole log, applies fn and replaces the log. The list
// structure has no indexed update, so the new sequence is built under a
// staging key and renamed over the live key; readers never observe a
// partially written or empty log. An append that lands between the load and
// the rename is lost, and a room deleted in the same window has its log
// dropped again after the rename.
func (s *Store) rewrite(ctx context.Context, roomID string, fn func([]Message) ([]Message, error)) error {
	msgs, err := s.Messages(ctx, roomID)
	if err != nil {
		return err
	}
	msgs, err = fn(msgs)
	if err != nil {
		return err
	}

	live := keyspace.RoomMessages(roomID)
	if len(msgs) == 0 {
		if _, err := s.kv.Del(ctx, live); err != nil {
			return fmt.Errorf("chat: clear log %s: %w", roomID, err)
		}
		return s.Touch(ctx, roomID)
	}

	encoded := make([]string, len(msgs))
	for i := range msgs {
		data, err := json.Marshal(&msgs[i])
		if err != nil {
			return fmt.Errorf("chat: encode message: %w", err)
		}
		encoded[i] = string(data)
	}

	staging := keyspace.RoomMessagesStaging(roomID, uuid.NewString())
	if err := s.kv.RPush(ctx, staging, encoded...); err != nil {
		return fmt.Errorf("chat: stage log %s: %w", roomID, err)
	}
	if err := s.kv.Expire(ctx, s.ttl.Message, staging); err != nil {
		s.dropStaging(ctx, staging)
		return fmt.Errorf("chat: expire staged log %s: %w", roomID, err)
	}
	if err := s.kv.Rename(ctx, staging, live); err != nil {
		s.dropStaging(ctx, staging)
		return fmt.Errorf("chat: swap log %s: %w", roomID, err)
	}

	exists, err := s.Exists(ctx, roomID)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := s.kv.Del(ctx, live); err != nil {
			return fmt.Errorf("chat: drop log of ended room %s: %w", roomID, err)
		}
		return ErrNotInRoom
	}
	return s.Touch(ctx, roomID)
}

func (s *Store) dropStaging(ctx context.Context, key string) {
	if _, err := s.kv.Del(ctx, key); err != nil && !errors.Is(err, kv.ErrNotFound) {
		log.WithError(err).WithField("key", key).Warn("failed to drop staged log")
	}
}
