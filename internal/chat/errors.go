package chat

import "errors"

var (
	// ErrMessageNotFound is returned by edit/delete when no entry in the
	// room's log carries the requested id.
	ErrMessageNotFound = errors.New("chat: message not found")

	// ErrNotInRoom is returned when a user acts on a room their session
	// pointer does not reference.
	ErrNotInRoom = errors.New("chat: not in this chat room")

	// ErrNotSender is returned when a user edits or deletes a message they
	// did not send.
	ErrNotSender = errors.New("chat: message belongs to another participant")

	// ErrInvalidMessage wraps every content validation failure.
	ErrInvalidMessage = errors.New("chat: invalid message")

	// ErrInvalidRoom is returned when a room would not have exactly two
	// distinct participants.
	ErrInvalidRoom = errors.New("chat: a room needs exactly two distinct participants")
)
