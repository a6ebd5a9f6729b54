package pairing

import (
	"errors"
	"fmt"
)

var (
	// ErrSelfPairing is returned when a user tries to start a chat with
	// themselves or without naming a target.
	ErrSelfPairing = errors.New("pairing: cannot start a chat with yourself")

	// ErrAlreadyInChat is returned when the initiator is already paired.
	ErrAlreadyInChat = errors.New("pairing: already in a chat")

	// ErrUserBusy is returned when the target is already paired.
	ErrUserBusy = errors.New("pairing: user is busy")

	// ErrPairingConflict is returned when a concurrent pairing claimed one of
	// the users first. Any pointer this attempt wrote has been rolled back.
	ErrPairingConflict = errors.New("pairing: concurrent pairing won the race")
)

// RoomError attaches the room a pairing failure refers to.
type RoomError struct {
	Err    error
	RoomID string
}

func (e *RoomError) Error() string {
	return fmt.Sprintf("%v (room %s)", e.Err, e.RoomID)
}

func (e *RoomError) Unwrap() error { return e.Err }
