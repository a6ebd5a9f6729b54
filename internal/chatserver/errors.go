package chatserver

import (
	"context"
	"errors"
	"time"

	"github.com/pairchat/server/internal/chat"
	"github.com/pairchat/server/internal/kv"
	"github.com/pairchat/server/internal/pairing"
	"github.com/pairchat/server/internal/protocol"
)

// wireError is the client-facing form of an operation error.
type wireError struct {
	Code    string
	Message string
	RoomID  string
}

// retryAfter returns the wait suggested to a rate limited client, or 0.
func retryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// toWire maps an operation error to its protocol code. Internal details are
// not passed to the client.
func toWire(err error) wireError {
	var roomErr *pairing.RoomError
	roomID := ""
	if errors.As(err, &roomErr) {
		roomID = roomErr.RoomID
	}

	switch {
	case errors.Is(err, pairing.ErrSelfPairing):
		return wireError{protocol.CodeValidation, "cannot start a chat with yourself", ""}
	case errors.Is(err, pairing.ErrAlreadyInChat):
		return wireError{protocol.CodeAlreadyInChat, "you are already in a chat", roomID}
	case errors.Is(err, pairing.ErrUserBusy):
		return wireError{protocol.CodeUserBusy, "user is busy", ""}
	case errors.Is(err, pairing.ErrPairingConflict):
		return wireError{protocol.CodePairingConflict, "pairing conflict, try again", ""}
	case errors.Is(err, chat.ErrNotInRoom):
		return wireError{protocol.CodeNotInRoom, "not in this room", ""}
	case errors.Is(err, chat.ErrNotSender):
		return wireError{protocol.CodeNotSender, "only the sender can change this message", ""}
	case errors.Is(err, chat.ErrMessageNotFound):
		return wireError{protocol.CodeMessageNotFound, "message not found", ""}
	case errors.Is(err, chat.ErrInvalidMessage):
		return wireError{protocol.CodeInvalidMessage, err.Error(), ""}
	case errors.Is(err, ErrRateLimited):
		return wireError{protocol.CodeRateLimited, "too many requests", ""}
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return wireError{protocol.CodeStoreUnavailable, "storage unavailable, try again", ""}
	default:
		return wireError{protocol.CodeInternal, "internal error", ""}
	}
}
