package chatserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/pairchat/server/internal/chat"
	"github.com/pairchat/server/internal/protocol"
)

type roomResponse struct {
	RoomID string `json:"roomId"`
}

type presenceResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type historyResponse struct {
	RoomID   string         `json:"roomId"`
	Messages []chat.Message `json:"messages"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Routes mounts the read-only HTTP API.
//
//	GET /api/users/{userId}/presence   whether the user has a connection
//	GET /api/users/{userId}/room       the user's active room
//	GET /api/rooms/{roomId}/messages   a room's message history
func (s *Service) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/users/{userId}/presence", s.getPresence)
		r.Get("/users/{userId}/room", s.getActiveRoom)
		r.Get("/rooms/{roomId}/messages", s.getHistory)
	})
}

func (s *Service) getPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	online, err := s.Online(r.Context(), userID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, presenceResponse{UserID: userID, Online: online})
}

func (s *Service) getActiveRoom(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	roomID, err := s.ActiveRoom(r.Context(), userID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if roomID == "" {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{Code: protocol.CodeNotInRoom, Message: "user is not in a chat"})
		return
	}
	render.JSON(w, r, roomResponse{RoomID: roomID})
}

func (s *Service) getHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	msgs, err := s.History(r.Context(), roomID)
	if errors.Is(err, chat.ErrInvalidRoom) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{Code: protocol.CodeNotInRoom, Message: "room not found"})
		return
	}
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, historyResponse{RoomID: roomID, Messages: msgs})
}

func (s *Service) renderError(w http.ResponseWriter, r *http.Request, err error) {
	we := toWire(err)
	log.WithError(err).WithField("path", r.URL.Path).Warn("api request failed")

	status := http.StatusInternalServerError
	if we.Code == protocol.CodeStoreUnavailable {
		status = http.StatusServiceUnavailable
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Code: we.Code, Message: we.Message})
}
