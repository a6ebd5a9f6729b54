package chatserver

import (
	"github.com/sirupsen/logrus"

	"github.com/pairchat/server/internal/protocol"
	"github.com/pairchat/server/internal/ws"
)

// Bind installs the connect and disconnect hooks on server and registers a
// handler for every client message type on d.
func (s *Service) Bind(server *ws.Server, d *ws.MessageDispatcher) {
	server.SetOnConnect(s.handleConnect)
	server.SetOnDisconnect(s.handleDisconnect)

	d.Register(protocol.TypeStartChat, s.handleStartChat)
	d.Register(protocol.TypeSendMessage, s.handleSendMessage)
	d.Register(protocol.TypeEditMessage, s.handleEditMessage)
	d.Register(protocol.TypeDeleteMessage, s.handleDeleteMessage)
	d.Register(protocol.TypeTyping, s.handleTyping)
	d.Register(protocol.TypeEndChat, s.handleEndChat)
}

func (s *Service) handleConnect(conn *ws.Connection) {
	ctx, cancel := s.eventContext()
	defer cancel()

	if err := s.Connect(ctx, conn.UserID, conn.ID); err != nil {
		s.fail(conn, "connect", err)
	}
}

func (s *Service) handleDisconnect(conn *ws.Connection) {
	ctx, cancel := s.eventContext()
	defer cancel()

	if err := s.Disconnect(ctx, conn.UserID, conn.ID); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"conn": conn.ID,
			"user": conn.UserID,
		}).Warn("disconnect cleanup failed")
	}
}

func (s *Service) handleStartChat(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.StartChatMsg)
	if !ok {
		return
	}
	ctx, cancel := s.eventContext()
	defer cancel()

	roomID, err := s.StartChat(ctx, conn.UserID, m.TargetUserID)
	if err != nil {
		s.fail(conn, protocol.TypeStartChat, err)
		return
	}
	log.WithFields(logrus.Fields{
		"room":   roomID,
		"user":   conn.UserID,
		"target": m.TargetUserID,
	}).Info("chat started")
}

func (s *Service) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := s.eventContext()
	defer cancel()

	if _, err := s.SendMessage(ctx, conn.UserID, m.RoomID, m.Message, m.ReplyTo); err != nil {
		s.fail(conn, protocol.TypeSendMessage, err)
	}
}

func (s *Service) handleEditMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.EditMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := s.eventContext()
	defer cancel()

	if _, err := s.EditMessage(ctx, conn.UserID, m.RoomID, m.MessageID, m.Message); err != nil {
		s.fail(conn, protocol.TypeEditMessage, err)
	}
}

func (s *Service) handleDeleteMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.DeleteMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := s.eventContext()
	defer cancel()

	if err := s.DeleteMessage(ctx, conn.UserID, m.RoomID, m.MessageID); err != nil {
		s.fail(conn, protocol.TypeDeleteMessage, err)
	}
}

func (s *Service) handleTyping(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	ctx, cancel := s.eventContext()
	defer cancel()

	if err := s.Typing(ctx, conn.UserID, m.RoomID, m.IsTyping); err != nil {
		s.fail(conn, protocol.TypeTyping, err)
	}
}

func (s *Service) handleEndChat(conn *ws.Connection, msg interface{}) {
	if _, ok := msg.(protocol.EndChatMsg); !ok {
		return
	}
	ctx, cancel := s.eventContext()
	defer cancel()

	roomID, err := s.EndChat(ctx, conn.UserID)
	if err != nil {
		s.fail(conn, protocol.TypeEndChat, err)
		return
	}
	if roomID == "" {
		return
	}
	log.WithFields(logrus.Fields{"room": roomID, "user": conn.UserID}).Info("chat ended")
}

// fail reports err to the originating connection only.
func (s *Service) fail(conn *ws.Connection, op string, err error) {
	w := toWire(err)

	entry := log.WithError(err).WithFields(logrus.Fields{
		"op":   op,
		"conn": conn.ID,
		"user": conn.UserID,
		"code": w.Code,
	})
	if w.Code == protocol.CodeInternal || w.Code == protocol.CodeStoreUnavailable {
		entry.Error("operation failed")
	} else {
		entry.Debug("operation rejected")
	}

	if err := s.bcast.Error(conn.ID, protocol.ErrorMsg{
		Code:         w.Code,
		Message:      w.Message,
		RoomID:       w.RoomID,
		RetryAfterMs: retryAfter(err).Milliseconds(),
	}); err != nil {
		log.WithError(err).WithField("conn", conn.ID).Debug("error not delivered")
	}
}
