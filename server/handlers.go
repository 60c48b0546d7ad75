package server

import (
	"context"
	"errors"

	"chatrelay/db"
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/rs/zerolog"
)

// handshake reads frames until a login or registration succeeds. It reports
// false when the connection should be closed instead.
func (s *Server) handshake(ctx context.Context, sess *Session, reader *protocol.Reader, log zerolog.Logger) bool {
	failures := 0

	for {
		frame, err := s.readFrame(sess, reader, log)
		if err != nil {
			if !isExpectedCloseError(err) {
				log.Warn().Err(err).Msg("error reading handshake")
			}
			return false
		}

		switch frame.Type {
		case protocol.TypePing:
			sess.Send(protocol.Control{Type: protocol.TypePong})
			continue
		case protocol.TypeBye:
			sess.Send(protocol.Bye(""))
			return false
		}

		if s.handleHandshake(ctx, sess, frame, log) {
			return true
		}

		failures++
		if s.config.MaxAuthAttempts > 0 && failures >= s.config.MaxAuthAttempts {
			log.Warn().Int("attempts", failures).Msg("too many failed handshakes")
			sess.Send(protocol.Bye("too_many_attempts"))
			return false
		}
	}
}

func (s *Server) handleHandshake(ctx context.Context, sess *Session, frame *protocol.Frame, log zerolog.Logger) bool {
	action := frame.Action
	if action == "" {
		action = protocol.ActionLogin
	}

	if action != protocol.ActionLogin && action != protocol.ActionRegister {
		metrics.HandshakesTotal.WithLabelValues("unknown", "rejected").Inc()
		sess.Send(protocol.Error("Unknown action"))
		return false
	}

	if frame.Username == "" || frame.Password == "" {
		metrics.HandshakesTotal.WithLabelValues(action, "rejected").Inc()
		sess.Send(protocol.Error("Username and password required"))
		return false
	}

	if action == protocol.ActionRegister {
		return s.handleRegister(ctx, sess, frame, log)
	}
	return s.handleLogin(ctx, sess, frame, log)
}

func (s *Server) handleRegister(ctx context.Context, sess *Session, frame *protocol.Frame, log zerolog.Logger) bool {
	err := s.store.CreateAccount(ctx, frame.Username, frame.Password)
	if errors.Is(err, db.ErrDuplicateUsername) {
		metrics.HandshakesTotal.WithLabelValues(protocol.ActionRegister, "duplicate").Inc()
		sess.Send(protocol.Error("Username already exists"))
		return false
	}
	if err != nil {
		log.Error().Err(err).Str("user", frame.Username).Msg("register failed")
		metrics.HandshakesTotal.WithLabelValues(protocol.ActionRegister, "error").Inc()
		sess.Send(protocol.Error("Internal error"))
		return false
	}

	sess.mu.Lock()
	sess.Login = frame.Username
	evicted := s.registry.Register(sess)
	if err := sess.sendLocked(protocol.Success("Registration successful")); err != nil {
		log.Debug().Err(err).Msg("failed to write registration response")
	}
	sess.mu.Unlock()

	s.evict(evicted)
	metrics.HandshakesTotal.WithLabelValues(protocol.ActionRegister, "success").Inc()
	log.Info().Str("user", sess.Login).Msg("user registered")

	s.broadcastRoster()
	return true
}

func (s *Server) handleLogin(ctx context.Context, sess *Session, frame *protocol.Frame, log zerolog.Logger) bool {
	err := s.store.Authenticate(ctx, frame.Username, frame.Password)
	if errors.Is(err, db.ErrInvalidCredentials) {
		metrics.HandshakesTotal.WithLabelValues(protocol.ActionLogin, "invalid_credentials").Inc()
		sess.Send(protocol.Error("Invalid credentials"))
		return false
	}
	if err != nil {
		log.Error().Err(err).Str("user", frame.Username).Msg("login failed")
		metrics.HandshakesTotal.WithLabelValues(protocol.ActionLogin, "error").Inc()
		sess.Send(protocol.Error("Internal error"))
		return false
	}

	// Registering before the backlog fetch means a message persisted from
	// here on is either in the backlog or delivered live. Holding the write
	// lock keeps live deliveries behind the handshake response.
	sess.mu.Lock()
	sess.Login = frame.Username
	evicted := s.registry.Register(sess)

	backlog, err := s.store.FetchUnreadAndMarkRead(ctx, sess.Login)
	if err != nil {
		// The earlier session keeps its binding and stays connected.
		s.registry.Restore(sess, evicted)
		sess.mu.Unlock()

		log.Error().Err(err).Str("user", frame.Username).Msg("failed to fetch unread messages")
		metrics.HandshakesTotal.WithLabelValues(protocol.ActionLogin, "error").Inc()
		sess.Send(protocol.Error("Internal error"))
		sess.Login = ""
		return false
	}

	resp := protocol.LoginResponse{
		Response:       protocol.Success("Login successful"),
		UnreadMessages: unreadMessages(backlog),
	}
	if err := sess.sendLocked(resp); err != nil {
		log.Debug().Err(err).Msg("failed to write login response")
		s.releaseBacklog(ctx, backlog, log)
	} else if len(backlog) > 0 {
		metrics.MessagesTotal.WithLabelValues(metrics.DeliveryStored).Add(float64(len(backlog)))
	}
	sess.mu.Unlock()

	s.evict(evicted)
	metrics.HandshakesTotal.WithLabelValues(protocol.ActionLogin, "success").Inc()
	log.Info().Str("user", sess.Login).Int("unread", len(backlog)).Msg("user logged in")

	s.broadcastRoster()
	return true
}

// releaseBacklog puts messages back in the backlog after the login response
// carrying them could not be written.
func (s *Server) releaseBacklog(ctx context.Context, backlog []models.Message, log zerolog.Logger) {
	for _, m := range backlog {
		if err := s.store.MarkUnread(ctx, m.ID); err != nil {
			log.Error().Err(err).Int64("message_id", m.ID).Msg("failed to release message")
		}
	}
}

func unreadMessages(backlog []models.Message) []protocol.UnreadMessage {
	unread := make([]protocol.UnreadMessage, 0, len(backlog))
	for _, m := range backlog {
		unread = append(unread, protocol.UnreadMessage{
			ID:        m.ID,
			Sender:    m.Sender,
			Content:   m.Content,
			Timestamp: protocol.FormatTimestamp(m.Timestamp),
		})
	}
	return unread
}

// relay serves an authenticated session until its connection ends.
func (s *Server) relay(ctx context.Context, sess *Session, reader *protocol.Reader, log zerolog.Logger) {
	for {
		frame, err := s.readFrame(sess, reader, log)
		if err != nil {
			if !isExpectedCloseError(err) {
				log.Warn().Err(err).Msg("error reading from client")
			}
			return
		}

		switch frame.Type {
		case protocol.TypeMessage:
			s.handleMessage(ctx, sess, frame, log)
		case protocol.TypePing:
			sess.Send(protocol.Control{Type: protocol.TypePong})
		case protocol.TypeBye:
			sess.Send(protocol.Bye(""))
			return
		default:
			log.Debug().Str("type", frame.Type).Msg("ignoring unknown frame type")
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, sess *Session, frame *protocol.Frame, log zerolog.Logger) {
	if frame.Receiver == "" {
		log.Debug().Msg("skipping message without receiver")
		return
	}

	msg, err := s.store.RecordMessage(ctx, sess.Login, frame.Receiver, frame.Content)
	if err != nil {
		log.Error().Err(err).Str("receiver", frame.Receiver).Msg("failed to save message")
		return
	}

	receiver, ok := s.registry.Lookup(frame.Receiver)
	if !ok {
		log.Debug().Str("receiver", frame.Receiver).Int64("message_id", msg.ID).Msg("receiver offline, message stored")
		return
	}

	s.deliver(ctx, receiver, msg, log)
}

// deliver forwards a persisted message to an online receiver. The message is
// marked read only while the write is in flight; a failed write leaves it in
// the backlog.
func (s *Server) deliver(ctx context.Context, receiver *Session, msg models.Message, log zerolog.Logger) {
	receiver.mu.Lock()

	// The binding may have moved while we waited for the lock.
	if cur, ok := s.registry.Lookup(msg.Receiver); !ok || cur != receiver {
		receiver.mu.Unlock()
		if ok {
			s.deliver(ctx, cur, msg, log)
		}
		return
	}
	defer receiver.mu.Unlock()

	claimed, err := s.store.MarkRead(ctx, msg.ID)
	if err != nil {
		log.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to claim message")
		return
	}
	if !claimed {
		// Already handed over in the receiver's login backlog.
		return
	}

	if err := receiver.sendLocked(protocol.NewInboundMessage(msg.Sender, msg.Content, msg.Timestamp)); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.DeliveryFailed).Inc()
		log.Warn().Err(err).Str("receiver", msg.Receiver).Msg("failed to forward message")
		if err := s.store.MarkUnread(ctx, msg.ID); err != nil {
			log.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to release message")
		}
		return
	}
	metrics.MessagesTotal.WithLabelValues(metrics.DeliveryLive).Inc()
}
