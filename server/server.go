package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence the server needs.
type Store interface {
	CreateAccount(ctx context.Context, username, password string) error
	Authenticate(ctx context.Context, username, password string) error
	UpdateLastSeen(ctx context.Context, username string, t time.Time) error
	RecordMessage(ctx context.Context, sender, receiver, content string) (models.Message, error)
	FetchUnreadAndMarkRead(ctx context.Context, username string) ([]models.Message, error)
	MarkRead(ctx context.Context, id int64) (bool, error)
	MarkUnread(ctx context.Context, id int64) error
}

type Server struct {
	store    Store
	config   *ServerConfig
	registry *Registry
	log      zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup

	// broadcastMu orders roster broadcasts. Taken before any Session.mu.
	broadcastMu sync.Mutex
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration // 0 disables
	WriteTimeout    time.Duration
	MaxFrameSize    int
	MaxAuthAttempts int // 0 = unlimited
}

// Session is one client connection. Login is set once the handshake succeeds.
type Session struct {
	ID    string
	Login string
	Conn  net.Conn

	// mu serializes writes to Conn.
	mu           sync.Mutex
	writeTimeout time.Duration
}

func New(store Store, config *ServerConfig, log zerolog.Logger) *Server {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	return &Server{
		store:    store,
		config:   config,
		registry: NewRegistry(),
		log:      log,
		conns:    make(map[*Session]struct{}),
	}
}

func newSession(conn net.Conn, writeTimeout time.Duration) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Send writes one frame to the session.
func (sess *Session) Send(v any) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.sendLocked(v)
}

func (sess *Session) sendLocked(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	if sess.writeTimeout > 0 {
		sess.Conn.SetWriteDeadline(time.Now().Add(sess.writeTimeout))
	}
	_, err = sess.Conn.Write(data)
	return err
}

func (sess *Session) Close() error {
	return sess.Conn.Close()
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("chat server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Error().Err(err).Msg("error accepting connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) trackConn(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[sess] = struct{}{}
	return true
}

func (s *Server) untrackConn(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sess)
}

func (s *Server) handleConnection(conn net.Conn) {
	sess := newSession(conn, s.config.WriteTimeout)
	log := s.log.With().
		Str("session", sess.ID).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	defer conn.Close()
	if !s.trackConn(sess) {
		return
	}
	defer s.untrackConn(sess)

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	log.Info().Msg("client connected")

	ctx := context.Background()
	reader := protocol.NewReader(conn, s.config.MaxFrameSize)

	if !s.handshake(ctx, sess, reader, log) {
		log.Info().Msg("client disconnected before login")
		return
	}

	log = log.With().Str("user", sess.Login).Logger()
	defer s.closeSession(ctx, sess, log)

	s.relay(ctx, sess, reader, log)
}

// readFrame blocks until a well-formed frame arrives. Malformed and oversized
// frames are skipped.
func (s *Server) readFrame(sess *Session, reader *protocol.Reader, log zerolog.Logger) (*protocol.Frame, error) {
	for {
		if s.config.ReadTimeout > 0 {
			sess.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		line, err := reader.ReadLine()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			log.Warn().Int("limit", s.config.MaxFrameSize).Msg("skipping oversized frame")
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			continue
		}

		frame, err := protocol.ParseFrame(line)
		if err != nil {
			log.Debug().Err(err).Msg("skipping malformed frame")
			continue
		}
		return frame, nil
	}
}

// closeSession runs when an authenticated connection ends for any reason.
func (s *Server) closeSession(ctx context.Context, sess *Session, log zerolog.Logger) {
	s.registry.Unregister(sess)

	if err := s.store.UpdateLastSeen(ctx, sess.Login, time.Now()); err != nil {
		log.Error().Err(err).Msg("failed to update last_seen")
	}

	if s.isClosing() {
		metrics.SessionsOnline.Set(float64(s.registry.Len()))
	} else {
		s.broadcastRoster()
	}
	log.Info().Msg("client disconnected")
}

// evict closes a session that lost its username to a newer login.
func (s *Server) evict(sess *Session) {
	if sess == nil {
		return
	}
	s.log.Info().Str("session", sess.ID).Str("user", sess.Login).Msg("session replaced by new login")
	sess.Send(protocol.Bye("replaced"))
	sess.Close()
}

// Shutdown stops accepting, says bye to every connection and waits for the
// handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	sessions := make([]*Session, 0, len(s.conns))
	for sess := range s.conns {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Send(protocol.Bye(reason))
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Int("connections", len(sessions)).Msg("server stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown timed out with handlers still running")
		return ctx.Err()
	}
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.Lock()
	connections := len(s.conns)
	s.mu.Unlock()

	users := s.registry.Snapshot()
	return "connections=" + strconv.Itoa(connections) + ",users=" + strings.Join(users, ";")
}

// IsOnline reports whether login has a live session.
func (s *Server) IsOnline(login string) bool {
	_, ok := s.registry.Lookup(login)
	return ok
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
