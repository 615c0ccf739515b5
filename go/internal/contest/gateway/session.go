package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/arena/go/internal/contest/auth"
	"github.com/rs/zerolog/log"
)

// WSConn is the part of *websocket.Conn a session uses.
type WSConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)
	Close() error
	RemoteAddr() net.Addr
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// Session is one connected client. Membership and identity are owned by the
// Registry and guarded by its lock.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn     WSConn
	send     chan []byte
	registry *Registry

	identity      auth.Identity
	authenticated bool
	contestID     uuid.UUID
	closed        bool

	lastHeartbeat atomic.Int64
}

// Identity returns the authenticated identity of the session, if any.
func (s *Session) Identity() (auth.Identity, bool) {
	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()
	return s.identity, s.authenticated
}

func (s *Session) UserID() string {
	id, _ := s.Identity()
	return id.UserID
}

// ContestID returns the contest the session follows, or uuid.Nil.
func (s *Session) ContestID() uuid.UUID {
	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()
	return s.contestID
}

// LastHeartbeat returns when the session last sent anything.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *Session) touch() {
	s.lastHeartbeat.Store(s.registry.clock.Now().UnixNano())
}

func (s *Session) reply(t MessageType, payload any) {
	s.registry.send(s, t, payload)
}

func (s *Session) fail(message string) {
	s.reply(MessageError, ErrorPayload{Message: message})
}

// writePump handles sending messages to the websocket connection
func (s *Session) writePump() {
	cfg := s.registry.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.registry.unregister(s)
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", s.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", s.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the websocket connection
func (s *Session) readPump() {
	cfg := s.registry.config
	defer func() {
		s.registry.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", s.ID).
					Msg("unexpected websocket close error")
			}
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		s.handleClientMessage(ctx, message)
		cancel()
	}
}

// handleClientMessage processes one client message
func (s *Session) handleClientMessage(ctx context.Context, message []byte) {
	s.touch()

	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.fail("malformed message")
		return
	}

	switch env.Type {
	case MessageAuthenticate:
		s.authenticate(env.Payload)
	case MessageJoinContest:
		s.joinContest(ctx, env.Payload)
	case MessageLeaveContest:
		s.registry.Leave(s)
	case MessageGetLeaderboard:
		s.getLeaderboard(ctx)
	case MessagePing:
		s.reply(MessagePong, TimePayload{Timestamp: s.registry.clock.Now().UnixMilli()})
	case MessageGetTime:
		s.reply(MessageServerTime, TimePayload{Timestamp: s.registry.clock.Now().UnixMilli()})
	default:
		log.Debug().
			Str("connection_id", s.ID).
			Str("type", string(env.Type)).
			Msg("unknown client message")
		s.fail("unknown message type: " + string(env.Type))
	}
}

// authenticate verifies the bearer token. A failure sends an error and
// closes the session once the error is flushed.
func (s *Session) authenticate(raw json.RawMessage) {
	var p AuthenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		s.rejectAuth(errors.New("missing token"))
		return
	}
	id, err := s.registry.verifier.Verify(p.Token)
	if err != nil {
		s.rejectAuth(err)
		return
	}

	r := s.registry
	r.mu.Lock()
	s.identity = id
	s.authenticated = true
	r.mu.Unlock()

	s.reply(MessageAuthenticated, AuthenticatedPayload{UserID: id.UserID, Privileged: id.Privileged})
	log.Info().
		Str("connection_id", s.ID).
		Str("user_id", id.UserID).
		Bool("privileged", id.Privileged).
		Msg("session authenticated")
}

func (s *Session) rejectAuth(err error) {
	log.Warn().Err(err).Str("connection_id", s.ID).Msg("session authentication failed")
	s.fail("authentication failed")
	s.registry.unregister(s)
}

func (s *Session) joinContest(ctx context.Context, raw json.RawMessage) {
	var p JoinContestPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ContestID == uuid.Nil {
		s.fail("contestId is required")
		return
	}
	if err := s.registry.directory.JoinContest(ctx, s, p.ContestID); err != nil {
		log.Info().
			Err(err).
			Str("connection_id", s.ID).
			Str("contest_id", p.ContestID.String()).
			Msg("join rejected")
		s.fail(rejectionReason(err))
	}
}

func (s *Session) getLeaderboard(ctx context.Context) {
	contestID := s.ContestID()
	if contestID == uuid.Nil {
		s.fail("join a contest first")
		return
	}
	id, _ := s.Identity()
	entries, frozen, err := s.registry.directory.Leaderboard(ctx, contestID, id.Privileged)
	if err != nil {
		log.Error().Err(err).Str("contest_id", contestID.String()).Msg("failed to load leaderboard")
		s.fail(rejectionReason(err))
		return
	}
	s.reply(MessageLeaderboard, LeaderboardPayload{
		ContestID: contestID,
		Entries:   nonNil(entries),
		Frozen:    frozen,
	})
}
