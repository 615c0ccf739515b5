package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/contest/auth"
	"github.com/mcdev12/arena/go/internal/contest/leaderboard"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for contest websocket sessions
type Config struct {
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	PingInterval      time.Duration
	RequestTimeout    time.Duration
	MaxMessageSize    int64
	ReadBufferSize    int
	WriteBufferSize   int
	SendQueueSize     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CheckOrigin       func(r *http.Request) bool
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       90 * time.Second,
		PingInterval:      30 * time.Second,
		RequestTimeout:    5 * time.Second,
		MaxMessageSize:    4096,
		ReadBufferSize:    1024,
		WriteBufferSize:   4096,
		SendQueueSize:     256,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// ContestDirectory resolves the contest requests sessions make. JoinContest
// must call Registry.Join on success.
type ContestDirectory interface {
	JoinContest(ctx context.Context, s *Session, contestID uuid.UUID) error
	Leaderboard(ctx context.Context, contestID uuid.UUID, privileged bool) ([]models.LeaderboardEntry, bool, error)
}

// RejectError carries a reason that is shown to the client as is.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

// Reject builds a RejectError.
func Reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// Snapshot is what a session receives when it joins a contest.
type Snapshot struct {
	Status  models.ContestStatus
	Entries []models.LeaderboardEntry
	Frozen  bool
	EndTime time.Time
}

// Stats summarizes active sessions.
type Stats struct {
	TotalSessions   int            `json:"total_sessions"`
	ActiveContests  int            `json:"active_contests"`
	ContestSessions map[string]int `json:"contest_sessions"`
}

// Registry owns every contest websocket session and fans out contest events
// to the sessions subscribed to each contest.
type Registry struct {
	sessions map[*Session]struct{}
	contests map[uuid.UUID]map[*Session]struct{}
	mu       sync.RWMutex

	upgrader  websocket.Upgrader
	config    Config
	clock     clockwork.Clock
	verifier  *auth.Verifier
	directory ContestDirectory
}

// NewRegistry creates a session registry. SetDirectory must be called before
// serving connections.
func NewRegistry(config Config, clock clockwork.Clock, verifier *auth.Verifier) *Registry {
	return &Registry{
		sessions: make(map[*Session]struct{}),
		contests: make(map[uuid.UUID]map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:   config,
		clock:    clock,
		verifier: verifier,
	}
}

func (r *Registry) SetDirectory(d ContestDirectory) {
	r.directory = d
}

// UpgradeConnection upgrades an HTTP connection and serves it as a session.
// identity is set when the handshake already carried a valid token.
func (r *Registry) UpgradeConnection(w http.ResponseWriter, req *http.Request, identity *auth.Identity) (*Session, error) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return r.Serve(conn, identity), nil
}

// Serve registers conn as a new session and starts its pumps.
func (r *Registry) Serve(conn WSConn, identity *auth.Identity) *Session {
	s := r.newSession(conn)
	if identity != nil {
		s.identity = *identity
		s.authenticated = true
	}
	r.register(s)

	go s.writePump()
	go s.readPump()

	log.Info().
		Str("connection_id", s.ID).
		Str("user_id", s.UserID()).
		Msg("contest session established")
	return s
}

func (r *Registry) newSession(conn WSConn) *Session {
	now := r.clock.Now()
	s := &Session{
		ID:          uuid.New().String(),
		ConnectedAt: now,
		conn:        conn,
		send:        make(chan []byte, r.config.SendQueueSize),
		registry:    r,
	}
	s.lastHeartbeat.Store(now.UnixNano())
	return s
}

func (r *Registry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

// unregister removes s and closes its queue. It is safe to call repeatedly.
func (r *Registry) unregister(s *Session) {
	r.mu.Lock()
	if s.closed {
		r.mu.Unlock()
		return
	}
	s.closed = true
	delete(r.sessions, s)
	contestID, userID := s.contestID, s.identity.UserID
	r.detachLocked(s)
	close(s.send)
	r.mu.Unlock()

	log.Info().
		Str("connection_id", s.ID).
		Str("user_id", userID).
		Str("contest_id", contestID.String()).
		Msg("contest session unregistered")

	if contestID != uuid.Nil {
		r.broadcastCount(contestID)
	}
}

// evict drops a session that cannot keep up or stopped heartbeating.
func (r *Registry) evict(s *Session, reason string) {
	log.Warn().
		Str("connection_id", s.ID).
		Str("user_id", s.UserID()).
		Str("reason", reason).
		Msg("evicting contest session")
	r.unregister(s)
	s.conn.Close()
}

func (r *Registry) detachLocked(s *Session) {
	if s.contestID == uuid.Nil {
		return
	}
	if members, ok := r.contests[s.contestID]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(r.contests, s.contestID)
		}
	}
	s.contestID = uuid.Nil
}

// Join subscribes s to contestID and sends it the snapshot. A session follows
// at most one contest; joining another leaves the previous one.
func (r *Registry) Join(s *Session, contestID uuid.UUID, snap Snapshot) {
	r.mu.Lock()
	if s.closed {
		r.mu.Unlock()
		return
	}
	prev := s.contestID
	if prev != contestID {
		r.detachLocked(s)
		if r.contests[contestID] == nil {
			r.contests[contestID] = make(map[*Session]struct{})
		}
		r.contests[contestID][s] = struct{}{}
		s.contestID = contestID
	}
	count := len(r.contests[contestID])
	r.mu.Unlock()

	if prev != uuid.Nil && prev != contestID {
		r.broadcastCount(prev)
	}

	entries := snap.Entries
	if entries == nil {
		entries = []models.LeaderboardEntry{}
	}
	r.send(s, MessageJoinedContest, JoinedContestPayload{
		ContestID:        contestID,
		Status:           snap.Status,
		ParticipantCount: count,
		Leaderboard:      entries,
		Frozen:           snap.Frozen,
		ServerTime:       r.clock.Now().UnixMilli(),
		EndTime:          snap.EndTime.UnixMilli(),
	})
	r.broadcastCount(contestID)

	log.Debug().
		Str("connection_id", s.ID).
		Str("contest_id", contestID.String()).
		Int("sessions", count).
		Msg("session joined contest")
}

// Leave unsubscribes s from its contest.
func (r *Registry) Leave(s *Session) {
	r.mu.Lock()
	contestID := s.contestID
	r.detachLocked(s)
	r.mu.Unlock()

	if contestID != uuid.Nil {
		r.broadcastCount(contestID)
	}
}

// ParticipantCount returns the number of sessions following contestID.
func (r *Registry) ParticipantCount(contestID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contests[contestID])
}

// Users returns the distinct non-privileged users following contestID.
func (r *Registry) Users(contestID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for s := range r.contests[contestID] {
		if !s.authenticated || s.identity.Privileged {
			continue
		}
		if _, ok := seen[s.identity.UserID]; ok {
			continue
		}
		seen[s.identity.UserID] = struct{}{}
		out = append(out, s.identity.UserID)
	}
	sort.Strings(out)
	return out
}

// send queues one message for one session.
func (r *Registry) send(s *Session, t MessageType, payload any) {
	data, err := Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode session message")
		return
	}
	r.mu.RLock()
	ok := r.enqueueLocked(s, data)
	r.mu.RUnlock()
	if !ok {
		r.evict(s, "send buffer full")
	}
}

// enqueueLocked never blocks. It reports false when the queue overflowed.
func (r *Registry) enqueueLocked(s *Session, data []byte) bool {
	if s.closed {
		return true
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// deliver sends pick(s) to every session of contestID. pick returning nil
// skips that session. Overflowing sessions are evicted after fan-out.
func (r *Registry) deliver(contestID uuid.UUID, pick func(s *Session) []byte) int {
	var overflowed []*Session

	r.mu.RLock()
	members := r.contests[contestID]
	sent := 0
	for s := range members {
		data := pick(s)
		if data == nil {
			continue
		}
		if !r.enqueueLocked(s, data) {
			overflowed = append(overflowed, s)
			continue
		}
		sent++
	}
	r.mu.RUnlock()

	for _, s := range overflowed {
		r.evict(s, "send buffer full")
	}
	return sent
}

// broadcast sends the same message to every session of contestID.
func (r *Registry) broadcast(contestID uuid.UUID, t MessageType, payload any) {
	data, err := Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(t)).Msg("failed to encode broadcast")
		return
	}
	n := r.deliver(contestID, func(*Session) []byte { return data })

	log.Debug().
		Str("event_type", string(t)).
		Str("contest_id", contestID.String()).
		Int("sessions", n).
		Msg("event broadcasted")
}

func (r *Registry) broadcastCount(contestID uuid.UUID) {
	r.broadcast(contestID, MessageParticipantCount, ParticipantCountPayload{
		ContestID: contestID,
		Count:     r.ParticipantCount(contestID),
	})
}

// PublishDelta pushes a leaderboard recomputation. Privileged sessions get
// the true view, everyone else the public one.
func (r *Registry) PublishDelta(d leaderboard.Delta) {
	if d.Empty() {
		return
	}
	var public, private []byte
	var err error
	if len(d.Public) > 0 || len(d.Removed) > 0 {
		public, err = Encode(MessageLeaderboardUpdate, LeaderboardPayload{
			ContestID: d.ContestID,
			Entries:   nonNil(d.Public),
			Removed:   d.Removed,
			Frozen:    d.Frozen,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to encode public leaderboard delta")
			return
		}
	}
	if len(d.Private) > 0 {
		private, err = Encode(MessageLeaderboardUpdate, LeaderboardPayload{
			ContestID: d.ContestID,
			Entries:   d.Private,
			Frozen:    d.Frozen,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to encode private leaderboard delta")
			return
		}
	}

	r.deliver(d.ContestID, func(s *Session) []byte {
		if s.identity.Privileged {
			return private
		}
		return public
	})
}

// PublishLeaderboard pushes a full leaderboard to every session of the contest.
func (r *Registry) PublishLeaderboard(contestID uuid.UUID, entries []models.LeaderboardEntry, frozen bool) {
	r.broadcast(contestID, MessageLeaderboard, LeaderboardPayload{
		ContestID: contestID,
		Entries:   nonNil(entries),
		Frozen:    frozen,
	})
}

func (r *Registry) ContestStarted(c models.Contest) {
	r.broadcast(c.ID, MessageContestStarted, ContestStartedPayload{
		ContestID:  c.ID,
		ServerTime: r.clock.Now().UnixMilli(),
		EndTime:    c.EndTime().UnixMilli(),
	})
}

func (r *Registry) ContestEnded(contestID uuid.UUID, cancelled bool) {
	r.broadcast(contestID, MessageContestEnded, ContestEndedPayload{
		ContestID: contestID,
		Cancelled: cancelled,
	})
}

func (r *Registry) ContestExtended(c models.Contest) {
	r.broadcast(c.ID, MessageContestExtended, ContestExtendedPayload{
		ContestID: c.ID,
		EndTime:   c.EndTime().UnixMilli(),
	})
}

func (r *Registry) Announce(contestID uuid.UUID, message string, at time.Time) {
	r.broadcast(contestID, MessageAnnouncement, AnnouncementPayload{
		ContestID: contestID,
		Message:   message,
		Timestamp: at.UnixMilli(),
	})
}

// SubmissionResult goes only to the sessions of the submitting user.
func (r *Registry) SubmissionResult(contestID uuid.UUID, userID string, payload SubmissionResultPayload) {
	data, err := Encode(MessageSubmissionResult, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode submission result")
		return
	}
	r.deliver(contestID, func(s *Session) []byte {
		if !s.authenticated || s.identity.UserID != userID {
			return nil
		}
		return data
	})
}

// EvictStale removes sessions whose last heartbeat is older than the
// configured timeout. It returns the number of evicted sessions.
func (r *Registry) EvictStale(now time.Time) int {
	cutoff := now.Add(-r.config.HeartbeatTimeout).UnixNano()

	var stale []*Session
	r.mu.RLock()
	for s := range r.sessions {
		if s.lastHeartbeat.Load() < cutoff {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		r.evict(s, "heartbeat timeout")
	}
	return len(stale)
}

// RunHeartbeat evicts stale sessions on its own ticker until ctx is done.
func (r *Registry) RunHeartbeat(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", r.config.HeartbeatInterval).
		Dur("timeout", r.config.HeartbeatTimeout).
		Msg("session heartbeat monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session heartbeat monitor stopped")
			return ctx.Err()
		case <-ticker.Chan():
			if n := r.EvictStale(r.clock.Now()); n > 0 {
				log.Info().Int("evicted", n).Msg("evicted stale sessions")
			}
		}
	}
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		r.unregister(s)
	}
}

// Stats returns statistics about active sessions
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.contests))
	for id, members := range r.contests {
		counts[id.String()] = len(members)
	}
	return Stats{
		TotalSessions:   len(r.sessions),
		ActiveContests:  len(r.contests),
		ContestSessions: counts,
	}
}

func rejectionReason(err error) string {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return "internal error"
}

func nonNil(entries []models.LeaderboardEntry) []models.LeaderboardEntry {
	if entries == nil {
		return []models.LeaderboardEntry{}
	}
	return entries
}
