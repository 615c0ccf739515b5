// Package client keeps one websocket session to the contest gateway alive:
// it authenticates, joins a contest, heartbeats, tracks server time and
// reconnects with exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/contest/gateway"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateOpen          State = "open"
	StateAuthenticated State = "authenticated"
	StateJoined        State = "joined"
)

const (
	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultDialTimeout          = 10 * time.Second

	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
)

var (
	ErrClosed       = errors.New("connection manager is closed")
	ErrAuthRejected = errors.New("authentication rejected")
)

// JoinRejectedError is returned when the server refuses the join request.
type JoinRejectedError struct {
	Reason string
}

func (e *JoinRejectedError) Error() string {
	return "join rejected: " + e.Reason
}

// ReconnectDelay returns min(1s * 2^attempt, 30s).
func ReconnectDelay(attempt int) time.Duration {
	if attempt >= 5 {
		return maxReconnectDelay
	}
	d := baseReconnectDelay << attempt
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// StateChange is delivered to OnStateChange listeners.
type StateChange struct {
	From State
	To   State
	// Terminal is set when the manager stopped reconnecting on its own.
	Terminal bool
	Err      error
}

// Conn is the transport a Manager drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config configures a Manager.
type Config struct {
	URL                  string
	Token                string
	ContestID            uuid.UUID
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
}

// Manager is the client side of a contest session.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clockwork.Clock

	mu            sync.Mutex
	state         State
	conn          Conn
	gen           uint64
	attempt       int
	closing       bool
	rejected      error
	reconnect     clockwork.Timer
	heartbeat     clockwork.Ticker
	stopHeartbeat chan struct{}

	offset     time.Duration
	timeSentAt time.Time
	synced     bool

	participants int
	frozen       bool
	endTime      time.Time
	entries      map[string]models.LeaderboardEntry

	stateListeners   []func(StateChange)
	messageListeners []func(gateway.Envelope)
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, dialer Dialer, clock clockwork.Clock) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		clock:   clock,
		state:   StateDisconnected,
		entries: make(map[string]models.LeaderboardEntry),
	}
}

// OnStateChange registers a listener. Register listeners before Connect.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateListeners = append(m.stateListeners, fn)
}

// OnMessage registers a listener for every server message.
func (m *Manager) OnMessage(fn func(gateway.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageListeners = append(m.messageListeners, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the session. A failed first dial is retried with backoff and
// its error is returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.closing = false
	m.rejected = nil
	m.attempt = 0
	m.mu.Unlock()

	return m.open(ctx)
}

// Reconnect resets the attempt counter and connects again right away.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.stopTimersLocked()
	m.gen++
	conn := m.conn
	m.conn = nil
	change := m.setStateLocked(StateDisconnected, false, nil)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.notify(change)
	return m.Connect(ctx)
}

// Disconnect closes the session and cancels pending reconnects and
// heartbeats.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	m.stopTimersLocked()
	m.gen++
	conn := m.conn
	m.conn = nil
	change := m.setStateLocked(StateDisconnected, false, nil)
	m.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	m.notify(change)
}

func (m *Manager) open(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrClosed
	}
	m.gen++
	gen := m.gen
	change := m.setStateLocked(StateConnecting, false, nil)
	m.mu.Unlock()
	m.notify(change)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancel()
	if err != nil {
		err = fmt.Errorf("failed to dial %s: %w", m.cfg.URL, err)
		m.lost(gen, err)
		return err
	}

	m.mu.Lock()
	if gen != m.gen || m.closing {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	change = m.setStateLocked(StateOpen, false, nil)
	m.mu.Unlock()
	m.notify(change)

	go m.readLoop(gen, conn)

	if m.cfg.Token != "" {
		if err := m.write(gen, gateway.MessageAuthenticate, gateway.AuthenticatePayload{Token: m.cfg.Token}); err != nil {
			return err
		}
	}
	return m.write(gen, gateway.MessageJoinContest, gateway.JoinContestPayload{ContestID: m.cfg.ContestID})
}

// lost handles the end of connection gen and schedules the next attempt.
func (m *Manager) lost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopTimersLocked()
	conn := m.conn
	m.conn = nil

	var change *StateChange
	switch {
	case m.closing:
	case m.rejected != nil:
		change = m.setStateLocked(StateDisconnected, true, m.rejected)
	case m.attempt >= m.cfg.MaxReconnectAttempts:
		change = m.setStateLocked(StateDisconnected, true, cause)
	default:
		delay := ReconnectDelay(m.attempt)
		m.attempt++
		attempt := m.attempt
		change = m.setStateLocked(StateDisconnected, false, cause)
		m.reconnect = m.clock.AfterFunc(delay, func() {
			if err := m.open(context.Background()); err != nil {
				log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			}
		})
		log.Info().
			Err(cause).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("contest connection lost, reconnecting")
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.notify(change)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.lost(gen, err)
			return
		}
		var env gateway.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("dropping malformed server message")
			continue
		}
		m.handle(gen, env)
	}
}

func (m *Manager) handle(gen uint64, env gateway.Envelope) {
	var change *StateChange

	switch env.Type {
	case gateway.MessageAuthenticated:
		m.mu.Lock()
		if gen == m.gen && m.state == StateOpen {
			change = m.setStateLocked(StateAuthenticated, false, nil)
		}
		m.mu.Unlock()

	case gateway.MessageJoinedContest:
		var p gateway.JoinedContestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("malformed joined_contest")
			return
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.attempt = 0
		m.participants = p.ParticipantCount
		m.frozen = p.Frozen
		m.endTime = millisTime(p.EndTime)
		m.replaceEntriesLocked(p.Leaderboard)
		change = m.setStateLocked(StateJoined, false, nil)
		m.startHeartbeatLocked(gen)
		m.mu.Unlock()
		m.sync(gen)

	case gateway.MessageParticipantCount:
		var p gateway.ParticipantCountPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			m.mu.Lock()
			m.participants = p.Count
			m.mu.Unlock()
		}

	case gateway.MessageLeaderboard:
		var p gateway.LeaderboardPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			m.mu.Lock()
			m.frozen = p.Frozen
			m.replaceEntriesLocked(p.Entries)
			m.mu.Unlock()
		}

	case gateway.MessageLeaderboardUpdate:
		var p gateway.LeaderboardPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			m.mu.Lock()
			m.frozen = p.Frozen
			for _, e := range p.Entries {
				m.entries[e.UserID] = e
			}
			for _, id := range p.Removed {
				delete(m.entries, id)
			}
			m.mu.Unlock()
		}

	case gateway.MessageContestStarted:
		var p gateway.ContestStartedPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			m.setEndTime(p.EndTime)
		}

	case gateway.MessageContestExtended:
		var p gateway.ContestExtendedPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			m.setEndTime(p.EndTime)
		}

	case gateway.MessageServerTime:
		var p gateway.TimePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			m.recordServerTime(p.Timestamp)
		}

	case gateway.MessageError:
		var p gateway.ErrorPayload
		json.Unmarshal(env.Payload, &p)
		m.rejectIfPending(gen, p.Message)
	}

	m.notify(change)
	m.publish(env)
}

// rejectIfPending treats an error before joining as a refusal: the session is
// closed and not retried.
func (m *Manager) rejectIfPending(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateJoined {
		m.mu.Unlock()
		return
	}
	if m.state == StateOpen && m.cfg.Token != "" {
		m.rejected = fmt.Errorf("%w: %s", ErrAuthRejected, reason)
	} else {
		m.rejected = &JoinRejectedError{Reason: reason}
	}
	m.mu.Unlock()

	m.lost(gen, m.rejectedErr())
}

func (m *Manager) rejectedErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

func (m *Manager) startHeartbeatLocked(gen uint64) {
	if m.stopHeartbeat != nil {
		return
	}
	stop := make(chan struct{})
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	m.stopHeartbeat = stop
	m.heartbeat = ticker

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				if err := m.write(gen, gateway.MessagePing, nil); err != nil {
					return
				}
				m.sync(gen)
			}
		}
	}()
}

func (m *Manager) stopTimersLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.stopHeartbeat != nil {
		m.heartbeat.Stop()
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
		m.heartbeat = nil
	}
}

// sync asks the server for its clock.
func (m *Manager) sync(gen uint64) {
	m.mu.Lock()
	m.timeSentAt = m.clock.Now()
	m.mu.Unlock()
	m.write(gen, gateway.MessageGetTime, nil)
}

func (m *Manager) recordServerTime(serverMillis int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	rtt := now.Sub(m.timeSentAt)
	if m.timeSentAt.IsZero() || rtt < 0 {
		rtt = 0
	}
	server := time.UnixMilli(serverMillis).Add(rtt / 2)
	m.offset = server.Sub(now)
	m.synced = true
}

// ServerNow returns the local clock corrected by the last server sample.
func (m *Manager) ServerNow() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Add(m.offset)
}

// ClockOffset returns server minus local time and whether a sample exists.
func (m *Manager) ClockOffset() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset, m.synced
}

// RemainingTime is the time left until end measured on the server clock.
func (m *Manager) RemainingTime(end time.Time) time.Duration {
	left := end.Sub(m.ServerNow())
	if left < 0 {
		return 0
	}
	return left
}

// Remaining is the time left until the contest end last announced by the server.
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	end := m.endTime
	m.mu.Unlock()
	if end.IsZero() {
		return 0
	}
	return m.RemainingTime(end)
}

func (m *Manager) setEndTime(millis int64) {
	m.mu.Lock()
	m.endTime = millisTime(millis)
	m.mu.Unlock()
}

func millisTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (m *Manager) ParticipantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participants
}

// Leaderboard returns the last known view ordered by rank.
func (m *Manager) Leaderboard() ([]models.LeaderboardEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LeaderboardEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].UserID < out[j].UserID
	})
	return out, m.frozen
}

func (m *Manager) replaceEntriesLocked(entries []models.LeaderboardEntry) {
	m.entries = make(map[string]models.LeaderboardEntry, len(entries))
	for _, e := range entries {
		m.entries[e.UserID] = e
	}
}

func (m *Manager) write(gen uint64, t gateway.MessageType, payload any) error {
	data, err := gateway.Encode(t, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.conn == nil {
		return ErrClosed
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		go m.lost(gen, err)
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	return nil
}

func (m *Manager) setStateLocked(to State, terminal bool, err error) *StateChange {
	if m.state == to && !terminal {
		return nil
	}
	change := &StateChange{From: m.state, To: to, Terminal: terminal, Err: err}
	m.state = to
	return change
}

func (m *Manager) notify(change *StateChange) {
	if change == nil {
		return
	}
	m.mu.Lock()
	listeners := append([]func(StateChange){}, m.stateListeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(*change)
	}
}

func (m *Manager) publish(env gateway.Envelope) {
	m.mu.Lock()
	listeners := append([]func(gateway.Envelope){}, m.messageListeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(env)
	}
}
