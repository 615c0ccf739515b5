package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/contest/gateway"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// pipeConn is an in-memory transport. The test plays the server.
type pipeConn struct {
	in     chan []byte
	out    chan gateway.Envelope
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 64),
		out:    make(chan gateway.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *pipeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	if mt != websocket.TextMessage {
		return nil
	}
	var env gateway.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.out <- env
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) push(t *testing.T, mt gateway.MessageType, p any) {
	t.Helper()
	data, err := gateway.Encode(mt, p)
	require.NoError(t, err)
	c.in <- data
}

func (c *pipeConn) next(t *testing.T) gateway.Envelope {
	t.Helper()
	select {
	case env := <-c.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return gateway.Envelope{}
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	clock clockwork.Clock
	fail  bool
	dials []time.Time
	conns chan *pipeConn
}

func newFakeDialer(clock clockwork.Clock, fail bool) *fakeDialer {
	return &fakeDialer{clock: clock, fail: fail, conns: make(chan *pipeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, d.clock.Now())
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newPipeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) gaps() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []time.Duration
	for i := 1; i < len(d.dials); i++ {
		out = append(out, d.dials[i].Sub(d.dials[i-1]))
	}
	return out
}

func (d *fakeDialer) conn(t *testing.T) *pipeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *recorder) record(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) terminal() (StateChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c.Terminal {
			return c, true
		}
	}
	return StateChange{}, false
}

func newTestManager(t *testing.T, token string, fail bool) (*Manager, *fakeDialer, *clockwork.FakeClock, *recorder) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	dialer := newFakeDialer(clock, fail)
	m := NewManager(Config{URL: "ws://arena.test/ws/contest", Token: token, ContestID: uuid.New()}, dialer, clock)
	rec := &recorder{}
	m.OnStateChange(rec.record)
	t.Cleanup(m.Disconnect)
	return m, dialer, clock, rec
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReconnectDelay(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for attempt, w := range want {
		assert.Equal(t, w*time.Second, ReconnectDelay(attempt), "attempt %d", attempt)
	}
}

func TestReconnectBackoffThenGiveUp(t *testing.T) {
	m, dialer, clock, rec := newTestManager(t, "", true)
	ctx := testContext(t)

	require.Error(t, m.Connect(ctx))
	assert.Equal(t, StateDisconnected, m.State())

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, d := range delays {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(d)
		want := i + 2
		require.Eventually(t, func() bool { return dialer.count() == want }, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool {
		_, ok := rec.terminal()
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, delays, dialer.gaps())

	change, _ := rec.terminal()
	assert.Equal(t, StateDisconnected, change.To)
	assert.Error(t, change.Err)

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return dialer.count() > 6 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestReconnectResetsAttempts(t *testing.T) {
	m, dialer, clock, rec := newTestManager(t, "", true)
	ctx := testContext(t)

	require.Error(t, m.Connect(ctx))
	for _, d := range []time.Duration{1, 2, 4, 8, 16} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(d * time.Second)
	}
	require.Eventually(t, func() bool {
		_, ok := rec.terminal()
		return ok
	}, time.Second, time.Millisecond)

	require.Error(t, m.Reconnect(ctx))
	assert.Equal(t, 7, dialer.count())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return dialer.count() == 8 }, time.Second, time.Millisecond)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	m, dialer, clock, _ := newTestManager(t, "", true)
	ctx := testContext(t)

	require.Error(t, m.Connect(ctx))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	m.Disconnect()
	clock.Advance(time.Minute)

	assert.Never(t, func() bool { return dialer.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestHandshakeHeartbeatAndClockSync(t *testing.T) {
	m, dialer, clock, _ := newTestManager(t, "tok", false)
	ctx := testContext(t)

	require.NoError(t, m.Connect(ctx))
	server := dialer.conn(t)

	assert.Equal(t, gateway.MessageAuthenticate, server.next(t).Type)
	join := server.next(t)
	assert.Equal(t, gateway.MessageJoinContest, join.Type)
	assert.Equal(t, StateOpen, m.State())

	server.push(t, gateway.MessageAuthenticated, gateway.AuthenticatedPayload{UserID: "alice"})
	require.Eventually(t, func() bool { return m.State() == StateAuthenticated }, time.Second, time.Millisecond)

	server.push(t, gateway.MessageJoinedContest, gateway.JoinedContestPayload{
		ParticipantCount: 3,
		Leaderboard: []models.LeaderboardEntry{
			{Rank: 2, UserID: "bob", Score: 50},
			{Rank: 1, UserID: "alice", Score: 100},
		},
	})
	require.Eventually(t, func() bool { return m.State() == StateJoined }, time.Second, time.Millisecond)
	assert.Equal(t, 3, m.ParticipantCount())

	entries, _ := m.Leaderboard()
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].UserID)

	// clock sample requested on join; the server runs 5s ahead
	assert.Equal(t, gateway.MessageGetTime, server.next(t).Type)
	server.push(t, gateway.MessageServerTime, gateway.TimePayload{Timestamp: epoch.Add(5 * time.Second).UnixMilli()})
	require.Eventually(t, func() bool {
		_, ok := m.ClockOffset()
		return ok
	}, time.Second, time.Millisecond)
	offset, _ := m.ClockOffset()
	assert.Equal(t, 5*time.Second, offset)
	assert.Equal(t, 10*time.Minute-5*time.Second, m.RemainingTime(epoch.Add(10*time.Minute)))
	assert.Zero(t, m.RemainingTime(epoch))

	// heartbeat
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultHeartbeatInterval)
	assert.Equal(t, gateway.MessagePing, server.next(t).Type)
	assert.Equal(t, gateway.MessageGetTime, server.next(t).Type)

	server.push(t, gateway.MessageLeaderboardUpdate, gateway.LeaderboardPayload{
		Entries: []models.LeaderboardEntry{{Rank: 1, UserID: "carol", Score: 300}, {Rank: 2, UserID: "alice", Score: 100}},
		Removed: []string{"bob"},
	})
	server.push(t, gateway.MessageParticipantCount, gateway.ParticipantCountPayload{Count: 4})
	require.Eventually(t, func() bool { return m.ParticipantCount() == 4 }, time.Second, time.Millisecond)
	entries, _ = m.Leaderboard()
	require.Len(t, entries, 2)
	assert.Equal(t, "carol", entries[0].UserID)

	assert.Zero(t, m.Remaining(), "joined snapshot carried no end time")
	server.push(t, gateway.MessageContestExtended, gateway.ContestExtendedPayload{EndTime: epoch.Add(20 * time.Minute).UnixMilli()})
	// 25s of heartbeat plus the 5s offset
	require.Eventually(t, func() bool { return m.Remaining() == 20*time.Minute-30*time.Second }, time.Second, time.Millisecond)
}

func TestTransportLossReconnectsAndRejoins(t *testing.T) {
	m, dialer, clock, _ := newTestManager(t, "", false)
	ctx := testContext(t)

	require.NoError(t, m.Connect(ctx))
	server := dialer.conn(t)
	assert.Equal(t, gateway.MessageJoinContest, server.next(t).Type)
	server.push(t, gateway.MessageJoinedContest, gateway.JoinedContestPayload{ParticipantCount: 1})
	require.Eventually(t, func() bool { return m.State() == StateJoined }, time.Second, time.Millisecond)

	server.Close()
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, time.Second, time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	again := dialer.conn(t)
	assert.Equal(t, gateway.MessageJoinContest, again.next(t).Type)
	again.push(t, gateway.MessageJoinedContest, gateway.JoinedContestPayload{ParticipantCount: 2})
	require.Eventually(t, func() bool { return m.State() == StateJoined }, time.Second, time.Millisecond)
	assert.Equal(t, 2, m.ParticipantCount())
}

func TestAuthenticationRejectionIsTerminal(t *testing.T) {
	m, dialer, clock, rec := newTestManager(t, "expired", false)
	ctx := testContext(t)

	require.NoError(t, m.Connect(ctx))
	server := dialer.conn(t)
	server.push(t, gateway.MessageError, gateway.ErrorPayload{Message: "authentication failed"})

	require.Eventually(t, func() bool {
		_, ok := rec.terminal()
		return ok
	}, time.Second, time.Millisecond)
	change, _ := rec.terminal()
	assert.ErrorIs(t, change.Err, ErrAuthRejected)

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return dialer.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestJoinRejectionIsTerminal(t *testing.T) {
	m, dialer, _, rec := newTestManager(t, "", false)
	ctx := testContext(t)

	require.NoError(t, m.Connect(ctx))
	server := dialer.conn(t)
	server.push(t, gateway.MessageError, gateway.ErrorPayload{Message: "contest has ended"})

	require.Eventually(t, func() bool {
		_, ok := rec.terminal()
		return ok
	}, time.Second, time.Millisecond)
	change, _ := rec.terminal()
	var rej *JoinRejectedError
	require.ErrorAs(t, change.Err, &rej)
	assert.Equal(t, "contest has ended", rej.Reason)
	assert.Equal(t, StateDisconnected, m.State())
}
