package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/contest/auth"
	"github.com/mcdev12/arena/go/internal/contest/contest"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDirectory struct {
	mu       sync.Mutex
	registry *Registry
	contests map[uuid.UUID]models.Contest
	entries  []models.LeaderboardEntry
}

func (d *stubDirectory) JoinContest(ctx context.Context, s *Session, contestID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contests[contestID]
	if !ok {
		return Reject("contest not found")
	}
	if c.Status.IsTerminal() {
		return Reject("contest has %s", c.Status)
	}
	d.registry.Join(s, contestID, Snapshot{Status: c.Status, Entries: d.entries, EndTime: c.EndTime()})
	return nil
}

func (d *stubDirectory) Leaderboard(ctx context.Context, contestID uuid.UUID, privileged bool) ([]models.LeaderboardEntry, bool, error) {
	return d.entries, false, nil
}

type testServer struct {
	srv      *httptest.Server
	registry *Registry
	verifier *auth.Verifier
	clock    *clockwork.FakeClock
	live     models.Contest
	ended    models.Contest
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	verifier := auth.NewVerifier("secret", clock)
	registry := NewRegistry(DefaultConfig(), clock, verifier)

	live := models.Contest{ID: uuid.New(), Status: models.ContestStatusLive, StartTime: epoch, DurationMinutes: 90}
	ended := models.Contest{ID: uuid.New(), Status: models.ContestStatusEnded, StartTime: epoch.Add(-3 * time.Hour), DurationMinutes: 60}
	registry.SetDirectory(&stubDirectory{
		registry: registry,
		contests: map[uuid.UUID]models.Contest{live.ID: live, ended.ID: ended},
		entries:  []models.LeaderboardEntry{{Rank: 1, UserID: "alice", Score: 100}},
	})

	mux := http.NewServeMux()
	NewWebSocketHandler(registry).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		registry.Shutdown()
		srv.Close()
	})

	return &testServer{srv: srv, registry: registry, verifier: verifier, clock: clock, live: live, ended: ended}
}

func (ts *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/contest" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := ts.verifier.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func write(t *testing.T, conn *websocket.Conn, mt MessageType, p any) {
	t.Helper()
	data, err := Encode(mt, p)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// expect reads until a message of type mt arrives.
func expect(t *testing.T, conn *websocket.Conn, mt MessageType) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", mt)
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == mt {
			return env
		}
	}
}

func TestSessionAuthenticateAndJoin(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "")

	write(t, conn, MessageAuthenticate, AuthenticatePayload{Token: ts.token(t, "alice", "")})
	authed := payload[AuthenticatedPayload](t, expect(t, conn, MessageAuthenticated))
	assert.Equal(t, "alice", authed.UserID)
	assert.False(t, authed.Privileged)

	write(t, conn, MessageJoinContest, JoinContestPayload{ContestID: ts.live.ID})
	joined := payload[JoinedContestPayload](t, expect(t, conn, MessageJoinedContest))
	assert.Equal(t, ts.live.ID, joined.ContestID)
	assert.Equal(t, 1, joined.ParticipantCount)
	require.Len(t, joined.Leaderboard, 1)
	assert.Equal(t, ts.live.EndTime().UnixMilli(), joined.EndTime)

	write(t, conn, MessageGetLeaderboard, nil)
	lb := payload[LeaderboardPayload](t, expect(t, conn, MessageLeaderboard))
	assert.Equal(t, "alice", lb.Entries[0].UserID)
}

func TestSessionPingAndServerTime(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "")

	write(t, conn, MessagePing, nil)
	expect(t, conn, MessagePong)

	ts.clock.Advance(90 * time.Second)
	write(t, conn, MessageGetTime, nil)
	st := payload[TimePayload](t, expect(t, conn, MessageServerTime))
	assert.Equal(t, epoch.Add(90*time.Second).UnixMilli(), st.Timestamp)
}

func TestSessionAuthenticationFailureCloses(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "")

	write(t, conn, MessageAuthenticate, AuthenticatePayload{Token: "not-a-jwt"})
	errMsg := payload[ErrorPayload](t, expect(t, conn, MessageError))
	assert.Equal(t, "authentication failed", errMsg.Message)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), "got %v", err)
	require.Eventually(t, func() bool { return ts.registry.Stats().TotalSessions == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionJoinEndedContestRejected(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "")

	write(t, conn, MessageJoinContest, JoinContestPayload{ContestID: ts.ended.ID})
	errMsg := payload[ErrorPayload](t, expect(t, conn, MessageError))
	assert.Equal(t, fmt.Sprintf("contest has %s", models.ContestStatusEnded), errMsg.Message)
	assert.Equal(t, 0, ts.registry.ParticipantCount(ts.ended.ID))

	write(t, conn, MessageGetLeaderboard, nil)
	errMsg = payload[ErrorPayload](t, expect(t, conn, MessageError))
	assert.Equal(t, "join a contest first", errMsg.Message)
}

func TestSessionRejectsUnknownMessage(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "")

	write(t, conn, "submit_code", nil)
	errMsg := payload[ErrorPayload](t, expect(t, conn, MessageError))
	assert.Contains(t, errMsg.Message, "submit_code")
}

func TestParticipantCountFollowsDisconnects(t *testing.T) {
	ts := newTestServer(t)
	first := ts.dial(t, "?token="+ts.token(t, "alice", ""))
	second := ts.dial(t, "?token="+ts.token(t, "bob", ""))

	write(t, first, MessageJoinContest, JoinContestPayload{ContestID: ts.live.ID})
	expect(t, first, MessageJoinedContest)
	write(t, second, MessageJoinContest, JoinContestPayload{ContestID: ts.live.ID})
	assert.Equal(t, 2, payload[JoinedContestPayload](t, expect(t, second, MessageJoinedContest)).ParticipantCount)

	for {
		if payload[ParticipantCountPayload](t, expect(t, first, MessageParticipantCount)).Count == 2 {
			break
		}
	}

	second.Close()
	assert.Equal(t, 1, payload[ParticipantCountPayload](t, expect(t, first, MessageParticipantCount)).Count)
}

func TestHandshakeTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/contest?token=bogus"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectionStats(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "")
	write(t, conn, MessageJoinContest, JoinContestPayload{ContestID: ts.live.ID})
	expect(t, conn, MessageJoinedContest)

	resp, err := http.Get(ts.srv.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 1, stats.ContestSessions[ts.live.ID.String()])
}

type stubStateProvider struct {
	known uuid.UUID
}

func (p stubStateProvider) ContestState(ctx context.Context, id uuid.UUID) (*ContestState, error) {
	if id != p.known {
		return nil, fmt.Errorf("%s: %w", id, contest.ErrContestNotFound)
	}
	return &ContestState{ContestID: id, Status: models.ContestStatusLive, RemainingSeconds: 600}, nil
}

func TestStateHandler(t *testing.T) {
	known := uuid.New()
	mux := http.NewServeMux()
	NewStateHandler(stubStateProvider{known: known}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/contests/" + known.String() + "/state")
	require.NoError(t, err)
	var state ContestState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(600), state.RemainingSeconds)

	resp, err = http.Get(srv.URL + "/api/contests/" + uuid.NewString() + "/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/contests/nope/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
