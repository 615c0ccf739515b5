package contest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/leaderboard"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commands wires the App with stub side effects.
type commands struct {
	*App
	announced []string
	hidden    map[string]bool
}

func (c *commands) Announce(ctx context.Context, id uuid.UUID, message string) (time.Time, error) {
	if _, err := c.GetContest(ctx, id); err != nil {
		return time.Time{}, err
	}
	c.announced = append(c.announced, message)
	return now, nil
}

func (c *commands) AdjustScore(ctx context.Context, id uuid.UUID, userID string, delta float64, reason string) error {
	return leaderboard.ErrParticipantNotFound
}

func (c *commands) HideParticipant(ctx context.Context, id uuid.UUID, userID string, hidden bool) error {
	c.hidden[userID] = hidden
	return nil
}

func (c *commands) Leaderboard(ctx context.Context, id uuid.UUID, privileged bool) ([]models.LeaderboardEntry, bool, error) {
	return []models.LeaderboardEntry{{Rank: 1, UserID: "alice", Score: 100}}, privileged, nil
}

func newTestServer(t *testing.T) (*AdminClient, *commands) {
	t.Helper()
	app, _, _ := newTestApp()
	cmds := &commands{App: app, hidden: map[string]bool{}}

	mux := http.NewServeMux()
	path, handler := NewService(cmds).Handler()
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewAdminClient(srv.Client(), srv.URL, ""), cmds
}

func TestServiceContestFlow(t *testing.T) {
	client, cmds := newTestServer(t)
	ctx := context.Background()

	created, err := client.CreateContest(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, models.ContestStatusDraft, created.Contest.Status)
	assert.Equal(t, created.Contest.StartTime.Add(90*time.Minute), created.EndTime)
	assert.Nil(t, created.FreezeStart)

	id := created.Contest.ID
	published, err := client.PublishContest(ctx, ContestIDRequest{ContestID: id})
	require.NoError(t, err)
	assert.Equal(t, models.ContestStatusScheduled, published.Contest.Status)

	got, err := client.GetContest(ctx, ContestIDRequest{ContestID: id})
	require.NoError(t, err)
	assert.Equal(t, created.Contest.Name, got.Contest.Name)

	ann, err := client.Announce(ctx, AnnounceRequest{ContestID: id, Message: "clarification on B"})
	require.NoError(t, err)
	assert.True(t, ann.Timestamp.Equal(now))
	assert.Equal(t, []string{"clarification on B"}, cmds.announced)

	require.NoError(t, client.HideParticipant(ctx, HideParticipantRequest{ContestID: id, UserID: "bob", Hidden: true}))
	assert.True(t, cmds.hidden["bob"])

	lb, err := client.GetLeaderboard(ctx, ContestIDRequest{ContestID: id})
	require.NoError(t, err)
	assert.True(t, lb.Frozen)
	require.Len(t, lb.Entries, 1)
	assert.Equal(t, "alice", lb.Entries[0].UserID)

	cancelled, err := client.CancelContest(ctx, ContestIDRequest{ContestID: id})
	require.NoError(t, err)
	assert.Equal(t, models.ContestStatusCancelled, cancelled.Contest.Status)
}

func TestServiceErrorCodes(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	bad := validRequest()
	bad.DurationMinutes = 1000
	_, err := client.CreateContest(ctx, bad)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = client.GetContest(ctx, ContestIDRequest{ContestID: uuid.New()})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	created, err := client.CreateContest(ctx, validRequest())
	require.NoError(t, err)
	_, err = client.ExtendContest(ctx, ExtendContestRequest{ContestID: created.Contest.ID, Minutes: 10})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	err = client.AdjustScore(ctx, AdjustScoreRequest{ContestID: created.Contest.ID, UserID: "ghost", Delta: 5})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}
