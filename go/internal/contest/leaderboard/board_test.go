package leaderboard

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/mcdev12/arena/go/internal/contest/scoring"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	problemA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	problemB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func testContest() models.Contest {
	return models.Contest{
		ID:                       uuid.New(),
		StartTime:                start,
		DurationMinutes:          60,
		Status:                   models.ContestStatusLive,
		RankingPolicy:            models.RankingPolicyLCB,
		FreezeLeaderboardMinutes: 15,
		IsActive:                 true,
		Problems: []models.ContestProblem{
			{ProblemID: problemA, Order: 0, Label: "A", Points: 100},
			{ProblemID: problemB, Order: 1, Label: "B", Points: 200},
		},
		Penalty: models.PenaltyRule{WrongSubmissionPenalty: 5, PenaltyOnlyAfterAC: true},
	}
}

func accepted(c models.Contest, user string, problem uuid.UUID, at time.Time) events.SubmissionJudged {
	return events.SubmissionJudged{
		SubmissionID:  fmt.Sprintf("%s-%s-%d", user, problem, at.Unix()),
		ParticipantID: user,
		ContestID:     c.ID,
		ProblemID:     problem,
		Verdict:       models.VerdictAccepted,
		SubmittedAt:   at,
	}
}

func order(es []models.LeaderboardEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.UserID
	}
	return out
}

func joinAll(t *testing.T, b *Board, users ...string) {
	t.Helper()
	for _, u := range users {
		_, _, err := b.Join(u, start)
		require.NoError(t, err)
	}
}

func TestApplyProducesDelta(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	joinAll(t, b, "alice", "bob")

	p, d, err := b.Apply(accepted(c, "bob", problemA, start.Add(10*time.Minute)), start.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.Score)
	assert.Equal(t, 1, p.Rank)

	// bob moved up and alice moved down.
	assert.ElementsMatch(t, []string{"alice", "bob"}, order(d.Public))
	assert.False(t, d.Frozen)

	snap := b.Snapshot(false, start.Add(11*time.Minute))
	require.Len(t, snap, 2)
	assert.Equal(t, "bob", snap[0].UserID)
	assert.Equal(t, uint16(0b01), snap[0].SolvedMask)
	assert.Equal(t, start.Add(10*time.Minute), snap[0].UpdatedAt)
}

func TestApplyUnknownParticipantLeavesBoardUntouched(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	joinAll(t, b, "alice")
	before := b.Snapshot(true, start)

	_, _, err := b.Apply(accepted(c, "ghost", problemA, start.Add(time.Minute)), start.Add(time.Minute))
	assert.True(t, errors.Is(err, scoring.ErrUnknownReference))

	_, _, err = b.Apply(accepted(c, "alice", uuid.New(), start.Add(time.Minute)), start.Add(time.Minute))
	assert.True(t, errors.Is(err, scoring.ErrUnknownReference))

	p, ok := b.Participant("alice")
	require.True(t, ok)
	assert.Empty(t, p.Problems)
	assert.Equal(t, before, b.Snapshot(true, start))
}

func TestFreezePinsPublicView(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	joinAll(t, b, "alice", "bob")

	_, _, err := b.Apply(accepted(c, "alice", problemA, start.Add(5*time.Minute)), start.Add(5*time.Minute))
	require.NoError(t, err)

	freeze := c.FreezeStart()
	first := b.Snapshot(false, freeze.Add(time.Second))
	assert.Equal(t, []string{"alice", "bob"}, order(first))
	assert.True(t, b.Frozen(freeze.Add(time.Second)))

	// bob overtakes inside the freeze window.
	_, d, err := b.Apply(accepted(c, "bob", problemB, freeze.Add(2*time.Minute)), freeze.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Frozen)
	assert.Empty(t, d.Public)
	assert.NotEmpty(t, d.Private)

	second := b.Snapshot(false, freeze.Add(3*time.Minute))
	assert.Equal(t, first, second)

	truth := b.Snapshot(true, freeze.Add(3*time.Minute))
	assert.Equal(t, []string{"bob", "alice"}, order(truth))

	final, err := b.Finalize(c.EndTime())
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice"}, order(final))
	assert.Equal(t, order(truth), order(b.Snapshot(false, c.EndTime())))
}

func TestFinalizeClosesBoard(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	joinAll(t, b, "alice")

	_, err := b.Finalize(start.Add(30 * time.Minute))
	require.NoError(t, err)
	assert.True(t, b.Closed())

	_, _, err = b.Join("bob", start.Add(31*time.Minute))
	assert.ErrorIs(t, err, ErrBoardClosed)

	_, err = b.Adjust("alice", 10, start.Add(31*time.Minute))
	assert.ErrorIs(t, err, ErrBoardClosed)

	_, err = b.Finalize(start.Add(32 * time.Minute))
	assert.ErrorIs(t, err, ErrBoardClosed)
}

func TestApplyOnlyCountsSubmissionsInsideWindow(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	joinAll(t, b, "alice")

	_, _, err := b.Apply(accepted(c, "alice", problemA, start.Add(-time.Second)), start.Add(-time.Second))
	assert.ErrorIs(t, err, ErrOutsideWindow)

	_, _, err = b.Apply(accepted(c, "alice", problemA, c.EndTime()), c.EndTime())
	assert.ErrorIs(t, err, ErrOutsideWindow, "the end instant is already outside")

	_, _, err = b.Apply(accepted(c, "alice", problemA, time.Time{}), start)
	assert.ErrorIs(t, err, ErrOutsideWindow)

	p, _, err := b.Apply(accepted(c, "alice", problemA, start), start)
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.Score)
}

func TestLateVerdictAmendsClosedBoard(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	joinAll(t, b, "alice", "bob")

	_, _, err := b.Apply(accepted(c, "alice", problemA, start.Add(5*time.Minute)), start.Add(5*time.Minute))
	require.NoError(t, err)

	// Ended early at +40 by an admin.
	endedAt := start.Add(40 * time.Minute)
	c.Status = models.ContestStatusEnded
	c.EndedAt = &endedAt
	b.SetContest(c)
	final, err := b.Finalize(endedAt.Add(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, order(final))

	_, _, err = b.Apply(accepted(c, "bob", problemB, endedAt.Add(time.Minute)), endedAt.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrOutsideWindow, "submitted after the early end")

	p, d, err := b.Apply(accepted(c, "bob", problemB, endedAt.Add(-time.Second)), endedAt.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 200.0, p.Score)
	assert.False(t, d.Frozen)

	amended := b.Snapshot(false, endedAt.Add(6*time.Second))
	assert.Equal(t, []string{"bob", "alice"}, order(amended))
	assert.True(t, b.Closed())
}

func TestExtensionUnfreezes(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	joinAll(t, b, "alice")

	inWindow := c.FreezeStart().Add(time.Minute)
	require.True(t, b.Frozen(inWindow))

	c.DurationMinutes += 30
	b.SetContest(c)
	assert.False(t, b.Frozen(inWindow))
}

func TestHiddenParticipantsLeavePublicView(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	joinAll(t, b, "alice", "bob", "carol")

	_, _, err := b.Apply(accepted(c, "bob", problemB, start.Add(5*time.Minute)), start.Add(5*time.Minute))
	require.NoError(t, err)

	d, err := b.SetHidden("bob", true, start.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, d.Removed)

	public := b.Snapshot(false, start.Add(7*time.Minute))
	assert.NotContains(t, order(public), "bob")
	for _, e := range public {
		assert.Equal(t, 1, e.Rank, "alice and carol tie once bob is hidden")
	}

	truth := b.Snapshot(true, start.Add(7*time.Minute))
	require.Len(t, truth, 3)
	assert.Equal(t, "bob", truth[0].UserID)

	_, err = b.SetHidden("nobody", true, start)
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestAdjustChangesScore(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	joinAll(t, b, "alice", "bob")

	d, err := b.Adjust("bob", 50, start.Add(time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, d.Public)

	snap := b.Snapshot(false, start.Add(time.Minute))
	assert.Equal(t, "bob", snap[0].UserID)
	assert.Equal(t, 50.0, snap[0].Score)

	// Adjustments survive later recomputation.
	_, _, err = b.Apply(accepted(c, "bob", problemA, start.Add(2*time.Minute)), start.Add(2*time.Minute))
	require.NoError(t, err)
	p, _ := b.Participant("bob")
	assert.Equal(t, 150.0, p.Score)

	_, err = b.Adjust("nobody", 1, start)
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestJoinIsIdempotent(t *testing.T) {
	c := testContest()
	b := NewBoard(c)

	p1, d1, err := b.Join("alice", start.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, d1.Public, 1)
	assert.Equal(t, start.Add(3*time.Minute), p1.EffectiveStart)

	p2, d2, err := b.Join("alice", start.Add(9*time.Minute))
	require.NoError(t, err)
	assert.True(t, d2.Empty())
	assert.Equal(t, p1.EffectiveStart, p2.EffectiveStart)
	assert.Equal(t, 1, b.Count())
}

func TestConcurrentApplyIsSerialized(t *testing.T) {
	c := testContest()
	b := NewBoard(c)
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	joinAll(t, b, users...)

	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			at := start.Add(time.Duration(i+1) * time.Minute)
			_, _, err := b.Apply(accepted(c, u, problemA, at), at)
			assert.NoError(t, err)
		}(i, u)
	}
	wg.Wait()

	snap := b.Snapshot(true, start.Add(20*time.Minute))
	require.Len(t, snap, len(users))
	assert.Equal(t, users, order(snap), "earlier accept ranks higher")
	for _, e := range snap {
		assert.Equal(t, 100.0, e.Score)
	}
}

func TestAggregatorOpen(t *testing.T) {
	a := NewAggregator()
	c := testContest()

	b1, created := a.Open(c)
	assert.True(t, created)

	c.DurationMinutes = 120
	b2, created := a.Open(c)
	assert.False(t, created)
	assert.Same(t, b1, b2)
	assert.Equal(t, 120, b2.Contest().DurationMinutes)

	got, ok := a.Board(c.ID)
	require.True(t, ok)
	assert.Same(t, b1, got)

	a.Remove(c.ID)
	_, ok = a.Board(c.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, a.Len())
}
