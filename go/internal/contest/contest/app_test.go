package contest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestApp() (*App, *MemoryRepository, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(now)
	repo := NewMemoryRepository()
	return NewApp(repo, clock), repo, clock
}

func validRequest() CreateContestRequest {
	return CreateContestRequest{
		Name:            "Weekly Contest 420",
		StartTime:       now.Add(time.Hour),
		DurationMinutes: 90,
		Problems: []models.ContestProblem{
			{ProblemID: uuid.New(), Order: 1, Points: 300},
			{ProblemID: uuid.New(), Order: 0, Points: 100},
		},
	}
}

func TestCreateContestAppliesDefaults(t *testing.T) {
	app, _, _ := newTestApp()

	c, err := app.CreateContest(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, models.ContestStatusDraft, c.Status)
	assert.True(t, c.IsActive)
	assert.Equal(t, models.RankingPolicyLCB, c.RankingPolicy)
	assert.Equal(t, models.DefaultProblemPoints, c.Scoring.DefaultPoints)
	assert.Equal(t, models.DefaultWrongSubmissionPenalty, c.Penalty.WrongSubmissionPenalty)
	assert.True(t, c.Penalty.PenaltyOnlyAfterAC)
	assert.Equal(t, c.StartTime.Add(90*time.Minute), c.EndTime())

	require.Len(t, c.Problems, 2)
	assert.Equal(t, "A", c.Problems[0].Label)
	assert.Equal(t, 100, c.Problems[0].Points)
	assert.Equal(t, "B", c.Problems[1].Label)
	assert.Equal(t, 1, c.Problems[1].Order)
}

func TestCreateContestValidation(t *testing.T) {
	app, repo, _ := newTestApp()
	dup := uuid.New()

	cases := map[string]func(r *CreateContestRequest){
		"missing name":       func(r *CreateContestRequest) { r.Name = "  " },
		"missing start":      func(r *CreateContestRequest) { r.StartTime = time.Time{} },
		"too short":          func(r *CreateContestRequest) { r.DurationMinutes = 4 },
		"too long":           func(r *CreateContestRequest) { r.DurationMinutes = 721 },
		"unknown policy":     func(r *CreateContestRequest) { r.RankingPolicy = "elo" },
		"freeze >= duration": func(r *CreateContestRequest) { r.FreezeLeaderboardMinutes = 90 },
		"negative late join": func(r *CreateContestRequest) { r.LateJoinDeadlineMinutes = -1 },
		"too many problems": func(r *CreateContestRequest) {
			r.Problems = nil
			for i := 0; i < 11; i++ {
				r.Problems = append(r.Problems, models.ContestProblem{ProblemID: uuid.New(), Order: i})
			}
		},
		"duplicate labels": func(r *CreateContestRequest) {
			r.Problems[0].Label = "X"
			r.Problems[1].Label = "X"
		},
		"duplicate problems": func(r *CreateContestRequest) {
			r.Problems[0].ProblemID = dup
			r.Problems[1].ProblemID = dup
		},
		"override for foreign problem": func(r *CreateContestRequest) {
			r.Scoring = &models.ScoringRule{PointOverrides: map[uuid.UUID]int{uuid.New(): 5}}
		},
		"negative penalty": func(r *CreateContestRequest) {
			r.Penalty = &models.PenaltyRule{WrongSubmissionPenalty: -5}
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			_, err := app.CreateContest(context.Background(), req)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}

	all, err := repo.ListContests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "rejected requests must not be stored")
}

func TestContestLifecycleCommands(t *testing.T) {
	app, repo, clock := newTestApp()
	ctx := context.Background()

	c, err := app.CreateContest(ctx, validRequest())
	require.NoError(t, err)

	_, err = app.ForceEndContest(ctx, c.ID)
	assert.True(t, IsStateConflict(err))

	c, err = app.PublishContest(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContestStatusScheduled, c.Status)

	_, err = app.PublishContest(ctx, c.ID)
	assert.True(t, IsStateConflict(err))

	_, err = app.ExtendContest(ctx, c.ID, 10)
	assert.True(t, IsStateConflict(err), "extend requires live")

	_, err = repo.UpdateContestStatus(ctx, c.ID, models.ContestStatusScheduled, models.ContestStatusLive, clock.Now())
	require.NoError(t, err)

	_, err = app.CancelContest(ctx, c.ID)
	assert.True(t, IsStateConflict(err), "live contests are force-ended, not cancelled")

	c, err = app.ExtendContest(ctx, c.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, 120, c.DurationMinutes)
	assert.Equal(t, c.StartTime.Add(120*time.Minute), c.EndTime())

	_, err = app.ExtendContest(ctx, c.ID, 601)
	assert.True(t, IsValidation(err))
	_, err = app.ExtendContest(ctx, c.ID, 0)
	assert.True(t, IsValidation(err))

	stored, err := app.GetContest(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, stored.DurationMinutes, "failed extends leave state untouched")

	assert.Nil(t, stored.EndedAt)

	clock.Advance(time.Minute)
	c, err = app.ForceEndContest(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContestStatusEnded, c.Status)
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, clock.Now(), *c.EndedAt)
	assert.Equal(t, clock.Now(), c.ScoringEnd(), "an early end cuts the scoring window")

	_, err = app.UpdateContest(ctx, UpdateContestRequest{ID: c.ID, CreateContestRequest: validRequest()})
	assert.True(t, IsStateConflict(err))
}

func TestCancelContest(t *testing.T) {
	app, _, _ := newTestApp()
	ctx := context.Background()

	c, err := app.CreateContest(ctx, validRequest())
	require.NoError(t, err)

	c, err = app.CancelContest(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContestStatusCancelled, c.Status)

	_, err = app.CancelContest(ctx, c.ID)
	assert.True(t, IsStateConflict(err))
}

func TestPublishRejectsElapsedWindow(t *testing.T) {
	app, _, clock := newTestApp()
	ctx := context.Background()

	c, err := app.CreateContest(ctx, validRequest())
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	_, err = app.PublishContest(ctx, c.ID)
	assert.True(t, IsValidation(err))
}

func TestUpdateContest(t *testing.T) {
	app, _, _ := newTestApp()
	ctx := context.Background()

	c, err := app.CreateContest(ctx, validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.Name = "Renamed"
	req.DurationMinutes = 60
	inactive := false
	updated, err := app.UpdateContest(ctx, UpdateContestRequest{ID: c.ID, CreateContestRequest: req, IsActive: &inactive})
	require.NoError(t, err)

	assert.Equal(t, "Renamed", updated.Name)
	assert.False(t, updated.IsActive)
	assert.Equal(t, updated.StartTime.Add(time.Hour), updated.EndTime())
	assert.Equal(t, c.CreatedAt, updated.CreatedAt)
}

func TestGetContestNotFound(t *testing.T) {
	app, _, _ := newTestApp()
	_, err := app.GetContest(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrContestNotFound))
}

func TestUpdateContestStatusRejectsIllegalEdge(t *testing.T) {
	app, _, _ := newTestApp()
	ctx := context.Background()

	c, err := app.CreateContest(ctx, validRequest())
	require.NoError(t, err)

	_, err = app.UpdateContestStatus(ctx, c.ID, models.ContestStatusDraft, models.ContestStatusLive, now)
	assert.True(t, IsStateConflict(err))
}
