package scoring

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	problemA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	problemB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func twoProblemContest() models.Contest {
	return models.Contest{
		ID:              uuid.New(),
		StartTime:       start,
		DurationMinutes: 60,
		Status:          models.ContestStatusLive,
		RankingPolicy:   models.RankingPolicyLCB,
		Problems: []models.ContestProblem{
			{ProblemID: problemA, Order: 0, Label: "A", Points: 100},
			{ProblemID: problemB, Order: 1, Label: "B", Points: 100},
		},
		Scoring: models.ScoringRule{DefaultPoints: 100},
		Penalty: models.PenaltyRule{WrongSubmissionPenalty: 5, PenaltyOnlyAfterAC: true},
	}
}

func judged(c models.Contest, user string, problem uuid.UUID, v models.Verdict, minute int) events.SubmissionJudged {
	return events.SubmissionJudged{
		ParticipantID: user,
		ContestID:     c.ID,
		ProblemID:     problem,
		Verdict:       v,
		SubmittedAt:   start.Add(time.Duration(minute) * time.Minute),
	}
}

func TestApplyWrongThenAccepted(t *testing.T) {
	c := twoProblemContest()
	p := NewParticipant(c, "alice", start, start)

	require.NoError(t, Apply(c, p, judged(c, "alice", problemA, models.VerdictWrongAnswer, 10)))
	require.NoError(t, Apply(c, p, judged(c, "alice", problemA, models.VerdictAccepted, 20)))

	assert.Equal(t, 100.0, p.Score)
	assert.Equal(t, 5, p.Penalty)
	assert.Equal(t, 1, p.Solved)
	assert.NotContains(t, p.Problems, problemB)

	ps := p.Problems[problemA]
	assert.True(t, ps.Solved)
	assert.Equal(t, 2, ps.Attempts)
	assert.Equal(t, 20*time.Minute, ps.SolveTime)
	require.NotNil(t, p.LastAcceptedAt)
	assert.Equal(t, start.Add(20*time.Minute), *p.LastAcceptedAt)
}

func TestApplyIsIdempotentOnReplay(t *testing.T) {
	c := twoProblemContest()
	evs := []events.SubmissionJudged{
		judged(c, "alice", problemA, models.VerdictWrongAnswer, 10),
		judged(c, "alice", problemA, models.VerdictAccepted, 20),
		judged(c, "alice", problemB, models.VerdictTimeLimitExceeded, 25),
	}
	evs[0].SubmissionID = "s-1"

	once := NewParticipant(c, "alice", start, start)
	for _, ev := range evs {
		require.NoError(t, Apply(c, once, ev))
	}

	twice := NewParticipant(c, "alice", start, start)
	for _, ev := range evs {
		require.NoError(t, Apply(c, twice, ev))
		require.NoError(t, Apply(c, twice, ev))
	}

	assert.Equal(t, once.Score, twice.Score)
	assert.Equal(t, once.Penalty, twice.Penalty)
	assert.Equal(t, once.Problems[problemA].Attempts, twice.Problems[problemA].Attempts)
}

func TestApplyOutOfOrderDelivery(t *testing.T) {
	c := twoProblemContest()
	p := NewParticipant(c, "alice", start, start)

	require.NoError(t, Apply(c, p, judged(c, "alice", problemA, models.VerdictAccepted, 20)))
	assert.Equal(t, 0, p.Penalty)

	// A wrong answer submitted earlier but judged later still counts.
	require.NoError(t, Apply(c, p, judged(c, "alice", problemA, models.VerdictWrongAnswer, 10)))
	assert.Equal(t, 5, p.Penalty)

	// Anything after the first accept is ignored.
	require.NoError(t, Apply(c, p, judged(c, "alice", problemA, models.VerdictWrongAnswer, 30)))
	assert.Equal(t, 5, p.Penalty)
	assert.Equal(t, 100.0, p.Score)
}

func TestPenaltyRules(t *testing.T) {
	c := twoProblemContest()
	c.Penalty = models.PenaltyRule{WrongSubmissionPenalty: 10, MaxPenaltyPerProblem: 25}
	p := NewParticipant(c, "bob", start, start)

	for m := 1; m <= 4; m++ {
		require.NoError(t, Apply(c, p, judged(c, "bob", problemA, models.VerdictWrongAnswer, m)))
	}
	require.NoError(t, Apply(c, p, judged(c, "bob", problemA, models.VerdictCompileError, 5)))
	assert.Equal(t, 25, p.Penalty, "capped per problem")
	assert.Equal(t, 4, p.Problems[problemA].Attempts, "compile errors are not counted")

	c.Penalty.PenaltyOnlyAfterAC = true
	q := NewParticipant(c, "carol", start, start)
	require.NoError(t, Apply(c, q, judged(c, "carol", problemB, models.VerdictWrongAnswer, 3)))
	assert.Equal(t, 0, q.Penalty, "unsolved penalty is discarded")
}

func TestPartialScoring(t *testing.T) {
	c := twoProblemContest()
	c.Scoring.PartialScoring = true
	p := NewParticipant(c, "dave", start, start)

	ev := judged(c, "dave", problemA, models.VerdictWrongAnswer, 5)
	ev.PassedFraction = 0.4
	require.NoError(t, Apply(c, p, ev))
	ev = judged(c, "dave", problemA, models.VerdictRuntimeError, 6)
	ev.PassedFraction = 0.7
	require.NoError(t, Apply(c, p, ev))
	ev = judged(c, "dave", problemA, models.VerdictWrongAnswer, 7)
	ev.PassedFraction = 0.2
	require.NoError(t, Apply(c, p, ev))

	assert.InDelta(t, 70.0, p.Score, 1e-9)
	assert.Equal(t, 0, p.Solved)

	ev = judged(c, "dave", problemB, models.VerdictAccepted, 8)
	ev.PassedFraction = 0.5
	require.NoError(t, Apply(c, p, ev))
	assert.InDelta(t, 120.0, p.Score, 1e-9)
}

func TestPointsOverrideAndAdjustment(t *testing.T) {
	c := twoProblemContest()
	c.Scoring.PointOverrides = map[uuid.UUID]int{problemB: 250}
	p := NewParticipant(c, "erin", start, start)
	p.Adjustment = -10

	require.NoError(t, Apply(c, p, judged(c, "erin", problemB, models.VerdictAccepted, 15)))
	assert.Equal(t, 240.0, p.Score)
}

func TestLateJoinerSolveTimeUsesEffectiveStart(t *testing.T) {
	c := twoProblemContest()
	joined := start.Add(10 * time.Minute)
	p := NewParticipant(c, "frank", joined, joined)

	require.NoError(t, Apply(c, p, judged(c, "frank", problemA, models.VerdictAccepted, 25)))
	assert.Equal(t, 15*time.Minute, p.Problems[problemA].SolveTime)
}

func TestApplyUnknownReference(t *testing.T) {
	c := twoProblemContest()
	p := NewParticipant(c, "alice", start, start)

	err := Apply(c, p, judged(c, "alice", uuid.New(), models.VerdictAccepted, 1))
	assert.True(t, errors.Is(err, ErrUnknownReference))

	err = Apply(c, p, judged(c, "mallory", problemA, models.VerdictAccepted, 1))
	assert.True(t, errors.Is(err, ErrUnknownReference))

	err = Apply(c, nil, judged(c, "alice", problemA, models.VerdictAccepted, 1))
	assert.True(t, errors.Is(err, ErrUnknownReference))

	assert.Empty(t, p.Problems)
	assert.Equal(t, 0.0, p.Score)
}

func TestSubmissionKey(t *testing.T) {
	ev := events.SubmissionJudged{SubmittedAt: start}
	assert.Equal(t, SubmissionKey(ev), SubmissionKey(ev))

	other := ev
	other.SubmittedAt = start.Add(time.Nanosecond)
	assert.NotEqual(t, SubmissionKey(ev), SubmissionKey(other))

	ev.SubmissionID = "abc"
	assert.Equal(t, "abc", SubmissionKey(ev))
}

func TestSolvedMask(t *testing.T) {
	c := twoProblemContest()
	p := NewParticipant(c, "alice", start, start)
	assert.Equal(t, uint16(0), SolvedMask(c, p))

	require.NoError(t, Apply(c, p, judged(c, "alice", problemB, models.VerdictAccepted, 5)))
	assert.Equal(t, uint16(0b10), SolvedMask(c, p))

	require.NoError(t, Apply(c, p, judged(c, "alice", problemA, models.VerdictAccepted, 6)))
	assert.Equal(t, uint16(0b11), SolvedMask(c, p))
}
