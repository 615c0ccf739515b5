package contest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/contest/lifecycle"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

const maxNameLength = 200

// ErrStatusMismatch is returned by a repository when a conditional update
// finds a status other than the expected one.
var ErrStatusMismatch = errors.New("contest status changed concurrently")

// ContestRepository defines what the app layer needs from the repository
type ContestRepository interface {
	CreateContest(ctx context.Context, c models.Contest) (*models.Contest, error)
	GetContest(ctx context.Context, id uuid.UUID) (*models.Contest, error)
	ListContests(ctx context.Context, statuses ...models.ContestStatus) ([]models.Contest, error)
	ListPendingContests(ctx context.Context) ([]models.Contest, error)
	// UpdateContest writes c only if the stored status is still expected.
	UpdateContest(ctx context.Context, c models.Contest, expected models.ContestStatus) (*models.Contest, error)
	UpdateContestStatus(ctx context.Context, id uuid.UUID, from, to models.ContestStatus, at time.Time) (*models.Contest, error)
}

// App handles contest business logic
type App struct {
	repo  ContestRepository
	clock clockwork.Clock
}

// NewApp creates a new contest App
func NewApp(repo ContestRepository, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		repo:  repo,
		clock: clock,
	}
}

// CreateContest validates and stores a new draft contest
func (a *App) CreateContest(ctx context.Context, req CreateContestRequest) (*models.Contest, error) {
	c, err := a.buildContest(req)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	c.ID = uuid.New()
	c.Status = models.ContestStatusDraft
	c.IsActive = true
	c.CreatedAt = now
	c.UpdatedAt = now

	created, err := a.repo.CreateContest(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to create contest: %w", err)
	}

	log.Info().
		Str("contest_id", created.ID.String()).
		Str("name", created.Name).
		Time("start_time", created.StartTime).
		Int("duration_minutes", created.DurationMinutes).
		Msg("contest created")
	return created, nil
}

// UpdateContest replaces the editable fields of a draft or scheduled contest
func (a *App) UpdateContest(ctx context.Context, req UpdateContestRequest) (*models.Contest, error) {
	current, err := a.GetContest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.ContestStatusDraft && current.Status != models.ContestStatusScheduled {
		return nil, &StateConflictError{ContestID: current.ID, Op: "update", Status: current.Status}
	}

	c, err := a.buildContest(req.CreateContestRequest)
	if err != nil {
		return nil, err
	}
	c.ID = current.ID
	c.Status = current.Status
	c.IsActive = current.IsActive
	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}
	c.CreatedAt = current.CreatedAt
	c.UpdatedAt = a.clock.Now()

	updated, err := a.repo.UpdateContest(ctx, c, current.Status)
	if err != nil {
		return nil, a.conflictOr(err, current, "update")
	}

	log.Info().Str("contest_id", updated.ID.String()).Msg("contest updated")
	return updated, nil
}

// GetContest retrieves a contest by ID
func (a *App) GetContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	c, err := a.repo.GetContest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get contest: %w", err)
	}
	return c, nil
}

// ListContests returns contests, optionally filtered by status
func (a *App) ListContests(ctx context.Context, statuses ...models.ContestStatus) ([]models.Contest, error) {
	cs, err := a.repo.ListContests(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contests: %w", err)
	}
	return cs, nil
}

// ListPendingContests returns scheduled and live contests
func (a *App) ListPendingContests(ctx context.Context) ([]models.Contest, error) {
	cs, err := a.repo.ListPendingContests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending contests: %w", err)
	}
	return cs, nil
}

// UpdateContestStatus moves a contest along a legal edge. The scheduler uses it.
func (a *App) UpdateContestStatus(ctx context.Context, id uuid.UUID, from, to models.ContestStatus, at time.Time) (*models.Contest, error) {
	if err := lifecycle.ValidateTransition(from, to); err != nil {
		return nil, &StateConflictError{ContestID: id, Op: "transition to " + string(to), Status: from}
	}
	c, err := a.repo.UpdateContestStatus(ctx, id, from, to, at)
	if err != nil {
		return nil, fmt.Errorf("failed to update contest status: %w", err)
	}
	return c, nil
}

// PublishContest moves a draft to scheduled
func (a *App) PublishContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	current, err := a.GetContest(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.ContestStatusDraft {
		return nil, &StateConflictError{ContestID: id, Op: "publish", Status: current.Status}
	}
	if !a.clock.Now().Before(current.EndTime()) {
		return nil, invalid("start_time", "contest window already elapsed")
	}
	return a.transition(ctx, current, models.ContestStatusScheduled, "publish")
}

// CancelContest cancels a draft or scheduled contest
func (a *App) CancelContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	current, err := a.GetContest(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.ContestStatusDraft && current.Status != models.ContestStatusScheduled {
		return nil, &StateConflictError{ContestID: id, Op: "cancel", Status: current.Status}
	}
	return a.transition(ctx, current, models.ContestStatusCancelled, "cancel")
}

// ForceEndContest ends a live contest immediately
func (a *App) ForceEndContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	current, err := a.GetContest(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.ContestStatusLive {
		return nil, &StateConflictError{ContestID: id, Op: "force end", Status: current.Status}
	}
	return a.transition(ctx, current, models.ContestStatusEnded, "force end")
}

// ExtendContest adds minutes to a live contest; EndTime moves with it
func (a *App) ExtendContest(ctx context.Context, id uuid.UUID, minutes int) (*models.Contest, error) {
	if minutes <= 0 {
		return nil, invalid("minutes", "must be positive")
	}

	current, err := a.GetContest(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.ContestStatusLive {
		return nil, &StateConflictError{ContestID: id, Op: "extend", Status: current.Status}
	}
	if current.DurationMinutes+minutes > models.MaxContestDurationMinutes {
		return nil, invalid("minutes", "duration would exceed %d minutes", models.MaxContestDurationMinutes)
	}

	next := *current
	next.DurationMinutes += minutes
	next.UpdatedAt = a.clock.Now()

	updated, err := a.repo.UpdateContest(ctx, next, models.ContestStatusLive)
	if err != nil {
		return nil, a.conflictOr(err, current, "extend")
	}

	log.Info().
		Str("contest_id", id.String()).
		Int("added_minutes", minutes).
		Time("end_time", updated.EndTime()).
		Msg("contest extended")
	return updated, nil
}

func (a *App) transition(ctx context.Context, current *models.Contest, to models.ContestStatus, op string) (*models.Contest, error) {
	updated, err := a.repo.UpdateContestStatus(ctx, current.ID, current.Status, to, a.clock.Now())
	if err != nil {
		return nil, a.conflictOr(err, current, op)
	}

	log.Info().
		Str("contest_id", current.ID.String()).
		Str("from", string(current.Status)).
		Str("to", string(to)).
		Msg("contest " + op)
	return updated, nil
}

func (a *App) conflictOr(err error, current *models.Contest, op string) error {
	if errors.Is(err, ErrStatusMismatch) {
		return &StateConflictError{ContestID: current.ID, Op: op, Status: current.Status}
	}
	return fmt.Errorf("failed to %s contest: %w", op, err)
}

// buildContest validates a request and applies defaults.
func (a *App) buildContest(req CreateContestRequest) (models.Contest, error) {
	c := models.Contest{
		Name:                     strings.TrimSpace(req.Name),
		StartTime:                req.StartTime.UTC(),
		DurationMinutes:          req.DurationMinutes,
		RankingPolicy:            req.RankingPolicy,
		AllowLateJoin:            req.AllowLateJoin,
		LateJoinDeadlineMinutes:  req.LateJoinDeadlineMinutes,
		FreezeLeaderboardMinutes: req.FreezeLeaderboardMinutes,
		RequireRegistration:      req.RequireRegistration,
		Problems:                 normalizeProblems(req.Problems),
		Scoring:                  models.ScoringRule{DefaultPoints: models.DefaultProblemPoints},
		Penalty: models.PenaltyRule{
			WrongSubmissionPenalty: models.DefaultWrongSubmissionPenalty,
			PenaltyOnlyAfterAC:     true,
		},
	}
	if c.RankingPolicy == "" {
		c.RankingPolicy = models.RankingPolicyLCB
	}
	if req.Scoring != nil {
		c.Scoring = *req.Scoring
		if c.Scoring.DefaultPoints <= 0 {
			c.Scoring.DefaultPoints = models.DefaultProblemPoints
		}
	}
	if req.Penalty != nil {
		c.Penalty = *req.Penalty
	}

	if err := validateContest(c); err != nil {
		return models.Contest{}, err
	}
	return c, nil
}

func validateContest(c models.Contest) error {
	if c.Name == "" {
		return invalid("name", "is required")
	}
	if len(c.Name) > maxNameLength {
		return invalid("name", "must be at most %d characters", maxNameLength)
	}
	if c.StartTime.IsZero() {
		return invalid("start_time", "is required")
	}
	if c.DurationMinutes < models.MinContestDurationMinutes || c.DurationMinutes > models.MaxContestDurationMinutes {
		return invalid("duration_minutes", "must be between %d and %d", models.MinContestDurationMinutes, models.MaxContestDurationMinutes)
	}
	switch c.RankingPolicy {
	case models.RankingPolicyLCB, models.RankingPolicyICPC, models.RankingPolicyIOI:
	default:
		return invalid("ranking_policy", "unknown policy %q", c.RankingPolicy)
	}
	if c.LateJoinDeadlineMinutes < 0 || c.LateJoinDeadlineMinutes > c.DurationMinutes {
		return invalid("late_join_deadline_minutes", "must be between 0 and the duration")
	}
	if c.FreezeLeaderboardMinutes < 0 || c.FreezeLeaderboardMinutes >= c.DurationMinutes {
		return invalid("freeze_leaderboard_minutes", "must be between 0 and the duration")
	}

	if len(c.Problems) > models.MaxContestProblems {
		return invalid("problems", "at most %d problems per contest", models.MaxContestProblems)
	}
	ids := make(map[uuid.UUID]struct{}, len(c.Problems))
	labels := make(map[string]struct{}, len(c.Problems))
	for _, p := range c.Problems {
		if p.ProblemID == uuid.Nil {
			return invalid("problems", "problem_id is required")
		}
		if _, dup := ids[p.ProblemID]; dup {
			return invalid("problems", "duplicate problem %s", p.ProblemID)
		}
		ids[p.ProblemID] = struct{}{}
		if _, dup := labels[p.Label]; dup {
			return invalid("problems", "duplicate label %q", p.Label)
		}
		labels[p.Label] = struct{}{}
		if p.Points < 0 {
			return invalid("problems", "points must not be negative")
		}
	}

	for id, pts := range c.Scoring.PointOverrides {
		if _, ok := ids[id]; !ok {
			return invalid("scoring", "override for problem %s not in contest", id)
		}
		if pts < 0 {
			return invalid("scoring", "points must not be negative")
		}
	}
	if c.Penalty.WrongSubmissionPenalty < 0 {
		return invalid("penalty", "wrong_submission_penalty must not be negative")
	}
	if c.Penalty.MaxPenaltyPerProblem < 0 {
		return invalid("penalty", "max_penalty_per_problem must not be negative")
	}
	return nil
}

// normalizeProblems sorts problems by Order and fills missing labels A, B, ...
func normalizeProblems(in []models.ContestProblem) []models.ContestProblem {
	out := make([]models.ContestProblem, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := range out {
		out[i].Order = i
		out[i].Label = strings.TrimSpace(out[i].Label)
		if out[i].Label == "" {
			out[i].Label = string(rune('A' + i))
		}
	}
	return out
}
