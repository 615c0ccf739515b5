package models

import (
	"time"

	"github.com/google/uuid"
)

// ContestStatus defines the lifecycle status of a contest.
type ContestStatus string

const (
	ContestStatusDraft     ContestStatus = "draft"
	ContestStatusScheduled ContestStatus = "scheduled"
	ContestStatusLive      ContestStatus = "live"
	ContestStatusEnded     ContestStatus = "ended"
	ContestStatusCancelled ContestStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ContestStatus) IsTerminal() bool {
	return s == ContestStatusEnded || s == ContestStatusCancelled
}

// RankingPolicy selects the leaderboard comparison.
type RankingPolicy string

const (
	RankingPolicyLCB  RankingPolicy = "lcb"
	RankingPolicyICPC RankingPolicy = "icpc"
	RankingPolicyIOI  RankingPolicy = "ioi"
)

const (
	MinContestDurationMinutes = 5
	MaxContestDurationMinutes = 720
	MaxContestProblems        = 10

	DefaultProblemPoints          = 100
	DefaultWrongSubmissionPenalty = 10
)

// ScoringRule holds per-problem point overrides and the partial scoring flag.
type ScoringRule struct {
	DefaultPoints  int               `json:"default_points"`
	PointOverrides map[uuid.UUID]int `json:"point_overrides,omitempty"`
	PartialScoring bool              `json:"partial_scoring"`
}

// PenaltyRule configures wrong-submission penalties in minutes.
type PenaltyRule struct {
	WrongSubmissionPenalty int  `json:"wrong_submission_penalty"`
	PenaltyOnlyAfterAC     bool `json:"penalty_only_after_ac"`
	MaxPenaltyPerProblem   int  `json:"max_penalty_per_problem,omitempty"` // 0 = uncapped
}

// ContestProblem is a problem reference placed in a contest.
type ContestProblem struct {
	ProblemID uuid.UUID `json:"problem_id"`
	Order     int       `json:"order"`
	Label     string    `json:"label"`
	Points    int       `json:"points"`
}

// Contest is the aggregate root for a timed contest.
type Contest struct {
	ID                       uuid.UUID        `json:"id"`
	Name                     string           `json:"name"`
	StartTime                time.Time        `json:"start_time"`
	DurationMinutes          int              `json:"duration_minutes"`
	Status                   ContestStatus    `json:"status"`
	RankingPolicy            RankingPolicy    `json:"ranking_policy"`
	AllowLateJoin            bool             `json:"allow_late_join"`
	LateJoinDeadlineMinutes  int              `json:"late_join_deadline_minutes"`
	FreezeLeaderboardMinutes int              `json:"freeze_leaderboard_minutes"`
	RequireRegistration      bool             `json:"require_registration"`
	IsActive                 bool             `json:"is_active"`
	Problems                 []ContestProblem `json:"problems"`
	Scoring                  ScoringRule      `json:"scoring"`
	Penalty                  PenaltyRule      `json:"penalty"`
	CreatedAt                time.Time        `json:"created_at"`
	UpdatedAt                time.Time        `json:"updated_at"`
	EndedAt                  *time.Time       `json:"ended_at,omitempty"` // set on the move to ended
}

// Duration returns the contest length.
func (c Contest) Duration() time.Duration {
	return time.Duration(c.DurationMinutes) * time.Minute
}

// EndTime is always derived from StartTime and DurationMinutes.
func (c Contest) EndTime() time.Time {
	return c.StartTime.Add(c.Duration())
}

// ScoringEnd is the first instant a submission no longer counts: the
// scheduled end, or the moment an admin ended the contest early.
func (c Contest) ScoringEnd() time.Time {
	end := c.EndTime()
	if c.EndedAt != nil && c.EndedAt.Before(end) {
		return *c.EndedAt
	}
	return end
}

// InScoringWindow reports whether a submission made at t counts.
func (c Contest) InScoringWindow(t time.Time) bool {
	return !t.Before(c.StartTime) && t.Before(c.ScoringEnd())
}

// FreezeStart returns the instant the public leaderboard freezes, or the zero
// time when the contest has no freeze window.
func (c Contest) FreezeStart() time.Time {
	if c.FreezeLeaderboardMinutes <= 0 {
		return time.Time{}
	}
	return c.EndTime().Add(-time.Duration(c.FreezeLeaderboardMinutes) * time.Minute)
}

// LateJoinDeadline returns the last instant a late joiner is admitted.
func (c Contest) LateJoinDeadline() time.Time {
	return c.StartTime.Add(time.Duration(c.LateJoinDeadlineMinutes) * time.Minute)
}

// Problem looks up a contest problem and its display index.
func (c Contest) Problem(problemID uuid.UUID) (ContestProblem, int, bool) {
	for i, p := range c.Problems {
		if p.ProblemID == problemID {
			return p, i, true
		}
	}
	return ContestProblem{}, -1, false
}

// PointsFor resolves a problem's point value: scoring override, then the
// problem's own points, then the contest default.
func (c Contest) PointsFor(problemID uuid.UUID) int {
	if pts, ok := c.Scoring.PointOverrides[problemID]; ok {
		return pts
	}
	if p, _, ok := c.Problem(problemID); ok && p.Points > 0 {
		return p.Points
	}
	if c.Scoring.DefaultPoints > 0 {
		return c.Scoring.DefaultPoints
	}
	return DefaultProblemPoints
}
