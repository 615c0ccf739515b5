package contest

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
)

// CreateContestRequest represents the data needed to create a new contest
type CreateContestRequest struct {
	Name                     string                  `json:"name"`
	StartTime                time.Time               `json:"start_time"`
	DurationMinutes          int                     `json:"duration_minutes"`
	RankingPolicy            models.RankingPolicy    `json:"ranking_policy"`
	AllowLateJoin            bool                    `json:"allow_late_join"`
	LateJoinDeadlineMinutes  int                     `json:"late_join_deadline_minutes"`
	FreezeLeaderboardMinutes int                     `json:"freeze_leaderboard_minutes"`
	RequireRegistration      bool                    `json:"require_registration"`
	Problems                 []models.ContestProblem `json:"problems"`
	Scoring                  *models.ScoringRule     `json:"scoring,omitempty"`
	Penalty                  *models.PenaltyRule     `json:"penalty,omitempty"`
}

// UpdateContestRequest replaces the editable fields of a draft or scheduled contest
type UpdateContestRequest struct {
	ID uuid.UUID `json:"id"`
	CreateContestRequest
	IsActive *bool `json:"is_active,omitempty"`
}

// ContestIDRequest addresses a single contest
type ContestIDRequest struct {
	ContestID uuid.UUID `json:"contest_id"`
}

// ExtendContestRequest adds minutes to a live contest
type ExtendContestRequest struct {
	ContestID uuid.UUID `json:"contest_id"`
	Minutes   int       `json:"minutes"`
}

// AnnounceRequest broadcasts a message to everyone in a contest
type AnnounceRequest struct {
	ContestID uuid.UUID `json:"contest_id"`
	Message   string    `json:"message"`
}

// AnnounceResponse echoes the generation timestamp of an announcement
type AnnounceResponse struct {
	Timestamp time.Time `json:"timestamp"`
}

// AdjustScoreRequest changes a participant's score by an administrative delta
type AdjustScoreRequest struct {
	ContestID uuid.UUID `json:"contest_id"`
	UserID    string    `json:"user_id"`
	Delta     float64   `json:"delta"`
	Reason    string    `json:"reason"`
}

// HideParticipantRequest toggles a participant's public visibility
type HideParticipantRequest struct {
	ContestID uuid.UUID `json:"contest_id"`
	UserID    string    `json:"user_id"`
	Hidden    bool      `json:"hidden"`
}

// ContestResponse wraps a contest with its derived times
type ContestResponse struct {
	Contest     models.Contest `json:"contest"`
	EndTime     time.Time      `json:"end_time"`
	FreezeStart *time.Time     `json:"freeze_start,omitempty"`
}

// LeaderboardResponse is the administrator's (true) view of a leaderboard
type LeaderboardResponse struct {
	Entries []models.LeaderboardEntry `json:"entries"`
	Frozen  bool                      `json:"frozen"`
}

// Empty is returned by commands with no result body
type Empty struct{}

func newContestResponse(c *models.Contest) *ContestResponse {
	resp := &ContestResponse{Contest: *c, EndTime: c.EndTime()}
	if fs := c.FreezeStart(); !fs.IsZero() {
		resp.FreezeStart = &fs
	}
	return resp
}
