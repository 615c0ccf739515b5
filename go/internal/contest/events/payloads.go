package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
)

// Event types written to the outbox and relayed to the bus
const (
	EventTypeContestPublished     = "ContestPublished"
	EventTypeContestStarted       = "ContestStarted"
	EventTypeContestEnded         = "ContestEnded"
	EventTypeContestCancelled     = "ContestCancelled"
	EventTypeContestExtended      = "ContestExtended"
	EventTypeAnnouncement         = "Announcement"
	EventTypeScoreAdjusted        = "ScoreAdjusted"
	EventTypeParticipantHidden    = "ParticipantHidden"
	EventTypeParticipantJoined    = "ParticipantJoined"
	EventTypeSubmissionScored     = "SubmissionScored"
	EventTypeLeaderboardFinalized = "LeaderboardFinalized"
)

// SubmissionJudged is the judge result delivered on judge.results.<contestId>.
// SubmissionID may be empty, in which case SubmittedAt identifies the attempt.
type SubmissionJudged struct {
	SubmissionID   string         `json:"submission_id,omitempty"`
	ParticipantID  string         `json:"participant_id"`
	ContestID      uuid.UUID      `json:"contest_id"`
	ProblemID      uuid.UUID      `json:"problem_id"`
	Verdict        models.Verdict `json:"verdict"`
	PassedFraction float64        `json:"passed_fraction"`
	SubmittedAt    time.Time      `json:"submitted_at"`
}

// ContestStartedPayload is the payload for a ContestStarted event
type ContestStartedPayload struct {
	ContestID string    `json:"contest_id"`
	StartedAt time.Time `json:"started_at"`
	EndTime   time.Time `json:"end_time"`
}

// ContestEndedPayload is the payload for a ContestEnded event
type ContestEndedPayload struct {
	ContestID    string    `json:"contest_id"`
	EndedAt      time.Time `json:"ended_at"`
	Forced       bool      `json:"forced"`
	Participants int       `json:"participants"`
}

// ContestStatusPayload is shared by ContestPublished and ContestCancelled
type ContestStatusPayload struct {
	ContestID string               `json:"contest_id"`
	From      models.ContestStatus `json:"from"`
	To        models.ContestStatus `json:"to"`
	At        time.Time            `json:"at"`
}

// ContestExtendedPayload is the payload for a ContestExtended event
type ContestExtendedPayload struct {
	ContestID       string    `json:"contest_id"`
	AddedMinutes    int       `json:"added_minutes"`
	DurationMinutes int       `json:"duration_minutes"`
	EndTime         time.Time `json:"end_time"`
}

// AnnouncementPayload is the payload for an Announcement event
type AnnouncementPayload struct {
	ContestID string    `json:"contest_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ScoreAdjustedPayload is the payload for a ScoreAdjusted event
type ScoreAdjustedPayload struct {
	ContestID string  `json:"contest_id"`
	UserID    string  `json:"user_id"`
	Delta     float64 `json:"delta"`
	Reason    string  `json:"reason"`
}

// ParticipantHiddenPayload is the payload for a ParticipantHidden event
type ParticipantHiddenPayload struct {
	ContestID string `json:"contest_id"`
	UserID    string `json:"user_id"`
	Hidden    bool   `json:"hidden"`
}

// ParticipantJoinedPayload is the payload for a ParticipantJoined event
type ParticipantJoinedPayload struct {
	ContestID      string    `json:"contest_id"`
	UserID         string    `json:"user_id"`
	EffectiveStart time.Time `json:"effective_start"`
}

// SubmissionScoredPayload records the outcome of applying a judge result
type SubmissionScoredPayload struct {
	SubmissionJudged
	Score   float64 `json:"score"`
	Penalty int     `json:"penalty"`
	Rank    int     `json:"rank"`
}

// LeaderboardFinalizedPayload carries the final standings of a contest
type LeaderboardFinalizedPayload struct {
	ContestID string                    `json:"contest_id"`
	Entries   []models.LeaderboardEntry `json:"entries"`
}
