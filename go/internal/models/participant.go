package models

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is the judge outcome for a single submission.
type Verdict string

const (
	VerdictAccepted            Verdict = "accepted"
	VerdictWrongAnswer         Verdict = "wrong_answer"
	VerdictTimeLimitExceeded   Verdict = "time_limit_exceeded"
	VerdictMemoryLimitExceeded Verdict = "memory_limit_exceeded"
	VerdictRuntimeError        Verdict = "runtime_error"
	VerdictCompileError        Verdict = "compile_error"
)

// SubmissionRecord is one judged submission kept on a problem bucket.
type SubmissionRecord struct {
	Key            string    `json:"key"`
	Verdict        Verdict   `json:"verdict"`
	PassedFraction float64   `json:"passed_fraction"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// ProblemState is a participant's attempt state for one problem.
type ProblemState struct {
	ProblemID   uuid.UUID                   `json:"problem_id"`
	Submissions map[string]SubmissionRecord `json:"-"`
	Attempts    int                         `json:"attempts"`
	Solved      bool                        `json:"solved"`
	SolveTime   time.Duration               `json:"solve_time"`
	AcceptedAt  *time.Time                  `json:"accepted_at,omitempty"`
	Score       float64                     `json:"score"`
	Penalty     int                         `json:"penalty"`
}

// Participant is the derived scoring record of one user in one contest.
type Participant struct {
	UserID           string                      `json:"user_id"`
	ContestID        uuid.UUID                   `json:"contest_id"`
	RegisteredAt     time.Time                   `json:"registered_at"`
	EffectiveStart   time.Time                   `json:"effective_start"`
	Problems         map[uuid.UUID]*ProblemState `json:"problems"`
	Score            float64                     `json:"score"`
	Penalty          int                         `json:"penalty"`
	Solved           int                         `json:"solved"`
	Adjustment       float64                     `json:"adjustment"`
	Hidden           bool                        `json:"hidden"`
	Rank             int                         `json:"rank"`
	LastAcceptedAt   *time.Time                  `json:"last_accepted_at,omitempty"`
	LastSubmissionAt *time.Time                  `json:"last_submission_at,omitempty"`
}

// LeaderboardEntry is the denormalized, wire-facing projection of a participant.
type LeaderboardEntry struct {
	Rank       int       `json:"rank"`
	UserID     string    `json:"userId"`
	Score      float64   `json:"score"`
	Penalty    int       `json:"penalty"`
	Solved     int       `json:"solved"`
	SolvedMask uint16    `json:"solvedMask"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
