package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
)

// Transition is a single status change of a contest.
type Transition struct {
	ContestID uuid.UUID
	From      models.ContestStatus
	To        models.ContestStatus
	At        time.Time
}

// allowed lists every legal edge of the contest state machine.
var allowed = map[models.ContestStatus][]models.ContestStatus{
	models.ContestStatusDraft:     {models.ContestStatusScheduled, models.ContestStatusCancelled},
	models.ContestStatusScheduled: {models.ContestStatusLive, models.ContestStatusCancelled, models.ContestStatusEnded},
	models.ContestStatusLive:      {models.ContestStatusEnded},
}

// ValidateTransition returns an error when from → to is not a legal edge.
func ValidateTransition(from, to models.ContestStatus) error {
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition from %s to %s", from, to)
}

// Next evaluates the clock-driven rules for a contest and returns the
// transitions that are due at now, in order. A scheduled contest whose whole
// window was missed yields both started and ended.
func Next(c models.Contest, now time.Time) []Transition {
	start, end := c.StartTime, c.EndTime()

	switch c.Status {
	case models.ContestStatusScheduled:
		if now.Before(start) {
			return nil
		}
		ts := []Transition{{ContestID: c.ID, From: models.ContestStatusScheduled, To: models.ContestStatusLive, At: now}}
		if !now.Before(end) {
			ts = append(ts, Transition{ContestID: c.ID, From: models.ContestStatusLive, To: models.ContestStatusEnded, At: now})
		}
		return ts
	case models.ContestStatusLive:
		if !now.Before(end) {
			return []Transition{{ContestID: c.ID, From: models.ContestStatusLive, To: models.ContestStatusEnded, At: now}}
		}
	}
	return nil
}

// IsLive reports whether the contest is live and now lies inside [start, end).
func IsLive(c models.Contest, now time.Time) bool {
	return c.Status == models.ContestStatusLive &&
		!now.Before(c.StartTime) && now.Before(c.EndTime())
}

// IsFrozen reports whether the public leaderboard is inside its freeze window.
func IsFrozen(c models.Contest, now time.Time) bool {
	freeze := c.FreezeStart()
	if freeze.IsZero() || c.Status != models.ContestStatusLive {
		return false
	}
	return !now.Before(freeze) && now.Before(c.EndTime())
}

// CanUserJoin decides whether a user may join the contest at now.
func CanUserJoin(c models.Contest, now time.Time) bool {
	if !c.IsActive || c.Status.IsTerminal() || c.Status == models.ContestStatusDraft {
		return false
	}
	if now.Before(c.StartTime) {
		return c.RequireRegistration
	}
	if !now.Before(c.EndTime()) {
		return false
	}
	if c.AllowLateJoin {
		return !now.After(c.LateJoinDeadline())
	}
	return now.Equal(c.StartTime)
}

// EffectiveStart floors a participant's personal start at the contest start.
func EffectiveStart(c models.Contest, joinTime time.Time) time.Time {
	if joinTime.After(c.StartTime) {
		return joinTime
	}
	return c.StartTime
}

// RemainingTime returns whole seconds until the contest ends. Late joiners
// share the same end, so the result does not depend on when anyone joined.
func RemainingTime(c models.Contest, now time.Time) int64 {
	if c.Status.IsTerminal() {
		return 0
	}
	end := c.EndTime()
	if !now.Before(end) {
		return 0
	}
	return int64(end.Sub(now) / time.Second)
}
