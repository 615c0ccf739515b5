package engine

import (
	"context"
	"errors"

	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/mcdev12/arena/go/internal/contest/leaderboard"
	"github.com/mcdev12/arena/go/internal/contest/lifecycle"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// HandleTransition reacts to a transition the scheduler persisted.
func (e *Engine) HandleTransition(ctx context.Context, c models.Contest, t lifecycle.Transition) {
	unlock := e.lock(c.ID)
	defer unlock()

	switch t.To {
	case models.ContestStatusLive:
		e.start(ctx, c)
	case models.ContestStatusEnded:
		e.finish(ctx, c, false)
	}
}

// start opens the board, registers the users who were waiting for the start
// and announces it. The caller holds the contest lock.
func (e *Engine) start(ctx context.Context, c models.Contest) {
	b, err := e.boardFor(ctx, c.ID)
	if err != nil {
		log.Error().Err(err).Str("contest_id", c.ID.String()).Msg("failed to open leaderboard")
	} else {
		e.boards.Open(c)
		for _, userID := range e.dispatcher.Users(c.ID) {
			if err := e.register(ctx, b, c, userID, c.StartTime); err != nil {
				log.Warn().Err(err).Str("contest_id", c.ID.String()).Str("user_id", userID).Msg("failed to register waiting user")
			}
		}
	}

	e.dispatcher.ContestStarted(c)
	e.record(ctx, c.ID, events.EventTypeContestStarted, events.ContestStartedPayload{
		ContestID: c.ID.String(),
		StartedAt: e.clock.Now(),
		EndTime:   c.EndTime(),
	})
}

// finish closes the board and publishes the final standings before the end
// notice. The caller holds the contest lock.
func (e *Engine) finish(ctx context.Context, c models.Contest, forced bool) {
	now := e.clock.Now()
	var final []models.LeaderboardEntry

	b, err := e.boardFor(ctx, c.ID)
	if err != nil {
		log.Error().Err(err).Str("contest_id", c.ID.String()).Msg("failed to load leaderboard for finalization")
	} else {
		e.boards.Open(c)
		final, err = b.Finalize(now)
		if errors.Is(err, leaderboard.ErrBoardClosed) {
			final = b.Snapshot(false, now)
		}
		e.dispatcher.PublishLeaderboard(c.ID, final, false)
	}
	e.dispatcher.ContestEnded(c.ID, false)

	participants := 0
	if b != nil {
		participants = b.Count()
	}
	log.Info().
		Str("contest_id", c.ID.String()).
		Bool("forced", forced).
		Int("participants", participants).
		Msg("contest finished")

	e.record(ctx, c.ID, events.EventTypeContestEnded, events.ContestEndedPayload{
		ContestID:    c.ID.String(),
		EndedAt:      now,
		Forced:       forced,
		Participants: participants,
	})
	if final != nil {
		e.record(ctx, c.ID, events.EventTypeLeaderboardFinalized, events.LeaderboardFinalizedPayload{
			ContestID: c.ID.String(),
			Entries:   final,
		})
	}
}
