package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/contest"
	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/mcdev12/arena/go/internal/contest/gateway"
	"github.com/mcdev12/arena/go/internal/contest/leaderboard"
	"github.com/mcdev12/arena/go/internal/contest/lifecycle"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// JoinContest subscribes a session to a contest. Anonymous sessions follow
// as spectators. An authenticated user is registered as a participant when
// the contest admits them; before a contest without registration starts
// they wait and are registered at the start.
func (e *Engine) JoinContest(ctx context.Context, s *gateway.Session, contestID uuid.UUID) error {
	c, err := e.contests.GetContest(ctx, contestID)
	if errors.Is(err, contest.ErrContestNotFound) {
		return gateway.Reject("contest not found")
	}
	if err != nil {
		return err
	}
	switch {
	case c.Status == models.ContestStatusDraft:
		return gateway.Reject("contest not found")
	case c.Status.IsTerminal():
		return gateway.Reject("contest has %s", c.Status)
	case !c.IsActive:
		return gateway.Reject("contest is not active")
	}

	unlock := e.lock(contestID)
	defer unlock()

	b, err := e.boardFor(ctx, contestID)
	if err != nil {
		return err
	}
	cur := b.Contest()
	now := e.clock.Now()

	identity, authenticated := s.Identity()
	if authenticated && !identity.Privileged {
		if err := e.register(ctx, b, cur, identity.UserID, now); err != nil {
			return err
		}
	}

	e.dispatcher.Join(s, contestID, gateway.Snapshot{
		Status:  cur.Status,
		Entries: b.Snapshot(identity.Privileged, now),
		Frozen:  b.Frozen(now),
		EndTime: cur.EndTime(),
	})
	return nil
}

// register adds userID to the board if the contest admits them at now.
// The caller holds the contest lock.
func (e *Engine) register(ctx context.Context, b *leaderboard.Board, c models.Contest, userID string, now time.Time) error {
	if _, ok := b.Participant(userID); ok {
		return nil
	}
	if !lifecycle.CanUserJoin(c, now) {
		if c.Status == models.ContestStatusLive {
			return gateway.Reject("contest no longer accepts participants")
		}
		return nil
	}

	effectiveStart := lifecycle.EffectiveStart(c, now)
	err := e.participants.UpsertParticipant(ctx, models.Participant{
		UserID:         userID,
		ContestID:      c.ID,
		RegisteredAt:   now,
		EffectiveStart: effectiveStart,
	})
	if err != nil {
		return fmt.Errorf("failed to register participant: %w", err)
	}

	_, d, err := b.Join(userID, now)
	if err != nil {
		return fmt.Errorf("failed to join leaderboard: %w", err)
	}
	e.dispatcher.PublishDelta(d)

	log.Info().
		Str("contest_id", c.ID.String()).
		Str("user_id", userID).
		Time("effective_start", effectiveStart).
		Msg("participant registered")

	e.record(ctx, c.ID, events.EventTypeParticipantJoined, events.ParticipantJoinedPayload{
		ContestID:      c.ID.String(),
		UserID:         userID,
		EffectiveStart: effectiveStart,
	})
	return nil
}

// Leaderboard returns the current view of a contest. Privileged callers get
// the true standings while the public view is frozen.
func (e *Engine) Leaderboard(ctx context.Context, contestID uuid.UUID, privileged bool) ([]models.LeaderboardEntry, bool, error) {
	unlock := e.lock(contestID)
	defer unlock()

	b, err := e.boardFor(ctx, contestID)
	if err != nil {
		return nil, false, err
	}
	now := e.clock.Now()
	entries := b.Snapshot(privileged, now)
	if entries == nil {
		entries = []models.LeaderboardEntry{}
	}
	return entries, b.Frozen(now), nil
}

// ContestState reports timing and occupancy of a contest.
func (e *Engine) ContestState(ctx context.Context, contestID uuid.UUID) (*gateway.ContestState, error) {
	c, err := e.contests.GetContest(ctx, contestID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()

	state := &gateway.ContestState{
		ContestID:        c.ID,
		Name:             c.Name,
		Status:           c.Status,
		StartTime:        c.StartTime,
		EndTime:          c.EndTime(),
		ServerTime:       now,
		RemainingSeconds: lifecycle.RemainingTime(*c, now),
		Frozen:           lifecycle.IsFrozen(*c, now),
		CanJoin:          lifecycle.CanUserJoin(*c, now),
		Sessions:         e.dispatcher.ParticipantCount(c.ID),
	}
	if fs := c.FreezeStart(); !fs.IsZero() {
		state.FreezeStart = &fs
	}
	if b, ok := e.boards.Board(c.ID); ok {
		state.Participants = b.Count()
	}
	return state, nil
}
