package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/contest"
	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/mcdev12/arena/go/internal/contest/leaderboard"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

const maxAnnouncementLength = 1000

func (e *Engine) CreateContest(ctx context.Context, req contest.CreateContestRequest) (*models.Contest, error) {
	return e.contests.CreateContest(ctx, req)
}

func (e *Engine) UpdateContest(ctx context.Context, req contest.UpdateContestRequest) (*models.Contest, error) {
	unlock := e.lock(req.ID)
	defer unlock()

	c, err := e.contests.UpdateContest(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, ok := e.boards.Board(c.ID); ok {
		e.boards.Open(*c)
	}
	e.wake()
	return c, nil
}

func (e *Engine) GetContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	return e.contests.GetContest(ctx, id)
}

func (e *Engine) PublishContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	c, err := e.contests.PublishContest(ctx, id)
	if err != nil {
		return nil, err
	}
	e.record(ctx, id, events.EventTypeContestPublished, events.ContestStatusPayload{
		ContestID: id.String(),
		From:      models.ContestStatusDraft,
		To:        c.Status,
		At:        e.clock.Now(),
	})
	e.wake()
	return c, nil
}

// CancelContest cancels a draft or scheduled contest and tells its sessions.
func (e *Engine) CancelContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	unlock := e.lock(id)
	defer unlock()

	current, err := e.contests.GetContest(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := e.contests.CancelContest(ctx, id)
	if err != nil {
		return nil, err
	}

	if b, ok := e.boards.Board(id); ok {
		if _, err := b.Finalize(e.clock.Now()); err != nil && !errors.Is(err, leaderboard.ErrBoardClosed) {
			log.Error().Err(err).Str("contest_id", id.String()).Msg("failed to close leaderboard")
		}
		e.boards.Remove(id)
	}
	e.dispatcher.ContestEnded(id, true)

	e.record(ctx, id, events.EventTypeContestCancelled, events.ContestStatusPayload{
		ContestID: id.String(),
		From:      current.Status,
		To:        c.Status,
		At:        e.clock.Now(),
	})
	return c, nil
}

// ForceEndContest ends a live contest now and publishes the final standings.
func (e *Engine) ForceEndContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	unlock := e.lock(id)
	defer unlock()

	c, err := e.contests.ForceEndContest(ctx, id)
	if err != nil {
		return nil, err
	}
	e.finish(ctx, *c, true)
	return c, nil
}

// ExtendContest moves the end of a live contest. Sessions get the new end
// time, and the full leaderboard if the extension lifted the freeze.
func (e *Engine) ExtendContest(ctx context.Context, id uuid.UUID, minutes int) (*models.Contest, error) {
	unlock := e.lock(id)
	defer unlock()

	c, err := e.contests.ExtendContest(ctx, id, minutes)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if b, ok := e.boards.Board(id); ok {
		wasFrozen := b.Frozen(now)
		e.boards.Open(*c)
		if frozen := b.Frozen(now); wasFrozen && !frozen {
			e.dispatcher.PublishLeaderboard(id, b.Snapshot(false, now), false)
		}
	}
	e.dispatcher.ContestExtended(*c)

	e.record(ctx, id, events.EventTypeContestExtended, events.ContestExtendedPayload{
		ContestID:       id.String(),
		AddedMinutes:    minutes,
		DurationMinutes: c.DurationMinutes,
		EndTime:         c.EndTime(),
	})
	e.wake()
	return c, nil
}

// Announce broadcasts a message to every session of a scheduled or live contest.
func (e *Engine) Announce(ctx context.Context, id uuid.UUID, message string) (time.Time, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return time.Time{}, &contest.ValidationError{Field: "message", Reason: "is required"}
	}
	if len(message) > maxAnnouncementLength {
		return time.Time{}, &contest.ValidationError{Field: "message", Reason: fmt.Sprintf("must be at most %d characters", maxAnnouncementLength)}
	}

	unlock := e.lock(id)
	defer unlock()

	c, err := e.contests.GetContest(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if c.Status != models.ContestStatusScheduled && c.Status != models.ContestStatusLive {
		return time.Time{}, &contest.StateConflictError{ContestID: id, Op: "announce", Status: c.Status}
	}

	at := e.clock.Now()
	e.dispatcher.Announce(id, message, at)

	log.Info().Str("contest_id", id.String()).Msg("announcement sent")
	e.record(ctx, id, events.EventTypeAnnouncement, events.AnnouncementPayload{
		ContestID: id.String(),
		Message:   message,
		Timestamp: at,
	})
	return at, nil
}

// AdjustScore adds delta to a participant's score. The adjustment is stored
// before the board changes so a failed write leaves the board untouched.
func (e *Engine) AdjustScore(ctx context.Context, id uuid.UUID, userID string, delta float64, reason string) error {
	if delta == 0 {
		return &contest.ValidationError{Field: "delta", Reason: "must not be zero"}
	}

	unlock := e.lock(id)
	defer unlock()

	b, p, err := e.participant(ctx, id, userID)
	if err != nil {
		return err
	}
	p.Adjustment += delta
	if err := e.participants.UpsertParticipant(ctx, *p); err != nil {
		return fmt.Errorf("failed to store adjustment: %w", err)
	}

	d, err := b.Adjust(userID, delta, e.clock.Now())
	if err != nil {
		return err
	}
	e.dispatcher.PublishDelta(d)

	log.Info().
		Str("contest_id", id.String()).
		Str("user_id", userID).
		Float64("delta", delta).
		Str("reason", reason).
		Msg("score adjusted")
	e.record(ctx, id, events.EventTypeScoreAdjusted, events.ScoreAdjustedPayload{
		ContestID: id.String(),
		UserID:    userID,
		Delta:     delta,
		Reason:    reason,
	})
	return nil
}

// HideParticipant removes a participant from, or returns them to, the public view.
func (e *Engine) HideParticipant(ctx context.Context, id uuid.UUID, userID string, hidden bool) error {
	unlock := e.lock(id)
	defer unlock()

	b, p, err := e.participant(ctx, id, userID)
	if err != nil {
		return err
	}
	if p.Hidden == hidden {
		return nil
	}
	p.Hidden = hidden
	if err := e.participants.UpsertParticipant(ctx, *p); err != nil {
		return fmt.Errorf("failed to store visibility: %w", err)
	}

	d, err := b.SetHidden(userID, hidden, e.clock.Now())
	if err != nil {
		return err
	}
	e.dispatcher.PublishDelta(d)

	log.Info().
		Str("contest_id", id.String()).
		Str("user_id", userID).
		Bool("hidden", hidden).
		Msg("participant visibility changed")
	e.record(ctx, id, events.EventTypeParticipantHidden, events.ParticipantHiddenPayload{
		ContestID: id.String(),
		UserID:    userID,
		Hidden:    hidden,
	})
	return nil
}

// participant resolves a participant on an open board. The caller holds
// the contest lock.
func (e *Engine) participant(ctx context.Context, id uuid.UUID, userID string) (*leaderboard.Board, *models.Participant, error) {
	b, err := e.boardFor(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if b.Closed() {
		return nil, nil, fmt.Errorf("contest %s: %w", id, leaderboard.ErrBoardClosed)
	}
	p, ok := b.Participant(userID)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", userID, leaderboard.ErrParticipantNotFound)
	}
	return b, p, nil
}
