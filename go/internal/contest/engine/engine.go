package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/contest/contest"
	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/mcdev12/arena/go/internal/contest/gateway"
	"github.com/mcdev12/arena/go/internal/contest/leaderboard"
	"github.com/mcdev12/arena/go/internal/contest/scoring"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ParticipantStore persists registrations and admin overrides. Scores are
// rebuilt from the judge stream.
type ParticipantStore interface {
	UpsertParticipant(ctx context.Context, p models.Participant) error
	ListParticipants(ctx context.Context, contestID uuid.UUID) ([]models.Participant, error)
}

// Dispatcher pushes contest events to connected sessions.
type Dispatcher interface {
	Join(s *gateway.Session, contestID uuid.UUID, snap gateway.Snapshot)
	Users(contestID uuid.UUID) []string
	ParticipantCount(contestID uuid.UUID) int
	PublishDelta(d leaderboard.Delta)
	PublishLeaderboard(contestID uuid.UUID, entries []models.LeaderboardEntry, frozen bool)
	SubmissionResult(contestID uuid.UUID, userID string, payload gateway.SubmissionResultPayload)
	ContestStarted(c models.Contest)
	ContestExtended(c models.Contest)
	ContestEnded(contestID uuid.UUID, cancelled bool)
	Announce(contestID uuid.UUID, message string, at time.Time)
}

// Recorder appends an event to the outbox.
type Recorder interface {
	Record(ctx context.Context, contestID uuid.UUID, eventType string, payload any) error
}

// Replayer feeds every judge result already recorded for a contest to fn.
type Replayer interface {
	Replay(ctx context.Context, contestID uuid.UUID, fn func(events.SubmissionJudged) error) error
}

// Waker nudges the lifecycle scheduler.
type Waker interface {
	Wake()
}

// Engine routes judge results, admin commands and lifecycle transitions to
// the leaderboard and the sessions following each contest.
//
// Every mutation of a contest's board and the dispatch of its outcome happen
// under that contest's runtime lock, so sessions observe updates in the
// order they were applied.
type Engine struct {
	contests     *contest.App
	participants ParticipantStore
	boards       *leaderboard.Aggregator
	dispatcher   Dispatcher
	recorder     Recorder
	clock        clockwork.Clock

	replayer Replayer
	waker    Waker

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(contests *contest.App, participants ParticipantStore, dispatcher Dispatcher, recorder Recorder, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		contests:     contests,
		participants: participants,
		boards:       leaderboard.NewAggregator(),
		dispatcher:   dispatcher,
		recorder:     recorder,
		clock:        clock,
		locks:        make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetReplayer makes boards rebuild scores from the judge stream when they
// are loaded.
func (e *Engine) SetReplayer(r Replayer) {
	e.replayer = r
}

// SetWaker lets admin commands trigger an early lifecycle evaluation.
func (e *Engine) SetWaker(w Waker) {
	e.waker = w
}

// Start loads the boards of live contests so the first judge result after a
// restart does not pay for the replay.
func (e *Engine) Start(ctx context.Context) error {
	live, err := e.contests.ListContests(ctx, models.ContestStatusLive)
	if err != nil {
		return fmt.Errorf("failed to list live contests: %w", err)
	}
	for _, c := range live {
		unlock := e.lock(c.ID)
		_, err := e.boardFor(ctx, c.ID)
		unlock()
		if err != nil {
			return fmt.Errorf("failed to load contest %s: %w", c.ID, err)
		}
	}
	log.Info().Int("contests", len(live)).Msg("live leaderboards loaded")
	return nil
}

// lock takes the runtime lock of a contest and returns its release.
func (e *Engine) lock(contestID uuid.UUID) func() {
	e.mu.Lock()
	l, ok := e.locks[contestID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[contestID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// boardFor returns the open board of a contest, loading it on first use.
// The caller holds the contest lock.
func (e *Engine) boardFor(ctx context.Context, contestID uuid.UUID) (*leaderboard.Board, error) {
	if b, ok := e.boards.Board(contestID); ok {
		return b, nil
	}

	c, err := e.contests.GetContest(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.ContestStatusDraft || c.Status == models.ContestStatusCancelled {
		return nil, fmt.Errorf("contest %s is %s: %w", c.ID, c.Status, scoring.ErrUnknownReference)
	}

	b, created := e.boards.Open(*c)
	if created {
		if err := e.restore(ctx, b, *c); err != nil {
			e.boards.Remove(c.ID)
			return nil, err
		}
	}
	return b, nil
}

// restore loads registrations, replays judge results and closes the board
// again if the contest is already over.
func (e *Engine) restore(ctx context.Context, b *leaderboard.Board, c models.Contest) error {
	ps, err := e.participants.ListParticipants(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to restore participants: %w", err)
	}
	for i := range ps {
		p := ps[i]
		b.Restore(&p)
	}

	replayed := 0
	if e.replayer != nil && len(ps) > 0 {
		now := e.clock.Now()
		err := e.replayer.Replay(ctx, c.ID, func(ev events.SubmissionJudged) error {
			// judged-at order approximates the freeze as it happened
			at := ev.SubmittedAt
			if at.After(now) {
				at = now
			}
			_, _, err := b.Apply(ev, at)
			if errors.Is(err, scoring.ErrUnknownReference) || errors.Is(err, leaderboard.ErrOutsideWindow) {
				return nil
			}
			if err == nil {
				replayed++
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to replay judge results: %w", err)
		}
	}

	if c.Status == models.ContestStatusEnded {
		if _, err := b.Finalize(c.ScoringEnd()); err != nil && !errors.Is(err, leaderboard.ErrBoardClosed) {
			return err
		}
	}

	log.Info().
		Str("contest_id", c.ID.String()).
		Int("participants", len(ps)).
		Int("replayed", replayed).
		Msg("leaderboard restored")
	return nil
}

// record writes an audit event. Failures are logged, never returned.
func (e *Engine) record(ctx context.Context, contestID uuid.UUID, eventType string, payload any) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, contestID, eventType, payload); err != nil {
		log.Error().
			Err(err).
			Str("contest_id", contestID.String()).
			Str("event_type", eventType).
			Msg("failed to record contest event")
	}
}

func (e *Engine) wake() {
	if e.waker != nil {
		e.waker.Wake()
	}
}
