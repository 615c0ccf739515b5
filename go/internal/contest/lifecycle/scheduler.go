package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

const DefaultTickInterval = 2 * time.Second

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// Store is what the scheduler needs from contest persistence.
type Store interface {
	ListPendingContests(ctx context.Context) ([]models.Contest, error)
	// UpdateContestStatus must only apply when the stored status still equals from.
	UpdateContestStatus(ctx context.Context, id uuid.UUID, from, to models.ContestStatus, at time.Time) (*models.Contest, error)
}

// TransitionHandler is notified after a transition was persisted.
type TransitionHandler interface {
	HandleTransition(ctx context.Context, contest models.Contest, t Transition)
}

// Scheduler is the single periodic task that moves contests along the
// clock-driven edges of the state machine.
type Scheduler struct {
	store      Store
	handler    TransitionHandler
	clock      Clock
	interval   time.Duration
	wakeCh     chan struct{}
	instanceID string
}

// NewScheduler creates a scheduler. A non-positive interval uses DefaultTickInterval.
func NewScheduler(store Store, handler TransitionHandler, clock Clock, interval time.Duration) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		store:      store,
		handler:    handler,
		clock:      clock,
		interval:   interval,
		wakeCh:     make(chan struct{}, 1),
		instanceID: uuid.New().String()[:8],
	}
}

// Wake asks the scheduler to evaluate immediately, e.g. after a publish.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("instance", s.instanceID).Dur("interval", s.interval).Msg("lifecycle scheduler started")

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.Tick(ctx); err != nil {
		log.Error().Err(err).Str("instance", s.instanceID).Msg("initial lifecycle evaluation failed")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", s.instanceID).Msg("lifecycle scheduler shutdown")
			return nil
		case <-ticker.Chan():
		case <-s.wakeCh:
			log.Debug().Str("instance", s.instanceID).Msg("woken up early")
		}

		if err := s.Tick(ctx); err != nil {
			log.Error().Err(err).Str("instance", s.instanceID).Msg("lifecycle evaluation failed")
		}
	}
}

// Tick evaluates every pending contest once against the clock.
func (s *Scheduler) Tick(ctx context.Context) error {
	contests, err := s.store.ListPendingContests(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending contests: %w", err)
	}

	now := s.clock.Now()
	for _, c := range contests {
		for _, t := range Next(c, now) {
			updated, err := s.store.UpdateContestStatus(ctx, c.ID, t.From, t.To, now)
			if err != nil {
				// Another writer may have moved it already; re-evaluated next tick.
				log.Warn().
					Err(err).
					Str("contest_id", c.ID.String()).
					Str("from", string(t.From)).
					Str("to", string(t.To)).
					Msg("failed to persist transition")
				break
			}

			log.Info().
				Str("contest_id", c.ID.String()).
				Str("from", string(t.From)).
				Str("to", string(t.To)).
				Str("instance", s.instanceID).
				Msg("contest transitioned")

			c = *updated
			if s.handler != nil {
				s.handler.HandleTransition(ctx, c, t)
			}
		}
	}
	return nil
}
