package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/rs/zerolog/log"
)

var ErrEventNotFound = errors.New("outbox event not found")

var knownEventTypes = map[string]struct{}{
	events.EventTypeContestPublished:     {},
	events.EventTypeContestStarted:       {},
	events.EventTypeContestEnded:         {},
	events.EventTypeContestCancelled:     {},
	events.EventTypeContestExtended:      {},
	events.EventTypeAnnouncement:         {},
	events.EventTypeScoreAdjusted:        {},
	events.EventTypeParticipantHidden:    {},
	events.EventTypeParticipantJoined:    {},
	events.EventTypeSubmissionScored:     {},
	events.EventTypeLeaderboardFinalized: {},
}

// OutboxRepository defines what the app layer needs from the repository
type OutboxRepository interface {
	InsertOutbox(ctx context.Context, event Event) error
	// FetchUnsentOutbox returns unsent events oldest first.
	FetchUnsentOutbox(ctx context.Context, limit int) ([]Event, error)
	FetchOutboxByID(ctx context.Context, id uuid.UUID) (*Event, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID, at time.Time) error
	CountPending(ctx context.Context) (int, error)
}

// App handles outbox business logic
type App struct {
	repo     OutboxRepository
	clock    clockwork.Clock
	metadata json.RawMessage
	// notify is called after each insert so an in-process relay can wake up.
	notify func()
}

// Option configures an App.
type Option func(*App)

// WithSource stamps every event's metadata with the writing instance.
func WithSource(source string) Option {
	return func(a *App) {
		a.metadata, _ = json.Marshal(map[string]string{"source": source})
	}
}

// WithNotify registers a callback that runs after every insert.
func WithNotify(fn func()) Option {
	return func(a *App) { a.notify = fn }
}

// NewApp creates a new outbox App
func NewApp(repo OutboxRepository, clock clockwork.Clock, opts ...Option) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &App{repo: repo, clock: clock}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record marshals payload and appends it to the outbox.
func (a *App) Record(ctx context.Context, contestID uuid.UUID, eventType string, payload any) error {
	if _, ok := knownEventTypes[eventType]; !ok {
		return fmt.Errorf("unknown event type %q", eventType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	if err := validateEventPayload(raw); err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}

	event := Event{
		ID:        uuid.New(),
		ContestID: contestID,
		EventType: eventType,
		Payload:   raw,
		Metadata:  a.metadata,
		CreatedAt: a.clock.Now(),
	}
	if err := a.repo.InsertOutbox(ctx, event); err != nil {
		return fmt.Errorf("failed to insert %s event: %w", eventType, err)
	}

	log.Debug().
		Str("contest_id", contestID.String()).
		Str("event_id", event.ID.String()).
		Str("event_type", eventType).
		Msg("outbox event inserted")

	if a.notify != nil {
		a.notify()
	}
	return nil
}

// FetchUnsentEvents fetches unsent outbox events
func (a *App) FetchUnsentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}

	evs, err := a.repo.FetchUnsentOutbox(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent events: %w", err)
	}
	return evs, nil
}

// GetEventByID fetches a specific outbox event by ID
func (a *App) GetEventByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	ev, err := a.repo.FetchOutboxByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event by ID: %w", err)
	}
	return ev, nil
}

// MarkEventSent marks an outbox event as sent
func (a *App) MarkEventSent(ctx context.Context, id uuid.UUID) error {
	if err := a.repo.MarkOutboxSent(ctx, id, a.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// PendingCount returns how many events wait for relay.
func (a *App) PendingCount(ctx context.Context) (int, error) {
	n, err := a.repo.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}

// ProcessUnsentEvents runs processor over one batch of unsent events and marks
// the successful ones sent. Once an event of a contest fails, later events of
// that contest wait for the next batch so they are relayed in order.
func (a *App) ProcessUnsentEvents(ctx context.Context, batchSize int, processor func(event Event) error) (int, error) {
	evs, err := a.FetchUnsentEvents(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	blocked := make(map[uuid.UUID]struct{})
	processedCount := 0
	errorCount := 0

	for _, ev := range evs {
		if _, ok := blocked[ev.ContestID]; ok {
			continue
		}
		if err := processor(ev); err != nil {
			log.Error().
				Err(err).
				Str("event_id", ev.ID.String()).
				Str("event_type", ev.EventType).
				Msg("failed to process event")
			blocked[ev.ContestID] = struct{}{}
			errorCount++
			continue
		}

		if err := a.MarkEventSent(ctx, ev.ID); err != nil {
			log.Error().
				Err(err).
				Str("event_id", ev.ID.String()).
				Msg("failed to mark event as sent after processing")
			blocked[ev.ContestID] = struct{}{}
			errorCount++
			continue
		}
		processedCount++
	}

	if processedCount > 0 || errorCount > 0 {
		log.Info().
			Int("processed", processedCount).
			Int("errors", errorCount).
			Int("total", len(evs)).
			Msg("processed unsent events batch")
	}
	return processedCount, nil
}

func validateEventPayload(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload cannot be empty")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}
