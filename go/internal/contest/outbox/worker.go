package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type WorkerConfig struct {
	PollInterval time.Duration // fallback poll for missed wake-ups
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 30 * time.Second,
		BatchSize:    100,
		MaxRetries:   5,
		RetryDelay:   200 * time.Millisecond,
	}
}

// Worker relays unsent outbox events to a Publisher. It drains a batch on
// every Wake and on every poll tick.
type Worker struct {
	app       *App
	publisher Publisher
	config    WorkerConfig
	clock     clockwork.Clock
	wakeCh    chan struct{}

	mu      sync.Mutex
	running bool

	processed atomic.Uint64
	lastEvent atomic.Int64
}

func NewWorker(app *App, publisher Publisher, cfg WorkerConfig, clock clockwork.Clock) *Worker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultWorkerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Worker{
		app:       app,
		publisher: publisher,
		config:    cfg,
		clock:     clock,
		wakeCh:    make(chan struct{}, 1),
	}
}

// Wake asks the worker to drain now. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Msg("outbox worker started")

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox worker stopped")
			return nil
		case <-ticker.Chan():
		case <-w.wakeCh:
		}
		w.drain(ctx)
	}
}

// Running reports whether Run is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats returns the number of relayed events and when the last one went out.
func (w *Worker) Stats() (uint64, time.Time) {
	var last time.Time
	if ns := w.lastEvent.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return w.processed.Load(), last
}

// drain relays batches until the outbox is empty or a batch stalls.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.app.ProcessUnsentEvents(ctx, w.config.BatchSize, func(ev Event) error {
			return w.publishWithRetry(ctx, ev)
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to process unsent events")
			return
		}
		if n < w.config.BatchSize {
			return
		}
	}
}

// publishWithRetry attempts to publish an outbox event with a linear backoff.
func (w *Worker) publishWithRetry(ctx context.Context, ev Event) error {
	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := w.publisher.Publish(ctx, ev); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", ev.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		w.processed.Add(1)
		w.lastEvent.Store(w.clock.Now().UnixNano())
		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", ev.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}
