package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/contest/auth"
	"github.com/mcdev12/arena/go/internal/contest/contest"
	"github.com/mcdev12/arena/go/internal/contest/engine"
	"github.com/mcdev12/arena/go/internal/contest/gateway"
	"github.com/mcdev12/arena/go/internal/contest/lifecycle"
	"github.com/mcdev12/arena/go/internal/contest/outbox"
	"github.com/mcdev12/arena/go/internal/dbconfig"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// contestStore is what both contest repositories provide.
type contestStore interface {
	contest.ContestRepository
	engine.ParticipantStore
}

type Services struct {
	Verifier  *auth.Verifier
	Admin     *contest.Service
	Engine    *engine.Engine
	Registry  *gateway.Registry
	Scheduler *lifecycle.Scheduler
	Outbox    *outbox.Worker
	Health    *outbox.HealthChecker

	// optional, depending on configuration
	Listener *outbox.Listener
	Judge    *engine.JudgeConsumer

	closers []func()
}

// Close releases connections in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Database layer → Repository layer → App layer → Engine → Service layer
	s := &Services{}
	clock := clockwork.NewRealClock()

	var (
		contestRepo contestStore
		outboxRepo  outbox.OutboxRepository
		database    *sql.DB
		dbCfg       dbconfig.Config
	)
	switch config.Store {
	case storePostgres:
		dbCfg = dbconfig.NewConfigFromEnv()
		pool, err := setupPool(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)

		database, err = setupDatabase(ctx, dbCfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { database.Close() })

		pgContests := contest.NewPostgresRepository(pool)
		if err := pgContests.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		pgOutbox := outbox.NewPostgresRepository(database)
		if err := pgOutbox.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		contestRepo, outboxRepo = pgContests, pgOutbox
	default:
		log.Warn().Msg("using in-memory store, contests are lost on restart")
		contestRepo, outboxRepo = contest.NewMemoryRepository(), outbox.NewMemoryRepository()
	}

	// Without LISTEN/NOTIFY the outbox wakes its relay in process.
	var opts []outbox.Option
	opts = append(opts, outbox.WithSource("arena-engine"))
	if database == nil {
		opts = append(opts, outbox.WithNotify(func() { s.Outbox.Wake() }))
	}
	outboxApp := outbox.NewApp(outboxRepo, clock, opts...)

	contestApp := contest.NewApp(contestRepo, clock)
	s.Verifier = auth.NewVerifier(config.JWTSecret, clock)
	s.Registry = gateway.NewRegistry(config.gatewayConfig(), clock, s.Verifier)
	s.Engine = engine.New(contestApp, contestRepo, s.Registry, outboxApp, clock)
	s.Registry.SetDirectory(s.Engine)
	s.Scheduler = lifecycle.NewScheduler(contestApp, s.Engine, clock, config.Scheduler.TickInterval)
	s.Engine.SetWaker(s.Scheduler)
	s.Admin = contest.NewService(s.Engine)

	var (
		publisher outbox.Publisher = outbox.LogPublisher{}
		natsConn  outbox.Connection
	)
	if config.NATS.URL != "" {
		nc, err := connectNATS(config)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() {
			if err := nc.Drain(); err != nil {
				log.Error().Err(err).Msg("failed to drain NATS connection")
			}
		})
		natsConn = nc

		js, err := jetstream.New(nc)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		jsPublisher, err := outbox.NewJetStreamPublisher(ctx, js, config.eventStreamConfig())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create event publisher: %w", err)
		}
		publisher = jsPublisher

		s.Judge, err = engine.NewJudgeConsumer(ctx, js, s.Engine, config.judgeConfig())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create judge consumer: %w", err)
		}
		s.Engine.SetReplayer(s.Judge)
	} else {
		log.Warn().Msg("NATS_URL not set, judge results are not consumed and events are only logged")
	}

	s.Outbox = outbox.NewWorker(outboxApp, publisher, config.workerConfig(), clock)

	var dbPinger outbox.Pinger
	if database != nil {
		dbPinger = database

		lcfg := outbox.DefaultListenerConfig()
		lcfg.DatabaseURL = dbCfg.DSN()
		listener, err := outbox.NewListener(s.Outbox, lcfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create outbox listener: %w", err)
		}
		s.Listener = listener
	}
	s.Health = outbox.NewHealthChecker(s.Outbox, dbPinger, natsConn, config.Outbox.StaleThreshold)

	return s, nil
}

func connectNATS(config *Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("arena-engine"),
		nats.MaxReconnects(config.NATS.MaxReconnects),
		nats.ReconnectWait(config.NATS.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	return nc, nil
}
