package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/contest"
	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/mcdev12/arena/go/internal/contest/gateway"
	"github.com/mcdev12/arena/go/internal/contest/leaderboard"
	"github.com/mcdev12/arena/go/internal/contest/scoring"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// HandleJudgeResult scores one judge result, pushes the leaderboard delta to
// the contest's sessions and the verdict to the submitter's sessions. A
// verdict for an in-time submission that lands after the contest ended
// amends the final standings, which are published again.
func (e *Engine) HandleJudgeResult(ctx context.Context, ev events.SubmissionJudged) error {
	if ev.ContestID == uuid.Nil || ev.ParticipantID == "" || ev.ProblemID == uuid.Nil || ev.SubmittedAt.IsZero() {
		return fmt.Errorf("incomplete judge result: %w", scoring.ErrUnknownReference)
	}

	unlock := e.lock(ev.ContestID)
	defer unlock()

	b, err := e.boardFor(ctx, ev.ContestID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	late := b.Closed()
	p, d, err := b.Apply(ev, now)
	if err != nil {
		return err
	}
	var final []models.LeaderboardEntry
	if late {
		final = b.Snapshot(false, now)
		e.dispatcher.PublishLeaderboard(ev.ContestID, final, false)
	} else {
		e.dispatcher.PublishDelta(d)
	}

	result := gateway.SubmissionResultPayload{
		SubmissionID:   ev.SubmissionID,
		ContestID:      ev.ContestID,
		ProblemID:      ev.ProblemID,
		Verdict:        ev.Verdict,
		PassedFraction: ev.PassedFraction,
		Score:          p.Score,
		Penalty:        p.Penalty,
		Solved:         p.Solved,
	}
	e.dispatcher.SubmissionResult(ev.ContestID, p.UserID, result)

	log.Debug().
		Str("contest_id", ev.ContestID.String()).
		Str("user_id", p.UserID).
		Str("verdict", string(ev.Verdict)).
		Float64("score", p.Score).
		Int("penalty", p.Penalty).
		Msg("judge result applied")

	e.record(ctx, ev.ContestID, events.EventTypeSubmissionScored, events.SubmissionScoredPayload{
		SubmissionJudged: ev,
		Score:            p.Score,
		Penalty:          p.Penalty,
		Rank:             p.Rank,
	})
	if late {
		log.Info().
			Str("contest_id", ev.ContestID.String()).
			Str("user_id", p.UserID).
			Msg("final standings amended by late verdict")
		e.record(ctx, ev.ContestID, events.EventTypeLeaderboardFinalized, events.LeaderboardFinalizedPayload{
			ContestID: ev.ContestID.String(),
			Entries:   final,
		})
	}
	return nil
}

// isDroppable reports errors that retrying the same message cannot fix.
func isDroppable(err error) bool {
	return errors.Is(err, scoring.ErrUnknownReference) ||
		errors.Is(err, leaderboard.ErrOutsideWindow) ||
		errors.Is(err, leaderboard.ErrBoardClosed) ||
		errors.Is(err, contest.ErrContestNotFound)
}

// JudgeResultHandler is what the consumer feeds decoded results to.
type JudgeResultHandler interface {
	HandleJudgeResult(ctx context.Context, ev events.SubmissionJudged) error
}

// JudgeConsumerConfig holds configuration for the judge result consumer
type JudgeConsumerConfig struct {
	StreamName    string
	ConsumerName  string
	SubjectPrefix string        // results arrive on <prefix>.<contestId>
	MaxDeliver    int           // Max delivery attempts
	AckWait       time.Duration // How long to wait for ack
	MaxAckPending int
	MaxAge        time.Duration
	FetchTimeout  time.Duration // per batch during replay
}

func DefaultJudgeConsumerConfig() JudgeConsumerConfig {
	return JudgeConsumerConfig{
		StreamName:    "JUDGE_RESULTS",
		ConsumerName:  "arena-engine",
		SubjectPrefix: "judge.results",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 256,
		MaxAge:        14 * 24 * time.Hour,
		FetchTimeout:  2 * time.Second,
	}
}

// JudgeConsumer consumes judge results from JetStream. Delivery is at least
// once; scoring is idempotent per submission so redeliveries are harmless.
type JudgeConsumer struct {
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	handler  JudgeResultHandler
	config   JudgeConsumerConfig
}

// NewJudgeConsumer makes sure the stream and the durable consumer exist.
func NewJudgeConsumer(ctx context.Context, js jetstream.JetStream, handler JudgeResultHandler, config JudgeConsumerConfig) (*JudgeConsumer, error) {
	jc := &JudgeConsumer{js: js, handler: handler, config: config}
	if err := jc.ensureStream(ctx); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	if err := jc.ensureConsumer(ctx); err != nil {
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return jc, nil
}

func (jc *JudgeConsumer) subject(contestID uuid.UUID) string {
	return jc.config.SubjectPrefix + "." + contestID.String()
}

func (jc *JudgeConsumer) ensureStream(ctx context.Context) error {
	stream, err := jc.js.Stream(ctx, jc.config.StreamName)
	if err == nil {
		jc.stream = stream
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("get stream: %w", err)
	}

	stream, err = jc.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        jc.config.StreamName,
		Description: "Judge verdicts for contest submissions",
		Subjects:    []string{jc.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      jc.config.MaxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	log.Info().Str("stream", jc.config.StreamName).Msg("created JetStream stream")
	jc.stream = stream
	return nil
}

func (jc *JudgeConsumer) ensureConsumer(ctx context.Context) error {
	consumer, err := jc.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          jc.config.ConsumerName,
		Durable:       jc.config.ConsumerName,
		Description:   "Contest engine scoring consumer",
		FilterSubject: jc.config.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    jc.config.MaxDeliver,
		AckWait:       jc.config.AckWait,
		MaxAckPending: jc.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	log.Info().
		Str("consumer", jc.config.ConsumerName).
		Str("stream", jc.config.StreamName).
		Msg("judge result consumer ready")
	jc.consumer = consumer
	return nil
}

// Start consumes until ctx is cancelled.
func (jc *JudgeConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", jc.config.ConsumerName).
		Str("stream", jc.config.StreamName).
		Msg("starting judge result consumer")

	messageCh := make(chan jetstream.Msg, jc.config.MaxAckPending)
	consumeCtx, err := jc.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("judge result consumer shutting down")
			return nil
		case msg := <-messageCh:
			jc.process(ctx, msg)
		}
	}
}

// process ACKs results that were applied or can never apply, NAKs
// infrastructure failures for redelivery and terminates undecodable ones.
func (jc *JudgeConsumer) process(ctx context.Context, msg jetstream.Msg) {
	ev, err := decodeJudgeResult(msg.Subject(), msg.Data())
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("malformed judge result")
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
		return
	}

	err = jc.handler.HandleJudgeResult(ctx, ev)
	switch {
	case err == nil:
	case isDroppable(err):
		log.Warn().
			Err(err).
			Str("contest_id", ev.ContestID.String()).
			Str("user_id", ev.ParticipantID).
			Msg("dropping judge result")
	default:
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to apply judge result")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error().Err(nakErr).Msg("failed to NAK message")
		}
		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to ACK message")
	}
}

// Replay reads every stored result of a contest with an ordered consumer.
func (jc *JudgeConsumer) Replay(ctx context.Context, contestID uuid.UUID, fn func(events.SubmissionJudged) error) error {
	subject := jc.subject(contestID)

	info, err := jc.stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	total := info.State.Subjects[subject]
	if total == 0 {
		return nil
	}

	oc, err := jc.js.OrderedConsumer(ctx, jc.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create ordered consumer: %w", err)
	}

	var seen uint64
	for seen < total {
		batch, err := oc.Fetch(int(min(total-seen, 256)), jetstream.FetchMaxWait(jc.config.FetchTimeout))
		if err != nil {
			return fmt.Errorf("fetch judge results: %w", err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			seen++
			ev, err := decodeJudgeResult(msg.Subject(), msg.Data())
			if err != nil {
				log.Warn().Err(err).Str("subject", subject).Msg("skipping malformed judge result")
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return fmt.Errorf("fetch judge results: %w", err)
		}
		if n == 0 {
			break
		}
	}

	log.Debug().
		Str("contest_id", contestID.String()).
		Uint64("messages", seen).
		Msg("judge results replayed")
	return nil
}

// decodeJudgeResult parses a result and fills the contest from the subject
// when the body omits it.
func decodeJudgeResult(subject string, data []byte) (events.SubmissionJudged, error) {
	var ev events.SubmissionJudged
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal judge result: %w", err)
	}

	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return ev, nil
	}
	fromSubject, err := uuid.Parse(subject[i+1:])
	if err != nil {
		return ev, fmt.Errorf("subject %q does not name a contest", subject)
	}
	if ev.ContestID == uuid.Nil {
		ev.ContestID = fromSubject
	}
	if ev.ContestID != fromSubject {
		return ev, fmt.Errorf("contest %s published on %q", ev.ContestID, subject)
	}
	return ev, nil
}
