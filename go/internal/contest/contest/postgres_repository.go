package contest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mcdev12/arena/go/internal/models"
)

// Schema creates the contest tables. EndTime is derived and never stored.
const Schema = `
CREATE TABLE IF NOT EXISTS contests (
    id                         UUID PRIMARY KEY,
    name                       TEXT        NOT NULL,
    start_time                 TIMESTAMPTZ NOT NULL,
    duration_minutes           INT         NOT NULL CHECK (duration_minutes BETWEEN 5 AND 720),
    status                     TEXT        NOT NULL,
    ranking_policy             TEXT        NOT NULL,
    allow_late_join            BOOLEAN     NOT NULL DEFAULT false,
    late_join_deadline_minutes INT         NOT NULL DEFAULT 0,
    freeze_leaderboard_minutes INT         NOT NULL DEFAULT 0,
    require_registration       BOOLEAN     NOT NULL DEFAULT false,
    is_active                  BOOLEAN     NOT NULL DEFAULT true,
    problems                   JSONB       NOT NULL DEFAULT '[]',
    scoring                    JSONB       NOT NULL DEFAULT '{}',
    penalty                    JSONB       NOT NULL DEFAULT '{}',
    created_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at                   TIMESTAMPTZ
);
ALTER TABLE contests ADD COLUMN IF NOT EXISTS ended_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS contests_status_idx ON contests (status);

CREATE TABLE IF NOT EXISTS contest_participants (
    contest_id      UUID             NOT NULL REFERENCES contests (id) ON DELETE CASCADE,
    user_id         TEXT             NOT NULL,
    registered_at   TIMESTAMPTZ      NOT NULL,
    effective_start TIMESTAMPTZ      NOT NULL,
    adjustment      DOUBLE PRECISION NOT NULL DEFAULT 0,
    hidden          BOOLEAN          NOT NULL DEFAULT false,
    PRIMARY KEY (contest_id, user_id)
);
`

const contestColumns = `id, name, start_time, duration_minutes, status, ranking_policy,
	allow_late_join, late_join_deadline_minutes, freeze_leaderboard_minutes,
	require_registration, is_active, problems, scoring, penalty, created_at, updated_at, ended_at`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements contest data access on pgx
type PostgresRepository struct {
	db Querier
}

// NewPostgresRepository creates a new contest repository
func NewPostgresRepository(db Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema applies Schema; every statement is idempotent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply contest schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateContest(ctx context.Context, c models.Contest) (*models.Contest, error) {
	problems, scoring, penalty, err := marshalContestJSON(c)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO contests (`+contestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING `+contestColumns,
		c.ID, c.Name, c.StartTime, c.DurationMinutes, string(c.Status), string(c.RankingPolicy),
		c.AllowLateJoin, c.LateJoinDeadlineMinutes, c.FreezeLeaderboardMinutes,
		c.RequireRegistration, c.IsActive, problems, scoring, penalty, c.CreatedAt, c.UpdatedAt, c.EndedAt,
	)
	created, err := scanContest(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create contest: %w", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	row := r.db.QueryRow(ctx, `SELECT `+contestColumns+` FROM contests WHERE id = $1`, id)
	c, err := scanContest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrContestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contest: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) ListContests(ctx context.Context, statuses ...models.ContestStatus) ([]models.Contest, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = r.db.Query(ctx, `SELECT `+contestColumns+` FROM contests ORDER BY start_time, id`)
	} else {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		rows, err = r.db.Query(ctx, `SELECT `+contestColumns+` FROM contests WHERE status = ANY($1) ORDER BY start_time, id`, ss)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list contests: %w", err)
	}
	defer rows.Close()

	var out []models.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contest: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list contests: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListPendingContests(ctx context.Context) ([]models.Contest, error) {
	return r.ListContests(ctx, models.ContestStatusScheduled, models.ContestStatusLive)
}

func (r *PostgresRepository) UpdateContest(ctx context.Context, c models.Contest, expected models.ContestStatus) (*models.Contest, error) {
	problems, scoring, penalty, err := marshalContestJSON(c)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx, `
		UPDATE contests SET
			name = $3, start_time = $4, duration_minutes = $5, ranking_policy = $6,
			allow_late_join = $7, late_join_deadline_minutes = $8, freeze_leaderboard_minutes = $9,
			require_registration = $10, is_active = $11, problems = $12, scoring = $13, penalty = $14,
			updated_at = $15
		WHERE id = $1 AND status = $2
		RETURNING `+contestColumns,
		c.ID, string(expected), c.Name, c.StartTime, c.DurationMinutes, string(c.RankingPolicy),
		c.AllowLateJoin, c.LateJoinDeadlineMinutes, c.FreezeLeaderboardMinutes,
		c.RequireRegistration, c.IsActive, problems, scoring, penalty, c.UpdatedAt,
	)
	updated, err := scanContest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missOrMismatch(ctx, c.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update contest: %w", err)
	}
	return updated, nil
}

func (r *PostgresRepository) UpdateContestStatus(ctx context.Context, id uuid.UUID, from, to models.ContestStatus, at time.Time) (*models.Contest, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE contests SET status = $3, updated_at = $4,
			ended_at = CASE WHEN $3 = 'ended' THEN $4 ELSE ended_at END
		WHERE id = $1 AND status = $2
		RETURNING `+contestColumns,
		id, string(from), string(to), at,
	)
	updated, err := scanContest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missOrMismatch(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update contest status: %w", err)
	}
	return updated, nil
}

func (r *PostgresRepository) UpsertParticipant(ctx context.Context, p models.Participant) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO contest_participants (contest_id, user_id, registered_at, effective_start, adjustment, hidden)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (contest_id, user_id) DO UPDATE
		SET adjustment = EXCLUDED.adjustment, hidden = EXCLUDED.hidden`,
		p.ContestID, p.UserID, p.RegisteredAt, p.EffectiveStart, p.Adjustment, p.Hidden,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListParticipants(ctx context.Context, contestID uuid.UUID) ([]models.Participant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT contest_id, user_id, registered_at, effective_start, adjustment, hidden
		FROM contest_participants WHERE contest_id = $1 ORDER BY user_id`, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ContestID, &p.UserID, &p.RegisteredAt, &p.EffectiveStart, &p.Adjustment, &p.Hidden); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) missOrMismatch(ctx context.Context, id uuid.UUID) error {
	if _, err := r.GetContest(ctx, id); err != nil {
		return err
	}
	return ErrStatusMismatch
}

func marshalContestJSON(c models.Contest) (problems, scoring, penalty []byte, err error) {
	if c.Problems == nil {
		c.Problems = []models.ContestProblem{}
	}
	if problems, err = json.Marshal(c.Problems); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal problems: %w", err)
	}
	if scoring, err = json.Marshal(c.Scoring); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal scoring rule: %w", err)
	}
	if penalty, err = json.Marshal(c.Penalty); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal penalty rule: %w", err)
	}
	return problems, scoring, penalty, nil
}

func scanContest(row pgx.Row) (*models.Contest, error) {
	var (
		c                          models.Contest
		status, policy             string
		problems, scoring, penalty []byte
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.StartTime, &c.DurationMinutes, &status, &policy,
		&c.AllowLateJoin, &c.LateJoinDeadlineMinutes, &c.FreezeLeaderboardMinutes,
		&c.RequireRegistration, &c.IsActive, &problems, &scoring, &penalty, &c.CreatedAt, &c.UpdatedAt, &c.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = models.ContestStatus(status)
	c.RankingPolicy = models.RankingPolicy(policy)
	c.StartTime = c.StartTime.UTC()

	if err := json.Unmarshal(problems, &c.Problems); err != nil {
		return nil, fmt.Errorf("failed to unmarshal problems: %w", err)
	}
	if err := json.Unmarshal(scoring, &c.Scoring); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scoring rule: %w", err)
	}
	if err := json.Unmarshal(penalty, &c.Penalty); err != nil {
		return nil, fmt.Errorf("failed to unmarshal penalty rule: %w", err)
	}
	return &c, nil
}
