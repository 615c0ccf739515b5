package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

// NotifyChannel is the channel the insert trigger notifies with the event id.
const NotifyChannel = "contest_outbox_events"

// Schema creates the outbox table and its NOTIFY trigger.
const Schema = `
CREATE TABLE IF NOT EXISTS contest_outbox (
    id         UUID PRIMARY KEY,
    contest_id UUID        NOT NULL,
    event_type TEXT        NOT NULL,
    payload    JSONB       NOT NULL,
    metadata   JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    sent_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS contest_outbox_unsent_idx ON contest_outbox (created_at) WHERE sent_at IS NULL;

CREATE OR REPLACE FUNCTION notify_contest_outbox() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('` + NotifyChannel + `', NEW.id::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS contest_outbox_notify ON contest_outbox;
CREATE TRIGGER contest_outbox_notify AFTER INSERT ON contest_outbox
    FOR EACH ROW EXECUTE FUNCTION notify_contest_outbox();
`

const outboxColumns = `id, contest_id, event_type, payload, metadata, created_at, sent_at`

// PostgresRepository stores the outbox through database/sql and lib/pq.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	return sqlutil.InTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, Schema); err != nil {
			return fmt.Errorf("failed to create outbox schema: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) InsertOutbox(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contest_outbox (id, contest_id, event_type, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.ContestID, e.EventType, []byte(e.Payload), sqlutil.ToNullRawMessage(e.Metadata), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FetchUnsentOutbox(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM contest_outbox
		WHERE sent_at IS NULL ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) FetchOutboxByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM contest_outbox WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrEventNotFound)
	}
	return e, err
}

func (r *PostgresRepository) MarkOutboxSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contest_outbox SET sent_at = COALESCE(sent_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark outbox sent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", id, ErrEventNotFound)
	}
	return nil
}

func (r *PostgresRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contest_outbox WHERE sent_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		e        Event
		payload  []byte
		metadata pqtype.NullRawMessage
		sentAt   sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.ContestID, &e.EventType, &payload, &metadata, &e.CreatedAt, &sentAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan outbox event: %w", err)
	}
	e.Payload = payload
	e.Metadata = sqlutil.FromNullRawMessage(metadata)
	e.SentAt = sqlutil.FromSqlTime(sentAt)
	return &e, nil
}
