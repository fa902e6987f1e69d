package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"emergency-dispatch/shared/events"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

type OutboxEvent struct {
	EventID       uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Topic         string
	EventType     string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

const outboxColumns = `event_id, aggregate_type, aggregate_id, topic, event_type, payload, status, attempts,
	next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row scanner) (OutboxEvent, error) {
	var e OutboxEvent
	err := row.Scan(&e.EventID, &e.AggregateType, &e.AggregateID, &e.Topic, &e.EventType, &e.Payload, &e.Status, &e.Attempts,
		&e.NextRetryAt, &e.LockedAt, &e.LockedBy, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.PublishedAt)
	return e, err
}

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

func (r *OutboxRepo) Insert(ctx context.Context, db DBTX, event OutboxEvent) (OutboxEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}
	return scanOutbox(db.QueryRow(ctx, `
		INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (event_id) DO UPDATE SET updated_at = outbox_events.updated_at
		RETURNING `+outboxColumns,
		event.EventID, event.AggregateType, event.AggregateID, event.Topic, event.EventType, event.Payload, event.Status, event.Attempts,
		event.NextRetryAt, event.LockedAt, event.LockedBy, event.LastError, event.CreatedAt, event.UpdatedAt, event.PublishedAt))
}

// PublishEnvelope stages an envelope for the outbox worker. Re-staging the
// same event ID is a no-op.
func (r *OutboxRepo) PublishEnvelope(ctx context.Context, topic string, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = r.Insert(ctx, r.pool, OutboxEvent{
		EventID:       env.EventID,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		Topic:         topic,
		EventType:     env.EventType,
		Payload:       body,
	})
	return err
}

func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM outbox_events
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.aggregate_type, o.aggregate_id, o.topic, o.event_type, o.payload, o.status, o.attempts,
			o.next_retry_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at
	`, OutboxStatusPending, limit, OutboxStatusSending, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]OutboxEvent, 0, limit)
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (OutboxEvent, error) {
	return scanOutbox(r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = $1`, eventID))
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), updated_at = now()
		WHERE event_id = $1
	`, eventID, OutboxStatusDelivered)
	return err
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status = OutboxStatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReleaseStale returns events stuck in sending for longer than the lease to
// pending, e.g. after a worker crash.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, lease time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - make_interval(secs => $3)
	`, OutboxStatusPending, OutboxStatusSending, lease.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountByStatus feeds the outbox backlog gauge.
func (r *OutboxRepo) CountByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE status = $1`, status).Scan(&n)
	return n, err
}
