package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"emergency-dispatch/dispatch/internal/repos"
	"emergency-dispatch/shared/logx"
)

const (
	taskOutboxScan     = "outbox.scan"
	taskOutboxDispatch = "outbox.dispatch"

	sendingLease = 2 * time.Minute
)

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

type outboxStore interface {
	ReleaseStale(ctx context.Context, lease time.Duration) (int64, error)
	ClaimPending(ctx context.Context, owner string, limit int) ([]repos.OutboxEvent, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (repos.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
}

type publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type worker struct {
	store       outboxStore
	producer    publisher
	tasks       enqueuer
	owner       string
	queue       string
	batchSize   int
	maxAttempts int
	log         logx.Logger
	now         func() time.Time
}

func (w *worker) handleScan(ctx context.Context, _ *asynq.Task) error {
	if n, err := w.store.ReleaseStale(ctx, sendingLease); err != nil {
		w.log.Warn(ctx, "outbox_release_stale_failed", "stale outbox leases not released",
			slog.String("error_code", "PERSISTENCE_ERROR"),
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		w.log.Info(ctx, "outbox_stale_released", "released stale outbox leases", slog.Int64("count", n))
	}

	claimed, err := w.store.ClaimPending(ctx, w.owner, w.batchSize)
	if err != nil {
		return fmt.Errorf("claim outbox events: %w", err)
	}
	for _, event := range claimed {
		payload, _ := json.Marshal(dispatchPayload{EventID: event.EventID.String()})
		task := asynq.NewTask(taskOutboxDispatch, payload, asynq.Queue(w.queue), asynq.MaxRetry(0))
		if _, err := w.tasks.Enqueue(task); err != nil {
			w.log.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()),
			)
			w.fail(ctx, event, err)
		}
	}
	return nil
}

func (w *worker) handleDispatch(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
	span.SetAttributes(attribute.String("queue", w.queue))
	defer span.End()

	var payload dispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	event, err := w.store.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == repos.OutboxStatusDelivered || event.Status == repos.OutboxStatusDead {
		return nil
	}
	span.SetAttributes(
		attribute.String("messaging.destination", event.Topic),
		attribute.String("event_type", event.EventType),
	)

	headers := map[string]string{
		"event_id":       event.EventID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"published_at":   w.now().UTC().Format(time.RFC3339Nano),
	}
	if err := w.producer.Publish(ctx, event.Topic, []byte(event.AggregateID.String()), event.Payload, headers); err != nil {
		span.RecordError(err)
		w.fail(ctx, event, err)
		return nil
	}
	return w.store.MarkDelivered(ctx, event.EventID)
}

// fail schedules the next attempt or dead-letters the event. Retries are
// driven by the outbox row, not by asynq.
func (w *worker) fail(ctx context.Context, event repos.OutboxEvent, cause error) {
	attempts := event.Attempts + 1
	next := w.now().UTC().Add(retryDelay(attempts))
	dead := attempts >= w.maxAttempts
	if err := w.store.MarkFailed(ctx, event.EventID, attempts, &next, cause.Error(), dead); err != nil {
		w.log.Error(ctx, "outbox_mark_failed", "failed to record outbox failure",
			slog.String("error_code", "PERSISTENCE_ERROR"),
			slog.String("event_id", event.EventID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if dead {
		w.log.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", event.EventID.String()),
			slog.String("topic", event.Topic),
			slog.Int("attempts", attempts),
		)
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
