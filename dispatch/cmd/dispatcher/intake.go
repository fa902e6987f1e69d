package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"emergency-dispatch/dispatch/internal/engine"
	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/events"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
	"emergency-dispatch/shared/mqx"
)

var errMalformed = errors.New("malformed case event")

type caseEngine interface {
	Dispatch(ctx context.Context, c models.Case) (engine.Result, error)
	Reassess(ctx context.Context, c models.Case) (engine.Result, error)
	Cancel(ctx context.Context, caseID uuid.UUID, reason string) error
}

type cancelPayload struct {
	Reason string `json:"reason"`
}

// intake turns case envelopes into engine calls.
type intake struct {
	engine caseEngine
	log    logx.Logger
}

func (in *intake) handle(ctx context.Context, topic string, raw []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.AggregateID == uuid.Nil {
		return fmt.Errorf("%w: missing aggregate_id", errMalformed)
	}
	log := in.log.With(slog.String("case_id", env.AggregateID.String()), slog.String("event_id", env.EventID.String()))

	switch topic {
	case events.TopicCaseSubmitted, events.TopicCaseAmended:
		var c models.Case
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		if c.ID == uuid.Nil {
			c.ID = env.AggregateID
		}
		if c.ID != env.AggregateID {
			return fmt.Errorf("%w: payload case %s does not match aggregate", errMalformed, c.ID)
		}
		run := in.engine.Dispatch
		if topic == events.TopicCaseAmended {
			run = in.engine.Reassess
		}
		res, err := run(ctx, c)
		if err != nil {
			return err
		}
		log.Info(ctx, "case_dispatched", "case processed",
			slog.String("topic", topic),
			slog.String("outcome", string(res.Outcome)),
			slog.Int("level", int(res.Assessment.Level)),
		)
		return nil
	case events.TopicCaseCancelled:
		var p cancelPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("%w: %v", errMalformed, err)
			}
		}
		return in.engine.Cancel(ctx, env.AggregateID, p.Reason)
	default:
		return fmt.Errorf("%w: unexpected topic %s", errMalformed, topic)
	}
}

// permanent errors are committed past; retrying the message cannot succeed.
func permanent(err error) bool {
	var verr *engine.ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, errMalformed) ||
		errors.Is(err, engine.ErrDuplicateCase) ||
		errors.Is(err, engine.ErrCaseNotFound) ||
		errors.Is(err, engine.ErrCaseClosed) ||
		errors.Is(err, engine.ErrInvalidTransition)
}

func consume(ctx context.Context, reader *kafka.Reader, topic string, group string, in *intake, logger logx.Logger) {
	logger.Info(ctx, "consumer_start", "case consumer started",
		slog.String("topic", topic),
		slog.String("group", group),
	)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := mqx.StartConsumeSpan(ctx, msg)
		err = in.handle(spanCtx, topic, msg.Value)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err != nil {
			if !permanent(err) {
				logger.Error(ctx, "event_handle_failed", "failed to handle case event",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("topic", topic),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Warn(ctx, "event_rejected", "case event rejected",
				slog.String("error_code", "INVALID_ARGUMENT"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, group, stats.Lag)
	}
	logger.Info(context.Background(), "consumer_stop", "case consumer stopped", slog.String("topic", topic))
}
