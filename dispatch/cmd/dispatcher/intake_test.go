package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/engine"
	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/events"
	"emergency-dispatch/shared/logx"
)

type fakeEngine struct {
	dispatched []models.Case
	reassessed []models.Case
	cancelled  map[uuid.UUID]string
	err        error
}

func (f *fakeEngine) Dispatch(_ context.Context, c models.Case) (engine.Result, error) {
	f.dispatched = append(f.dispatched, c)
	return engine.Result{CaseID: c.ID, Outcome: engine.OutcomeAssigned}, f.err
}

func (f *fakeEngine) Reassess(_ context.Context, c models.Case) (engine.Result, error) {
	f.reassessed = append(f.reassessed, c)
	return engine.Result{CaseID: c.ID}, f.err
}

func (f *fakeEngine) Cancel(_ context.Context, id uuid.UUID, reason string) error {
	if f.cancelled == nil {
		f.cancelled = map[uuid.UUID]string{}
	}
	f.cancelled[id] = reason
	return f.err
}

func envelope(t *testing.T, id uuid.UUID, eventType string, payload any) []byte {
	t.Helper()
	env, err := events.New(events.AggregateCase, id, eventType, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestIntakeRoutesByTopic(t *testing.T) {
	eng := &fakeEngine{}
	in := &intake{engine: eng, log: logx.Discard()}
	id := uuid.New()
	ctx := context.Background()

	if err := in.handle(ctx, events.TopicCaseSubmitted, envelope(t, id, "case_submitted", map[string]any{"incident_type": "fall"})); err != nil {
		t.Fatalf("submitted: %v", err)
	}
	if len(eng.dispatched) != 1 || eng.dispatched[0].ID != id || eng.dispatched[0].IncidentType != "fall" {
		t.Fatalf("expected case dispatched with aggregate id, got %#v", eng.dispatched)
	}
	if err := in.handle(ctx, events.TopicCaseAmended, envelope(t, id, "case_amended", map[string]any{"incident_type": "fall"})); err != nil {
		t.Fatalf("amended: %v", err)
	}
	if len(eng.reassessed) != 1 {
		t.Fatalf("expected reassessment")
	}
	if err := in.handle(ctx, events.TopicCaseCancelled, envelope(t, id, "case_cancelled", cancelPayload{Reason: "duplicate call"})); err != nil {
		t.Fatalf("cancelled: %v", err)
	}
	if eng.cancelled[id] != "duplicate call" {
		t.Fatalf("expected cancel reason, got %#v", eng.cancelled)
	}
}

func TestIntakeRejectsMalformed(t *testing.T) {
	in := &intake{engine: &fakeEngine{}, log: logx.Discard()}
	ctx := context.Background()

	err := in.handle(ctx, events.TopicCaseSubmitted, []byte("{not json"))
	if !errors.Is(err, errMalformed) || !permanent(err) {
		t.Fatalf("expected permanent malformed error, got %v", err)
	}
	other := uuid.New()
	err = in.handle(ctx, events.TopicCaseSubmitted, envelope(t, uuid.New(), "case_submitted", map[string]any{"case_id": other}))
	if !errors.Is(err, errMalformed) {
		t.Fatalf("expected mismatched ids rejected, got %v", err)
	}
}

func TestPermanentClassification(t *testing.T) {
	if !permanent(&engine.ValidationError{}) || !permanent(engine.ErrDuplicateCase) {
		t.Fatalf("validation and duplicate errors are permanent")
	}
	if permanent(errors.New("connection reset")) {
		t.Fatalf("infrastructure errors must be retried")
	}
}
