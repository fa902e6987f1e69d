package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"emergency-dispatch/dispatch/internal/repos"
	"emergency-dispatch/shared/logx"
)

type fakeStore struct {
	events    map[uuid.UUID]repos.OutboxEvent
	claimed   []repos.OutboxEvent
	delivered []uuid.UUID
	failed    []failure
}

type failure struct {
	id       uuid.UUID
	attempts int
	dead     bool
}

func (s *fakeStore) ReleaseStale(context.Context, time.Duration) (int64, error) { return 0, nil }

func (s *fakeStore) ClaimPending(context.Context, string, int) ([]repos.OutboxEvent, error) {
	return s.claimed, nil
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (repos.OutboxEvent, error) {
	e, ok := s.events[id]
	if !ok {
		return repos.OutboxEvent{}, errors.New("not found")
	}
	return e, nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, id uuid.UUID) error {
	s.delivered = append(s.delivered, id)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, attempts int, _ *time.Time, _ string, dead bool) error {
	s.failed = append(s.failed, failure{id: id, attempts: attempts, dead: dead})
	return nil
}

type fakeProducer struct {
	err    error
	topics []string
}

func (p *fakeProducer) Publish(_ context.Context, topic string, _ []byte, _ []byte, _ map[string]string) error {
	p.topics = append(p.topics, topic)
	return p.err
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (q *fakeEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func newWorker(store *fakeStore, producer *fakeProducer, tasks *fakeEnqueuer) *worker {
	return &worker{
		store:       store,
		producer:    producer,
		tasks:       tasks,
		owner:       "test",
		queue:       "outbox",
		batchSize:   10,
		maxAttempts: 3,
		log:         logx.Discard(),
		now:         time.Now,
	}
}

func dispatchTask(t *testing.T, id uuid.UUID) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(dispatchPayload{EventID: id.String()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return asynq.NewTask(taskOutboxDispatch, payload)
}

func TestScanEnqueuesClaimedEvents(t *testing.T) {
	store := &fakeStore{claimed: []repos.OutboxEvent{{EventID: uuid.New()}, {EventID: uuid.New()}}}
	tasks := &fakeEnqueuer{}
	if err := newWorker(store, &fakeProducer{}, tasks).handleScan(context.Background(), nil); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(tasks.tasks) != 2 || tasks.tasks[0].Type() != taskOutboxDispatch {
		t.Fatalf("expected two dispatch tasks, got %d", len(tasks.tasks))
	}
}

func TestDispatchPublishesAndMarksDelivered(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{events: map[uuid.UUID]repos.OutboxEvent{
		id: {EventID: id, Topic: "dispatch.notifications", Status: repos.OutboxStatusSending},
	}}
	producer := &fakeProducer{}
	if err := newWorker(store, producer, &fakeEnqueuer{}).handleDispatch(context.Background(), dispatchTask(t, id)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(producer.topics) != 1 || producer.topics[0] != "dispatch.notifications" {
		t.Fatalf("unexpected publishes: %v", producer.topics)
	}
	if len(store.delivered) != 1 || store.delivered[0] != id {
		t.Fatalf("expected event marked delivered")
	}
}

func TestDispatchFailureDeadLettersAtMaxAttempts(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{events: map[uuid.UUID]repos.OutboxEvent{
		id: {EventID: id, Topic: "dispatch.audit", Status: repos.OutboxStatusSending, Attempts: 2},
	}}
	producer := &fakeProducer{err: errors.New("broker down")}
	if err := newWorker(store, producer, &fakeEnqueuer{}).handleDispatch(context.Background(), dispatchTask(t, id)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(store.failed) != 1 || store.failed[0].attempts != 3 || !store.failed[0].dead {
		t.Fatalf("expected dead-lettered failure, got %#v", store.failed)
	}
	if len(store.delivered) != 0 {
		t.Fatalf("failed event must not be marked delivered")
	}
}

func TestDispatchSkipsDeliveredEvent(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{events: map[uuid.UUID]repos.OutboxEvent{
		id: {EventID: id, Status: repos.OutboxStatusDelivered},
	}}
	producer := &fakeProducer{}
	if err := newWorker(store, producer, &fakeEnqueuer{}).handleDispatch(context.Background(), dispatchTask(t, id)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(producer.topics) != 0 {
		t.Fatalf("delivered event must not be republished")
	}
}

func TestRetryDelay(t *testing.T) {
	cases := map[int]time.Duration{0: 5 * time.Second, 1: 5 * time.Second, 2: 20 * time.Second, 3: 45 * time.Second, 10: 5 * time.Minute}
	for attempt, want := range cases {
		if got := retryDelay(attempt); got != want {
			t.Fatalf("attempt %d: got %s want %s", attempt, got, want)
		}
	}
}
