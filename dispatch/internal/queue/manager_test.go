package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/retryx"
	"emergency-dispatch/shared/workflow"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type memStore struct {
	mu       sync.Mutex
	rows     map[string]models.QueueEntry
	loads    map[uuid.UUID]int
	failNext []error
	calls    int
}

func (s *memStore) UpsertEntries(_ context.Context, entries []models.QueueEntry, load models.LoadChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return err
	}
	if s.rows == nil {
		s.rows = map[string]models.QueueEntry{}
	}
	if s.loads == nil {
		s.loads = map[uuid.UUID]int{}
	}
	for _, e := range entries {
		s.rows[e.FacilityID.String()+"/"+e.CaseID.String()] = e
	}
	if load.Delta != 0 {
		s.loads[load.FacilityID] = max(s.loads[load.FacilityID]+load.Delta, 0)
	}
	return nil
}

func (s *memStore) ListFacilityWaiting(_ context.Context, facilityID uuid.UUID) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, e := range s.rows {
		if e.FacilityID == facilityID && e.Status == workflow.EntryStatusWaiting {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *memStore) waitingPositions(facilityID uuid.UUID) []int {
	list, _ := s.ListFacilityWaiting(context.Background(), facilityID)
	out := make([]int, 0, len(list))
	for _, e := range list {
		out = append(out, e.Position)
	}
	return out
}

type loadRecorder struct {
	mu     sync.Mutex
	deltas map[uuid.UUID]int
}

func (r *loadRecorder) AdjustLoad(facilityID uuid.UUID, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deltas == nil {
		r.deltas = map[uuid.UUID]int{}
	}
	r.deltas[facilityID] += delta
}

func newTestManager(store Store) *Manager {
	clock := &stepClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(Options{
		Store:    store,
		Baseline: 20 * time.Minute,
		Retry:    retryx.Policy{MaxRetries: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond},
		Now:      clock.Now,
	})
}

func TestAdmitOrdersByPriorityThenArrival(t *testing.T) {
	m := newTestManager(&memStore{})
	facility := uuid.New()
	first, second, urgent := uuid.New(), uuid.New(), uuid.New()

	for _, req := range []AdmitRequest{
		{CaseID: first, FacilityID: facility, PriorityScore: 60},
		{CaseID: second, FacilityID: facility, PriorityScore: 60},
		{CaseID: urgent, FacilityID: facility, PriorityScore: 100},
	} {
		if _, err := m.Admit(context.Background(), req); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}

	snap := m.Snapshot(facility)
	want := []uuid.UUID{urgent, first, second}
	for i, e := range snap {
		if e.CaseID != want[i] || e.Position != i+1 {
			t.Fatalf("position %d: got case %s at %d", i+1, e.CaseID, e.Position)
		}
		// No facility lookup configured, so position times the 20m baseline.
		if e.EstimatedWait != time.Duration(i+1)*20*time.Minute {
			t.Fatalf("position %d: unexpected wait %s", i+1, e.EstimatedWait)
		}
	}
}

func TestDuplicateAdmitReturnsExistingEntry(t *testing.T) {
	m := newTestManager(&memStore{})
	req := AdmitRequest{CaseID: uuid.New(), FacilityID: uuid.New(), PriorityScore: 40}
	first, err := m.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	again, err := m.Admit(context.Background(), req)
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if again.CaseID != first.CaseID || !again.EnteredAt.Equal(first.EnteredAt) {
		t.Fatalf("expected the existing entry back, got %#v", again)
	}
	if n := len(m.Snapshot(req.FacilityID)); n != 1 {
		t.Fatalf("expected one entry, got %d", n)
	}
}

func TestPreconditionFailureWritesNothing(t *testing.T) {
	store := &memStore{}
	m := newTestManager(store)
	cancelled := errors.New("case cancelled")
	_, err := m.Admit(context.Background(), AdmitRequest{
		CaseID:       uuid.New(),
		FacilityID:   uuid.New(),
		Precondition: func() error { return cancelled },
	})
	if !errors.Is(err, cancelled) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if store.calls != 0 {
		t.Fatalf("store must not be written, got %d calls", store.calls)
	}
}

func TestConflictIsRetriedAndPermanentFailureLeavesQueueUntouched(t *testing.T) {
	store := &memStore{failNext: []error{errors.Join(retryx.ErrConflict, errors.New("serialization failure"))}}
	m := newTestManager(store)
	facility := uuid.New()
	if _, err := m.Admit(context.Background(), AdmitRequest{CaseID: uuid.New(), FacilityID: facility, PriorityScore: 10}); err != nil {
		t.Fatalf("expected conflict to be retried, got %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 store calls, got %d", store.calls)
	}

	store.failNext = []error{errors.New("disk full")}
	if _, err := m.Admit(context.Background(), AdmitRequest{CaseID: uuid.New(), FacilityID: facility, PriorityScore: 10}); err == nil {
		t.Fatalf("expected permanent failure")
	}
	if n := len(m.Snapshot(facility)); n != 1 {
		t.Fatalf("failed admit must not change the queue, got %d entries", n)
	}
}

func TestRemoveMarksEntryAndCompactsPositions(t *testing.T) {
	store := &memStore{}
	m := newTestManager(store)
	facility := uuid.New()
	a, b := uuid.New(), uuid.New()
	_, _ = m.Admit(context.Background(), AdmitRequest{CaseID: a, FacilityID: facility, PriorityScore: 90})
	_, _ = m.Admit(context.Background(), AdmitRequest{CaseID: b, FacilityID: facility, PriorityScore: 50})

	removed, err := m.Remove(context.Background(), a, "cancelled")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(removed) != 1 || removed[0].Status != workflow.EntryStatusRemoved || removed[0].RemovedReason != "cancelled" {
		t.Fatalf("unexpected removed entries %#v", removed)
	}
	snap := m.Snapshot(facility)
	if len(snap) != 1 || snap[0].CaseID != b || snap[0].Position != 1 {
		t.Fatalf("expected b alone at position 1, got %#v", snap)
	}
	if row := store.rows[facility.String()+"/"+a.String()]; row.Status != workflow.EntryStatusRemoved {
		t.Fatalf("removed status not persisted: %#v", row)
	}

	if again, err := m.Remove(context.Background(), a, "cancelled"); err != nil || len(again) != 0 {
		t.Fatalf("second remove must be a no-op, got %v %v", again, err)
	}
}

func TestUpdatePriorityMovesEntry(t *testing.T) {
	m := newTestManager(&memStore{})
	facility := uuid.New()
	a, b := uuid.New(), uuid.New()
	_, _ = m.Admit(context.Background(), AdmitRequest{CaseID: a, FacilityID: facility, PriorityScore: 80})
	_, _ = m.Admit(context.Background(), AdmitRequest{CaseID: b, FacilityID: facility, PriorityScore: 40})

	e, err := m.UpdatePriority(context.Background(), b, facility, 100)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if e.Position != 1 {
		t.Fatalf("expected b at position 1, got %d", e.Position)
	}
	if _, err := m.UpdatePriority(context.Background(), uuid.New(), facility, 1); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued, got %v", err)
	}
}

func TestConcurrentAdmitsKeepPositionsUnique(t *testing.T) {
	m := newTestManager(&memStore{})
	facility := uuid.New()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Admit(context.Background(), AdmitRequest{CaseID: uuid.New(), FacilityID: facility, PriorityScore: float64(i % 5)})
			if err != nil {
				t.Errorf("admit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	snap := m.Snapshot(facility)
	if len(snap) != n {
		t.Fatalf("expected %d entries, got %d", n, len(snap))
	}
	for i, e := range snap {
		if e.Position != i+1 {
			t.Fatalf("entry %d has position %d", i, e.Position)
		}
		if i > 0 && snap[i-1].PriorityScore < e.PriorityScore {
			t.Fatalf("queue not ordered at %d", i)
		}
	}
}

type countingLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	locks int
}

func (l *countingLocker) Lock(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, fmt.Errorf("%s already held", name)
	}
	l.held[name] = true
	l.locks++
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, nil
}

func TestDistributedLockIsTakenPerMutation(t *testing.T) {
	locker := &countingLocker{held: map[string]bool{}}
	m := newTestManager(&memStore{})
	m.locker = locker
	facility := uuid.New()
	if _, err := m.Admit(context.Background(), AdmitRequest{CaseID: uuid.New(), FacilityID: facility}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.Reorder(context.Background(), facility); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if locker.locks != 2 || len(locker.held) != 0 {
		t.Fatalf("expected two balanced lock cycles, got %d held=%v", locker.locks, locker.held)
	}
}

func TestRestoreSkipsRemovedEntries(t *testing.T) {
	m := newTestManager(nil)
	facility := uuid.New()
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	m.Restore(context.Background(), []models.QueueEntry{
		{CaseID: uuid.New(), FacilityID: facility, Status: workflow.EntryStatusWaiting, PriorityScore: 20, EnteredAt: at},
		{CaseID: uuid.New(), FacilityID: facility, Status: workflow.EntryStatusRemoved, PriorityScore: 99, EnteredAt: at},
		{CaseID: uuid.New(), FacilityID: facility, Status: workflow.EntryStatusWaiting, PriorityScore: 80, EnteredAt: at},
	})
	snap := m.Snapshot(facility)
	if len(snap) != 2 || snap[0].PriorityScore != 80 || snap[1].Position != 2 {
		t.Fatalf("unexpected restored queue %#v", snap)
	}
}

func TestAdmitAndRemoveChangeFacilityLoad(t *testing.T) {
	store := &memStore{}
	loads := &loadRecorder{}
	m := newTestManager(store)
	m.loads = loads
	facility := uuid.New()
	a, b := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{a, b} {
		if _, err := m.Admit(context.Background(), AdmitRequest{CaseID: id, FacilityID: facility, PriorityScore: 50}); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}
	// A duplicate admit changes nothing.
	_, _ = m.Admit(context.Background(), AdmitRequest{CaseID: a, FacilityID: facility, PriorityScore: 50})
	if store.loads[facility] != 2 || loads.deltas[facility] != 2 {
		t.Fatalf("expected load 2 after two admits, store=%d observed=%d", store.loads[facility], loads.deltas[facility])
	}

	if _, err := m.Remove(context.Background(), a, "completed"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if store.loads[facility] != 1 || loads.deltas[facility] != 1 {
		t.Fatalf("expected load 1 after removal, store=%d observed=%d", store.loads[facility], loads.deltas[facility])
	}

	store.failNext = []error{errors.New("disk full")}
	if _, err := m.Admit(context.Background(), AdmitRequest{CaseID: uuid.New(), FacilityID: facility}); err == nil {
		t.Fatalf("expected permanent failure")
	}
	if loads.deltas[facility] != 1 {
		t.Fatalf("failed admit must not change the observed load, got %d", loads.deltas[facility])
	}
}

func TestManagersSharingStoreSeeEachOthersEntries(t *testing.T) {
	store := &memStore{}
	locker := &countingLocker{held: map[string]bool{}}
	first, second := newTestManager(store), newTestManager(store)
	first.locker, second.locker = locker, locker
	facility := uuid.New()

	for i, m := range []*Manager{first, second, first, second} {
		if _, err := m.Admit(context.Background(), AdmitRequest{CaseID: uuid.New(), FacilityID: facility, PriorityScore: 50}); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	got := store.waitingPositions(facility)
	if len(got) != 4 {
		t.Fatalf("expected 4 waiting rows, got %v", got)
	}
	for i, pos := range got {
		if pos != i+1 {
			t.Fatalf("persisted positions must be 1..4, got %v", got)
		}
	}
	if store.loads[facility] != 4 {
		t.Fatalf("expected load 4, got %d", store.loads[facility])
	}

	// A removal through one instance is visible to the other.
	victim := first.Snapshot(facility)[0].CaseID
	if _, err := second.Remove(context.Background(), victim, "cancelled"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := first.Reorder(context.Background(), facility); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	snap := first.Snapshot(facility)
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries after remote removal, got %d", len(snap))
	}
	for _, e := range snap {
		if e.CaseID == victim {
			t.Fatalf("removed case still queued locally")
		}
	}
}
