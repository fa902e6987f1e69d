package assign

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/logx"
)

var shiftNow = time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)

func clock() time.Time { return shiftNow }

func shift(facility uuid.UUID, limit int, specialties ...models.Specialty) models.SpecialistShift {
	return models.SpecialistShift{
		SpecialistID:  uuid.New(),
		FacilityID:    facility,
		Name:          "dr",
		Specialties:   models.NewSpecialtySet(specialties...),
		ShiftStart:    shiftNow.Add(-4 * time.Hour),
		ShiftEnd:      shiftNow.Add(4 * time.Hour),
		CapacityLimit: limit,
		Available:     true,
	}
}

type memStore struct {
	mu       sync.Mutex
	counts   map[uuid.UUID]int
	limits   map[uuid.UUID]int
	saved    map[uuid.UUID]models.Assignment
	released map[uuid.UUID]time.Time
}

func newMemStore(shifts ...models.SpecialistShift) *memStore {
	s := &memStore{counts: map[uuid.UUID]int{}, limits: map[uuid.UUID]int{}, saved: map[uuid.UUID]models.Assignment{}, released: map[uuid.UUID]time.Time{}}
	for _, sh := range shifts {
		s.limits[sh.SpecialistID] = sh.CapacityLimit
		s.counts[sh.SpecialistID] = sh.CurrentCount
	}
	return s
}

func (s *memStore) TryIncrement(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[id] >= s.limits[id] {
		return false, nil
	}
	s.counts[id]++
	return true, nil
}

func (s *memStore) Decrement(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[id] > 0 {
		s.counts[id]--
	}
	return nil
}

func (s *memStore) SaveAssignment(_ context.Context, a models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[a.ID] = a
	return nil
}

func (s *memStore) ReleaseAssignment(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[id] = at
	return nil
}

func TestAdmitPicksBestSpecialtyMatch(t *testing.T) {
	facility := uuid.New()
	generalist := shift(facility, 4, models.SpecialtyEmergencyMedicine)
	cardio := shift(facility, 4, models.SpecialtyCardiology, models.SpecialtyEmergencyMedicine)
	m := NewMatcher(newMemStore(generalist, cardio), logx.Discard(), clock)
	m.Load([]models.SpecialistShift{generalist, cardio})

	a, err := m.Admit(context.Background(), Request{
		CaseID:     uuid.New(),
		FacilityID: facility,
		Level:      models.SeverityUrgent,
		Required:   models.NewSpecialtySet(models.SpecialtyCardiology),
		Bracket:    models.AgeAdult,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if a.SpecialistID != cardio.SpecialistID {
		t.Fatalf("expected cardiologist, got %s (%s)", a.SpecialistID, a.Explanation)
	}
	if a.Explanation == "" || a.MatchScore <= 0 {
		t.Fatalf("expected explanation and score, got %#v", a)
	}
}

func TestTieBreaksOnLowestCount(t *testing.T) {
	facility := uuid.New()
	busy := shift(facility, 2, models.SpecialtyEmergencyMedicine)
	busy.CurrentCount = 1
	free := shift(facility, 2, models.SpecialtyEmergencyMedicine)
	m := NewMatcher(nil, logx.Discard(), clock)
	m.Load([]models.SpecialistShift{busy, free})

	a, err := m.Admit(context.Background(), Request{CaseID: uuid.New(), FacilityID: facility, Level: models.SeverityUrgent})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if a.SpecialistID != free.SpecialistID {
		t.Fatalf("expected the idle specialist")
	}
}

func TestCriticalCareAndAgeBonuses(t *testing.T) {
	sh := shift(uuid.New(), 4, models.SpecialtyCriticalCare, models.SpecialtyPediatrics)
	high, _ := Score(sh, 0, Request{Level: models.SeverityResuscitation, Bracket: models.AgePediatric})
	low, _ := Score(sh, 0, Request{Level: models.SeverityUrgent, Bracket: models.AgeAdult})
	// (100 + 20 + 25 + 20) * 1.5 versus (100 + 20) * 1.0
	if high != 247.5 || low != 120 {
		t.Fatalf("unexpected scores high=%v low=%v", high, low)
	}
}

func TestIneligibleSpecialistsAreSkipped(t *testing.T) {
	facility := uuid.New()
	off := shift(facility, 3, models.SpecialtyEmergencyMedicine)
	off.ShiftStart, off.ShiftEnd = shiftNow.Add(time.Hour), shiftNow.Add(9*time.Hour)
	away := shift(facility, 3, models.SpecialtyEmergencyMedicine)
	away.Available = false
	full := shift(facility, 1, models.SpecialtyEmergencyMedicine)
	full.CurrentCount = 1

	m := NewMatcher(nil, logx.Discard(), clock)
	m.Load([]models.SpecialistShift{off, away, full})
	_, err := m.Admit(context.Background(), Request{CaseID: uuid.New(), FacilityID: facility, Level: models.SeverityEmergent})
	if !errors.Is(err, ErrNoSuitableSpecialist) {
		t.Fatalf("expected ErrNoSuitableSpecialist, got %v", err)
	}

	_, err = m.Admit(context.Background(), Request{CaseID: uuid.New(), FacilityID: uuid.New(), Level: models.SeverityEmergent})
	if !errors.Is(err, ErrNoSpecialistsConfigured) {
		t.Fatalf("expected ErrNoSpecialistsConfigured, got %v", err)
	}
}

func TestOneActiveAssignmentPerCase(t *testing.T) {
	facility := uuid.New()
	sh := shift(facility, 5, models.SpecialtyEmergencyMedicine)
	m := NewMatcher(nil, logx.Discard(), clock)
	m.Load([]models.SpecialistShift{sh})
	req := Request{CaseID: uuid.New(), FacilityID: facility, Level: models.SeverityUrgent}

	if _, err := m.Admit(context.Background(), req); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := m.Admit(context.Background(), req); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if n, _ := m.Count(sh.SpecialistID); n != 1 {
		t.Fatalf("expected count 1, got %d", n)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	facility := uuid.New()
	sh := shift(facility, 2, models.SpecialtyEmergencyMedicine)
	store := newMemStore(sh)
	m := NewMatcher(store, logx.Discard(), clock)
	m.Load([]models.SpecialistShift{sh})
	caseID := uuid.New()

	a, err := m.Admit(context.Background(), Request{CaseID: caseID, FacilityID: facility, Level: models.SeverityUrgent})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	released, ok, err := m.Release(context.Background(), caseID)
	if err != nil || !ok || released.ReleasedAt == nil {
		t.Fatalf("release: %v %v %#v", ok, err, released)
	}
	if _, ok, err := m.Release(context.Background(), caseID); ok || err != nil {
		t.Fatalf("second release must be a no-op, got %v %v", ok, err)
	}
	if n, _ := m.Count(sh.SpecialistID); n != 0 {
		t.Fatalf("expected count 0, got %d", n)
	}
	if store.counts[sh.SpecialistID] != 0 {
		t.Fatalf("persisted count not decremented")
	}
	if _, ok := store.released[a.ID]; !ok {
		t.Fatalf("release not persisted")
	}
}

func TestPersistedLimitWinsOverMemory(t *testing.T) {
	facility := uuid.New()
	first := shift(facility, 2, models.SpecialtyEmergencyMedicine, models.SpecialtyCriticalCare)
	second := shift(facility, 2, models.SpecialtyEmergencyMedicine)
	store := newMemStore(first, second)
	// Another process already filled the first specialist.
	store.counts[first.SpecialistID] = 2

	m := NewMatcher(store, logx.Discard(), clock)
	m.Load([]models.SpecialistShift{first, second})
	a, err := m.Admit(context.Background(), Request{CaseID: uuid.New(), FacilityID: facility, Level: models.SeverityEmergent})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if a.SpecialistID != second.SpecialistID {
		t.Fatalf("expected fallback to the second specialist")
	}
	if n, _ := m.Count(first.SpecialistID); n != 0 {
		t.Fatalf("lost race must roll back the in-memory counter, got %d", n)
	}
}

func TestConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	facility := uuid.New()
	sh := shift(facility, 3, models.SpecialtyEmergencyMedicine)
	store := newMemStore(sh)
	m := NewMatcher(store, logx.Discard(), clock)
	m.Load([]models.SpecialistShift{sh})

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Admit(context.Background(), Request{CaseID: uuid.New(), FacilityID: facility, Level: models.SeverityUrgent})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrNoSuitableSpecialist):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 3 || rejected.Load() != 17 {
		t.Fatalf("expected 3 assigned and 17 rejected, got %d/%d", ok.Load(), rejected.Load())
	}
	if n, _ := m.Count(sh.SpecialistID); n != 3 || store.counts[sh.SpecialistID] != 3 {
		t.Fatalf("expected both counters at 3, got %d and %d", n, store.counts[sh.SpecialistID])
	}
}

func TestStaffingCounts(t *testing.T) {
	facility := uuid.New()
	full := shift(facility, 1, models.SpecialtyEmergencyMedicine)
	full.CurrentCount = 1
	free := shift(facility, 2, models.SpecialtyEmergencyMedicine)
	off := shift(facility, 2, models.SpecialtyEmergencyMedicine)
	off.ShiftEnd = shiftNow.Add(-time.Minute)

	m := NewMatcher(nil, logx.Discard(), clock)
	m.Load([]models.SpecialistShift{full, free, off})
	got := m.Staffing(facility, shiftNow)
	if got != (models.Staffing{OnShift: 2, Available: 1, Busy: 1}) {
		t.Fatalf("unexpected staffing %#v", got)
	}
}
