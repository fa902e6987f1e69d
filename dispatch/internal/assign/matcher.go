package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
)

var (
	ErrAlreadyAssigned         = errors.New("assign: case already has an active assignment")
	ErrNoSpecialistsConfigured = errors.New("assign: no specialists configured for facility")
	ErrNoSuitableSpecialist    = errors.New("assign: no suitable specialist available")
)

// SpecialistStore is the persistent side of the roster. TryIncrement must be
// a single conditional write that reports false when the specialist is
// already at capacity.
type SpecialistStore interface {
	TryIncrement(ctx context.Context, specialistID uuid.UUID) (bool, error)
	Decrement(ctx context.Context, specialistID uuid.UUID) error
	SaveAssignment(ctx context.Context, a models.Assignment) error
	ReleaseAssignment(ctx context.Context, assignmentID uuid.UUID, at time.Time) error
}

type Request struct {
	CaseID     uuid.UUID
	FacilityID uuid.UUID
	Level      models.Severity
	Required   models.SpecialtySet
	Bracket    models.AgeBracket
}

var severityMultiplier = map[models.Severity]float64{
	models.SeverityResuscitation: 1.5,
	models.SeverityEmergent:      1.3,
	models.SeverityUrgent:        1.0,
	models.SeverityLessUrgent:    0.9,
	models.SeverityNonUrgent:     0.8,
}

// specialist keeps its counter across roster reloads; only the shift data
// is swapped.
type specialist struct {
	shift atomic.Pointer[models.SpecialistShift]
	count atomic.Int32
}

func newSpecialist(sh models.SpecialistShift) *specialist {
	sp := &specialist{}
	sp.shift.Store(&sh)
	sp.count.Store(int32(sh.CurrentCount))
	return sp
}

func (s *specialist) info() models.SpecialistShift { return *s.shift.Load() }

// tryAcquire increments the counter unless the limit is reached.
func (s *specialist) tryAcquire() bool {
	for {
		c := s.count.Load()
		if int(c) >= s.info().CapacityLimit {
			return false
		}
		if s.count.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

func (s *specialist) release() {
	for {
		c := s.count.Load()
		if c <= 0 {
			return
		}
		if s.count.CompareAndSwap(c, c-1) {
			return
		}
	}
}

type Matcher struct {
	mu         sync.RWMutex
	byFacility map[uuid.UUID][]*specialist
	byID       map[uuid.UUID]*specialist

	amu     sync.Mutex
	active  map[uuid.UUID]models.Assignment
	pending map[uuid.UUID]bool

	store SpecialistStore
	log   logx.Logger
	now   func() time.Time
}

func NewMatcher(store SpecialistStore, log logx.Logger, now func() time.Time) *Matcher {
	if now == nil {
		now = time.Now
	}
	return &Matcher{
		byFacility: make(map[uuid.UUID][]*specialist),
		byID:       make(map[uuid.UUID]*specialist),
		active:     make(map[uuid.UUID]models.Assignment),
		pending:    make(map[uuid.UUID]bool),
		store:      store,
		log:        log,
		now:        now,
	}
}

// Load installs the roster. Specialists already known keep their in-memory
// counters and only pick up the new shift data; new ones start from the
// persisted count. Specialists missing from shifts leave the roster.
func (m *Matcher) Load(shifts []models.SpecialistShift) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byFacility := make(map[uuid.UUID][]*specialist)
	byID := make(map[uuid.UUID]*specialist, len(shifts))
	for _, sh := range shifts {
		sp, ok := m.byID[sh.SpecialistID]
		if ok {
			sh := sh
			sp.shift.Store(&sh)
		} else {
			sp = newSpecialist(sh)
		}
		byFacility[sh.FacilityID] = append(byFacility[sh.FacilityID], sp)
		byID[sh.SpecialistID] = sp
	}
	m.byFacility = byFacility
	m.byID = byID
}

// Restore re-registers active assignments after a restart.
func (m *Matcher) Restore(assignments []models.Assignment) {
	m.amu.Lock()
	defer m.amu.Unlock()
	for _, a := range assignments {
		if a.Active() {
			m.active[a.CaseID] = a
		}
	}
}

type scored struct {
	sp          *specialist
	score       float64
	explanation string
}

// Admit assigns the best available specialist at the facility. Counters
// never exceed a specialist's limit; a candidate lost to a concurrent admit
// is skipped in favour of the next.
func (m *Matcher) Admit(ctx context.Context, req Request) (models.Assignment, error) {
	if err := m.reserve(req.CaseID); err != nil {
		return models.Assignment{}, err
	}
	assigned := false
	defer func() {
		if !assigned {
			m.unreserve(req.CaseID)
		}
	}()

	m.mu.RLock()
	roster := append([]*specialist(nil), m.byFacility[req.FacilityID]...)
	m.mu.RUnlock()
	if len(roster) == 0 {
		metricsx.IncAssignmentOutcome("no_specialists")
		return models.Assignment{}, fmt.Errorf("%w: %s", ErrNoSpecialistsConfigured, req.FacilityID)
	}

	now := m.now()
	candidates := make([]scored, 0, len(roster))
	for _, sp := range roster {
		sh := sp.info()
		if !sh.Available || int(sp.count.Load()) >= sh.CapacityLimit || !sh.OnShift(now) {
			continue
		}
		score, why := Score(sh, int(sp.count.Load()), req)
		candidates = append(candidates, scored{sp: sp, score: score, explanation: why})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		ca, cb := a.sp.count.Load(), b.sp.count.Load()
		if ca != cb {
			return ca < cb
		}
		return a.sp.info().SpecialistID.String() < b.sp.info().SpecialistID.String()
	})

	for _, c := range candidates {
		if !c.sp.tryAcquire() {
			metricsx.IncAssignmentOutcome("race_lost")
			continue
		}
		a, ok, err := m.commit(ctx, req, c, now)
		if err != nil {
			c.sp.release()
			return models.Assignment{}, err
		}
		if !ok {
			c.sp.release()
			metricsx.IncAssignmentOutcome("race_lost")
			continue
		}
		m.amu.Lock()
		delete(m.pending, req.CaseID)
		m.active[req.CaseID] = a
		m.amu.Unlock()
		assigned = true
		metricsx.IncAssignmentOutcome("assigned")
		m.log.Info(ctx, "specialist_assigned", "specialist assigned",
			slog.String("case_id", req.CaseID.String()),
			slog.String("specialist_id", a.SpecialistID.String()),
			slog.Float64("match_score", a.MatchScore),
		)
		return a, nil
	}

	metricsx.IncAssignmentOutcome("no_suitable")
	return models.Assignment{}, fmt.Errorf("%w: %s", ErrNoSuitableSpecialist, req.FacilityID)
}

func (m *Matcher) commit(ctx context.Context, req Request, c scored, now time.Time) (models.Assignment, bool, error) {
	a := models.Assignment{
		ID:           uuid.New(),
		CaseID:       req.CaseID,
		SpecialistID: c.sp.info().SpecialistID,
		FacilityID:   req.FacilityID,
		MatchScore:   c.score,
		Explanation:  c.explanation,
		AssignedAt:   now,
	}
	if m.store == nil {
		return a, true, nil
	}
	ok, err := m.store.TryIncrement(ctx, a.SpecialistID)
	if err != nil {
		return models.Assignment{}, false, fmt.Errorf("increment specialist %s: %w", a.SpecialistID, err)
	}
	if !ok {
		return models.Assignment{}, false, nil
	}
	if err := m.store.SaveAssignment(ctx, a); err != nil {
		if derr := m.store.Decrement(ctx, a.SpecialistID); derr != nil {
			m.log.Error(ctx, "specialist_decrement_failed", "counter rollback failed",
				slog.String("error_code", "PERSIST_FAILED"),
				slog.String("specialist_id", a.SpecialistID.String()),
				slog.String("error", derr.Error()),
			)
		}
		return models.Assignment{}, false, fmt.Errorf("save assignment: %w", err)
	}
	return a, true, nil
}

// Release ends the active assignment of a case. Releasing a case without
// one is a no-op that reports false.
func (m *Matcher) Release(ctx context.Context, caseID uuid.UUID) (models.Assignment, bool, error) {
	m.amu.Lock()
	a, ok := m.active[caseID]
	if ok {
		delete(m.active, caseID)
	}
	m.amu.Unlock()
	if !ok {
		return models.Assignment{}, false, nil
	}

	at := m.now()
	a.ReleasedAt = &at
	m.mu.RLock()
	sp := m.byID[a.SpecialistID]
	m.mu.RUnlock()
	if sp != nil {
		sp.release()
	}
	if m.store != nil {
		if err := m.store.Decrement(ctx, a.SpecialistID); err != nil {
			return a, true, fmt.Errorf("decrement specialist %s: %w", a.SpecialistID, err)
		}
		if err := m.store.ReleaseAssignment(ctx, a.ID, at); err != nil {
			return a, true, fmt.Errorf("release assignment %s: %w", a.ID, err)
		}
	}
	return a, true, nil
}

func (m *Matcher) Active(caseID uuid.UUID) (models.Assignment, bool) {
	m.amu.Lock()
	defer m.amu.Unlock()
	a, ok := m.active[caseID]
	return a, ok
}

// Staffing counts on-shift specialists at a facility. Available ones have
// headroom; busy ones are at their limit.
func (m *Matcher) Staffing(facilityID uuid.UUID, at time.Time) models.Staffing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s models.Staffing
	for _, sp := range m.byFacility[facilityID] {
		sh := sp.info()
		if !sh.Available || !sh.OnShift(at) {
			continue
		}
		s.OnShift++
		if int(sp.count.Load()) < sh.CapacityLimit {
			s.Available++
		} else {
			s.Busy++
		}
	}
	return s
}

// Count returns the in-memory case count of a specialist.
func (m *Matcher) Count(specialistID uuid.UUID) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.byID[specialistID]
	if !ok {
		return 0, false
	}
	return int(sp.count.Load()), true
}

func (m *Matcher) reserve(caseID uuid.UUID) error {
	m.amu.Lock()
	defer m.amu.Unlock()
	if _, ok := m.active[caseID]; ok || m.pending[caseID] {
		return fmt.Errorf("%w: %s", ErrAlreadyAssigned, caseID)
	}
	m.pending[caseID] = true
	return nil
}

func (m *Matcher) unreserve(caseID uuid.UUID) {
	m.amu.Lock()
	delete(m.pending, caseID)
	m.amu.Unlock()
}

// Score rates one specialist for a request given the current case count.
func Score(sh models.SpecialistShift, count int, req Request) (float64, string) {
	var reasons []string
	match := 100.0
	if !req.Required.Empty() {
		overlap := sh.Specialties.Intersect(req.Required)
		match = 100 * float64(overlap.Len()) / float64(req.Required.Len())
		if !overlap.Empty() {
			reasons = append(reasons, "covers "+strings.Join(overlap.Names(), ", "))
		}
	}
	score := match
	if sh.Specialties.Has(models.SpecialtyEmergencyMedicine) {
		score += 15
	}

	headroom := 0.0
	if sh.CapacityLimit > 0 {
		headroom = float64(sh.CapacityLimit-count) / float64(sh.CapacityLimit)
	}
	score += 20 * headroom
	reasons = append(reasons, fmt.Sprintf("load %d/%d", count, sh.CapacityLimit))

	if req.Level <= models.SeverityEmergent && sh.Specialties.Has(models.SpecialtyCriticalCare) {
		score += 25
		reasons = append(reasons, "critical care for high acuity")
	}
	switch req.Bracket {
	case models.AgeInfant, models.AgePediatric:
		if sh.Specialties.Has(models.SpecialtyPediatrics) {
			score += 20
			reasons = append(reasons, "pediatric specialist")
		}
	case models.AgeGeriatric:
		if sh.Specialties.Has(models.SpecialtyGeriatrics) {
			score += 20
			reasons = append(reasons, "geriatric specialist")
		}
	}

	if mult, ok := severityMultiplier[req.Level]; ok {
		score *= mult
	}
	return score, strings.Join(reasons, "; ")
}
