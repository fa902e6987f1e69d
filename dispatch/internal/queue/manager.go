package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
	"emergency-dispatch/shared/retryx"
	"emergency-dispatch/shared/workflow"
)

var (
	ErrAlreadyQueued = errors.New("queue: case already waiting at facility")
	ErrNotQueued     = errors.New("queue: case not waiting at facility")
)

// Store persists queue entries together with the facility load change.
// Writes that lose a race should return an error wrapping retryx.ErrConflict.
type Store interface {
	UpsertEntries(ctx context.Context, entries []models.QueueEntry, load models.LoadChange) error
	ListFacilityWaiting(ctx context.Context, facilityID uuid.UUID) ([]models.QueueEntry, error)
}

// Locker serialises mutations of one facility queue across processes. With
// a Locker configured the store is the source of truth: the waiting list is
// re-read under the lock before every mutation.
type Locker interface {
	Lock(ctx context.Context, name string) (func(), error)
}

// LoadObserver sees every committed facility load change. *facility.Directory
// satisfies it so the next ranking reflects admissions without a registry
// round trip.
type LoadObserver interface {
	AdjustLoad(facilityID uuid.UUID, delta int)
}

type FacilityLookup interface {
	Facility(ctx context.Context, id uuid.UUID) (models.Facility, bool)
}

type StaffingSource interface {
	Staffing(facilityID uuid.UUID, at time.Time) models.Staffing
}

type AdmitRequest struct {
	CaseID        uuid.UUID
	FacilityID    uuid.UUID
	PriorityScore float64
	// Precondition runs under the facility lock before anything is written.
	// A non-nil error aborts the admit and is returned unchanged.
	Precondition func() error
}

type Options struct {
	Store      Store
	Locker     Locker
	Facilities FacilityLookup
	Staffing   StaffingSource
	Loads      LoadObserver
	Baseline   time.Duration
	Retry      retryx.Policy
	Logger     logx.Logger
	Now        func() time.Time
}

type facilityQueue struct {
	mu      sync.Mutex
	waiting []models.QueueEntry
}

// Manager owns one ordered waiting list per facility. Every mutation of a
// list happens under that facility's lock.
type Manager struct {
	mu     sync.Mutex
	queues map[uuid.UUID]*facilityQueue

	store      Store
	locker     Locker
	facilities FacilityLookup
	staffing   StaffingSource
	loads      LoadObserver
	baseline   time.Duration
	retry      retryx.Policy
	log        logx.Logger
	now        func() time.Time
}

func NewManager(opts Options) *Manager {
	if opts.Baseline <= 0 {
		opts.Baseline = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.Initial == 0 {
		opts.Retry = retryx.DefaultPolicy(4)
	}
	return &Manager{
		queues:     make(map[uuid.UUID]*facilityQueue),
		store:      opts.Store,
		locker:     opts.Locker,
		facilities: opts.Facilities,
		staffing:   opts.Staffing,
		loads:      opts.Loads,
		baseline:   opts.Baseline,
		retry:      opts.Retry,
		log:        opts.Logger,
		now:        opts.Now,
	}
}

func (m *Manager) queue(facilityID uuid.UUID) *facilityQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[facilityID]
	if !ok {
		q = &facilityQueue{}
		m.queues[facilityID] = q
	}
	return q
}

func (m *Manager) existing(facilityID uuid.UUID) (*facilityQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[facilityID]
	return q, ok
}

func (m *Manager) lock(ctx context.Context, q *facilityQueue, facilityID uuid.UUID) (func(), error) {
	q.mu.Lock()
	if m.locker == nil {
		return q.mu.Unlock, nil
	}
	release, err := m.locker.Lock(ctx, facilityID.String())
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue lock %s: %w", facilityID, err)
	}
	unlock := func() {
		release()
		q.mu.Unlock()
	}
	if m.store != nil {
		waiting, err := m.store.ListFacilityWaiting(ctx, facilityID)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("queue sync %s: %w", facilityID, err)
		}
		m.order(ctx, facilityID, waiting, m.now())
		q.waiting = waiting
	}
	return unlock, nil
}

// Admit adds a waiting entry for the case. A case already waiting at the
// facility yields the existing entry and ErrAlreadyQueued.
func (m *Manager) Admit(ctx context.Context, req AdmitRequest) (models.QueueEntry, error) {
	q := m.queue(req.FacilityID)
	unlock, err := m.lock(ctx, q, req.FacilityID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer unlock()

	if req.Precondition != nil {
		if err := req.Precondition(); err != nil {
			return models.QueueEntry{}, err
		}
	}
	for _, e := range q.waiting {
		if e.CaseID == req.CaseID {
			return e, ErrAlreadyQueued
		}
	}

	now := m.now()
	next := append(append([]models.QueueEntry(nil), q.waiting...), models.QueueEntry{
		CaseID:        req.CaseID,
		FacilityID:    req.FacilityID,
		PriorityScore: req.PriorityScore,
		Status:        workflow.EntryStatusWaiting,
		EnteredAt:     now,
		UpdatedAt:     now,
	})
	m.order(ctx, req.FacilityID, next, now)
	if err := m.persist(ctx, next, models.LoadChange{FacilityID: req.FacilityID, Delta: 1}); err != nil {
		return models.QueueEntry{}, err
	}
	q.waiting = next
	m.adjustLoad(req.FacilityID, 1)
	m.publishDepth(req.FacilityID, len(next))

	for _, e := range next {
		if e.CaseID == req.CaseID {
			return e, nil
		}
	}
	return models.QueueEntry{}, ErrNotQueued
}

// Reorder recomputes positions and wait estimates for one facility.
func (m *Manager) Reorder(ctx context.Context, facilityID uuid.UUID) error {
	q, ok := m.existing(facilityID)
	if !ok {
		return nil
	}
	unlock, err := m.lock(ctx, q, facilityID)
	if err != nil {
		return err
	}
	defer unlock()

	next := append([]models.QueueEntry(nil), q.waiting...)
	m.order(ctx, facilityID, next, m.now())
	if err := m.persist(ctx, next, models.LoadChange{}); err != nil {
		return err
	}
	q.waiting = next
	m.publishDepth(facilityID, len(next))
	return nil
}

// Remove takes every waiting entry of the case out of its queues and returns
// the removed entries. A case that is not queued anywhere is not an error.
func (m *Manager) Remove(ctx context.Context, caseID uuid.UUID, reason string) ([]models.QueueEntry, error) {
	var removed []models.QueueEntry
	for _, facilityID := range m.Facilities() {
		entry, ok, err := m.removeFrom(ctx, facilityID, caseID, reason)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, entry)
		}
	}
	return removed, nil
}

func (m *Manager) removeFrom(ctx context.Context, facilityID uuid.UUID, caseID uuid.UUID, reason string) (models.QueueEntry, bool, error) {
	q, ok := m.existing(facilityID)
	if !ok {
		return models.QueueEntry{}, false, nil
	}
	unlock, err := m.lock(ctx, q, facilityID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	defer unlock()

	idx := -1
	for i, e := range q.waiting {
		if e.CaseID == caseID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.QueueEntry{}, false, nil
	}

	now := m.now()
	gone := q.waiting[idx]
	if !workflow.CanTransitionEntry(gone.Status, workflow.EntryStatusRemoved) {
		return models.QueueEntry{}, false, fmt.Errorf("queue entry %s: cannot move from %s to removed", caseID, gone.Status)
	}
	gone.Status = workflow.EntryStatusRemoved
	gone.RemovedReason = reason
	gone.Position = 0
	gone.UpdatedAt = now

	rest := make([]models.QueueEntry, 0, len(q.waiting)-1)
	rest = append(rest, q.waiting[:idx]...)
	rest = append(rest, q.waiting[idx+1:]...)
	m.order(ctx, facilityID, rest, now)
	if err := m.persist(ctx, append([]models.QueueEntry{gone}, rest...), models.LoadChange{FacilityID: facilityID, Delta: -1}); err != nil {
		return models.QueueEntry{}, false, err
	}
	q.waiting = rest
	m.adjustLoad(facilityID, -1)
	m.publishDepth(facilityID, len(rest))
	m.log.Info(ctx, workflow.EntryEventRemoved, "queue entry removed",
		slog.String("case_id", caseID.String()),
		slog.String("facility_id", facilityID.String()),
		slog.String("reason", reason),
	)
	return gone, true, nil
}

// UpdatePriority re-scores a waiting entry and reorders its queue.
func (m *Manager) UpdatePriority(ctx context.Context, caseID uuid.UUID, facilityID uuid.UUID, score float64) (models.QueueEntry, error) {
	q, ok := m.existing(facilityID)
	if !ok {
		return models.QueueEntry{}, ErrNotQueued
	}
	unlock, err := m.lock(ctx, q, facilityID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer unlock()

	next := append([]models.QueueEntry(nil), q.waiting...)
	found := false
	for i := range next {
		if next[i].CaseID == caseID {
			next[i].PriorityScore = score
			found = true
		}
	}
	if !found {
		return models.QueueEntry{}, ErrNotQueued
	}
	m.order(ctx, facilityID, next, m.now())
	if err := m.persist(ctx, next, models.LoadChange{}); err != nil {
		return models.QueueEntry{}, err
	}
	q.waiting = next
	for _, e := range next {
		if e.CaseID == caseID {
			return e, nil
		}
	}
	return models.QueueEntry{}, ErrNotQueued
}

// Snapshot returns the waiting entries of a facility in queue order.
func (m *Manager) Snapshot(facilityID uuid.UUID) []models.QueueEntry {
	q, ok := m.existing(facilityID)
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.QueueEntry(nil), q.waiting...)
}

func (m *Manager) Facilities() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.queues))
	for id := range m.queues {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Restore loads persisted waiting entries at startup. Nothing is written.
func (m *Manager) Restore(ctx context.Context, entries []models.QueueEntry) {
	byFacility := map[uuid.UUID][]models.QueueEntry{}
	for _, e := range entries {
		if e.Status != workflow.EntryStatusWaiting {
			continue
		}
		byFacility[e.FacilityID] = append(byFacility[e.FacilityID], e)
	}
	now := m.now()
	for facilityID, list := range byFacility {
		q := m.queue(facilityID)
		q.mu.Lock()
		m.order(ctx, facilityID, list, now)
		q.waiting = list
		q.mu.Unlock()
		m.publishDepth(facilityID, len(list))
	}
}

// order sorts entries in place, then assigns positions 1..N and wait
// estimates.
func (m *Manager) order(ctx context.Context, facilityID uuid.UUID, entries []models.QueueEntry, now time.Time) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.EnteredAt.Equal(b.EnteredAt) {
			return a.EnteredAt.Before(b.EnteredAt)
		}
		return a.CaseID.String() < b.CaseID.String()
	})

	var facility *models.Facility
	if m.facilities != nil {
		if f, ok := m.facilities.Facility(ctx, facilityID); ok {
			facility = &f
		}
	}
	var staff models.Staffing
	if m.staffing != nil {
		staff = m.staffing.Staffing(facilityID, now)
	}
	for i := range entries {
		pos := i + 1
		wait := EstimateWait(pos, facility, staff, m.baseline, now)
		if entries[i].Position != pos || entries[i].EstimatedWait != wait {
			entries[i].Position = pos
			entries[i].EstimatedWait = wait
			entries[i].UpdatedAt = now
		}
	}
}

func (m *Manager) persist(ctx context.Context, entries []models.QueueEntry, load models.LoadChange) error {
	if m.store == nil || (len(entries) == 0 && load.Delta == 0) {
		return nil
	}
	attempt := 0
	err := retryx.Do(ctx, m.retry, func(ctx context.Context) error {
		if attempt > 0 {
			metricsx.IncPersistRetry()
		}
		attempt++
		return m.store.UpsertEntries(ctx, entries, load)
	})
	if err != nil {
		m.log.Error(ctx, "queue_persist_failed", "queue entries not persisted",
			slog.String("error_code", "PERSIST_FAILED"),
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("persist queue entries: %w", err)
	}
	return nil
}

func (m *Manager) adjustLoad(facilityID uuid.UUID, delta int) {
	if m.loads != nil {
		m.loads.AdjustLoad(facilityID, delta)
	}
}

func (m *Manager) publishDepth(facilityID uuid.UUID, depth int) {
	metricsx.SetQueueDepth(facilityID.String(), depth)
}
