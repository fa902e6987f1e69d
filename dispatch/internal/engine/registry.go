package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/workflow"
)

type caseRecord struct {
	c          models.Case
	history    []models.Assessment
	facilityID uuid.UUID
}

// Registry holds live cases, their lifecycle status and assessment history.
type Registry struct {
	mu    sync.RWMutex
	cases map[uuid.UUID]*caseRecord
}

func NewRegistry() *Registry {
	return &Registry{cases: make(map[uuid.UUID]*caseRecord)}
}

func (r *Registry) Register(c models.Case, now time.Time) (models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cases[c.ID]; ok {
		return models.Case{}, fmt.Errorf("%w: %s", ErrDuplicateCase, c.ID)
	}
	c.Status = workflow.CaseStatusSubmitted
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.cases[c.ID] = &caseRecord{c: c}
	return c, nil
}

func (r *Registry) Case(id uuid.UUID) (models.Case, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.cases[id]
	if !ok {
		return models.Case{}, false
	}
	return rec.c, true
}

func (r *Registry) Status(id uuid.UUID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.cases[id]; ok {
		return rec.c.Status
	}
	return ""
}

// Transition moves a case along the lifecycle. It returns the previous status
// and the audit event name, which is empty when the status did not change.
func (r *Registry) Transition(id uuid.UUID, to string, now time.Time) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.cases[id]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	from := rec.c.Status
	if !workflow.CanTransitionCase(from, to) {
		return from, "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	rec.c.Status = to
	rec.c.UpdatedAt = now
	return from, workflow.CaseEventForTransition(from, to), nil
}

// Amend replaces the clinical fields of an open case, keeping its lifecycle
// fields.
func (r *Registry) Amend(c models.Case, now time.Time) (models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.cases[c.ID]
	if !ok {
		return models.Case{}, fmt.Errorf("%w: %s", ErrCaseNotFound, c.ID)
	}
	if workflow.IsTerminalCase(rec.c.Status) {
		return models.Case{}, fmt.Errorf("%w: %s is %s", ErrCaseClosed, c.ID, rec.c.Status)
	}
	c.Status = rec.c.Status
	c.CreatedAt = rec.c.CreatedAt
	c.UpdatedAt = now
	rec.c = c
	return c, nil
}

// Record appends an assessment and marks the previous one superseded. The
// previous assessment is otherwise left untouched.
func (r *Registry) Record(a models.Assessment) (models.Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.cases[a.CaseID]
	if !ok {
		return models.Assessment{}, fmt.Errorf("%w: %s", ErrCaseNotFound, a.CaseID)
	}
	a.Cycle = len(rec.history) + 1
	if n := len(rec.history); n > 0 {
		id := a.ID
		rec.history[n-1].SupersededBy = &id
	}
	rec.history = append(rec.history, a)
	return a, nil
}

func (r *Registry) Current(id uuid.UUID) (models.Assessment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.cases[id]
	if !ok || len(rec.history) == 0 {
		return models.Assessment{}, false
	}
	return rec.history[len(rec.history)-1], true
}

func (r *Registry) History(id uuid.UUID) []models.Assessment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.cases[id]
	if !ok {
		return nil
	}
	return append([]models.Assessment(nil), rec.history...)
}

func (r *Registry) SetFacility(id, facilityID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.cases[id]; ok {
		rec.facilityID = facilityID
	}
}

func (r *Registry) Facility(id uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.cases[id]
	if !ok || rec.facilityID == uuid.Nil {
		return uuid.Nil, false
	}
	return rec.facilityID, true
}
