package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"emergency-dispatch/dispatch/internal/assign"
	"emergency-dispatch/dispatch/internal/danger"
	"emergency-dispatch/dispatch/internal/facility"
	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/dispatch/internal/notify"
	"emergency-dispatch/dispatch/internal/oversight"
	"emergency-dispatch/dispatch/internal/queue"
	"emergency-dispatch/dispatch/internal/severity"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
	"emergency-dispatch/shared/workflow"
)

// FacilitySource is satisfied by *facility.Directory.
type FacilitySource interface {
	List(ctx context.Context) ([]models.Facility, error)
}

type Ranker interface {
	Rank(ctx context.Context, req facility.Request, facilities []models.Facility) (facility.Ranking, error)
}

type Queue interface {
	Admit(ctx context.Context, req queue.AdmitRequest) (models.QueueEntry, error)
	Remove(ctx context.Context, caseID uuid.UUID, reason string) ([]models.QueueEntry, error)
	UpdatePriority(ctx context.Context, caseID uuid.UUID, facilityID uuid.UUID, score float64) (models.QueueEntry, error)
}

type Assigner interface {
	Admit(ctx context.Context, req assign.Request) (models.Assignment, error)
	Release(ctx context.Context, caseID uuid.UUID) (models.Assignment, bool, error)
	Active(caseID uuid.UUID) (models.Assignment, bool)
}

// Emitter is satisfied by *notify.Service. Both calls must not block.
type Emitter interface {
	Notify(n notify.NotificationIntent) bool
	Audit(a notify.AuditIntent) bool
}

type Outcome string

const (
	OutcomeAssigned  Outcome = "assigned"
	OutcomeHolding   Outcome = "holding"
	OutcomeEscalated Outcome = "escalated"
	OutcomeCancelled Outcome = "cancelled"
)

// Result always carries an assessment. Facility is nil only when the case
// was escalated or cancelled before admission.
type Result struct {
	CaseID     uuid.UUID          `json:"case_id"`
	Outcome    Outcome            `json:"outcome"`
	Assessment models.Assessment  `json:"assessment"`
	Decision   oversight.Decision `json:"decision"`
	Ranking    facility.Ranking   `json:"ranking"`
	Facility   *models.Facility   `json:"facility,omitempty"`
	Entry      *models.QueueEntry `json:"queue_entry,omitempty"`
	Assignment *models.Assignment `json:"assignment,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

type Options struct {
	Registry   *Registry
	Facilities FacilitySource
	Ranker     Ranker
	Queue      Queue
	Assigner   Assigner
	Emitter    Emitter
	Logger     logx.Logger
	Now        func() time.Time

	// Classify and Detect default to severity.Classify and danger.Detect.
	Classify func(severity.Input) severity.Result
	Detect   func(danger.Input) danger.Report
}

type Engine struct {
	registry   *Registry
	facilities FacilitySource
	ranker     Ranker
	queue      Queue
	assigner   Assigner
	emitter    Emitter
	log        logx.Logger
	now        func() time.Time
	classify   func(severity.Input) severity.Result
	detect     func(danger.Input) danger.Report
}

func New(opts Options) *Engine {
	e := &Engine{
		registry:   opts.Registry,
		facilities: opts.Facilities,
		ranker:     opts.Ranker,
		queue:      opts.Queue,
		assigner:   opts.Assigner,
		emitter:    opts.Emitter,
		log:        opts.Logger,
		now:        opts.Now,
		classify:   opts.Classify,
		detect:     opts.Detect,
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.classify == nil {
		e.classify = severity.Classify
	}
	if e.detect == nil {
		e.detect = danger.Detect
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.registry }

// Dispatch runs a new case through assessment, facility selection, queue
// admission and specialist assignment. Running out of facilities or
// specialists is reported in the result, not as an error.
func (e *Engine) Dispatch(ctx context.Context, c models.Case) (Result, error) {
	start := e.now()
	ctx, span := otel.Tracer("dispatch.engine").Start(ctx, "engine.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("case_id", c.ID.String()))

	if err := Validate(c); err != nil {
		metricsx.IncDispatchOutcome("rejected")
		span.SetStatus(codes.Error, "validation")
		return Result{}, err
	}
	c, err := e.registry.Register(c, start.UTC())
	if err != nil {
		return Result{}, err
	}
	log := e.log.With(slog.String("case_id", c.ID.String()))

	res, err := e.assess(ctx, log, c)
	if err != nil {
		return res, err
	}
	if ok, err := e.advance(ctx, c.ID, workflow.CaseStatusAssessed, res.Assessment); err != nil {
		return res, err
	} else if !ok {
		return e.finish(span, start, e.cancelled(res)), nil
	}

	res, err = e.place(ctx, log, c, res)
	if err != nil {
		span.RecordError(err)
	}
	return e.finish(span, start, res), err
}

// Reassess records a new assessment cycle for an amended case. The previous
// assessment is superseded. A waiting case is re-scored in its queue; an
// escalated case is placed again.
func (e *Engine) Reassess(ctx context.Context, c models.Case) (Result, error) {
	start := e.now()
	ctx, span := otel.Tracer("dispatch.engine").Start(ctx, "engine.Reassess")
	defer span.End()
	span.SetAttributes(attribute.String("case_id", c.ID.String()))

	if err := Validate(c); err != nil {
		return Result{}, err
	}
	previous, _ := e.registry.Current(c.ID)
	c, err := e.registry.Amend(c, start.UTC())
	if err != nil {
		return Result{}, err
	}
	log := e.log.With(slog.String("case_id", c.ID.String()))

	res, err := e.assess(ctx, log, c)
	if err != nil {
		return res, err
	}

	switch c.Status {
	case workflow.CaseStatusQueued, workflow.CaseStatusAssigned:
		res, err = e.rescore(ctx, log, c, res, previous)
		return e.finish(span, start, res), err
	default:
		if ok, err := e.advance(ctx, c.ID, workflow.CaseStatusAssessed, res.Assessment); err != nil {
			return res, err
		} else if !ok {
			return e.finish(span, start, e.cancelled(res)), nil
		}
		res, err = e.place(ctx, log, c, res)
		return e.finish(span, start, res), err
	}
}

// Cancel closes a case, removes it from any queue and releases its
// specialist. Cancelling twice is a no-op.
func (e *Engine) Cancel(ctx context.Context, caseID uuid.UUID, reason string) error {
	ctx, span := otel.Tracer("dispatch.engine").Start(ctx, "engine.Cancel")
	defer span.End()

	from, event, err := e.registry.Transition(caseID, workflow.CaseStatusCancelled, e.now().UTC())
	if err != nil {
		return err
	}
	removed, err := e.queue.Remove(ctx, caseID, "cancelled: "+reason)
	if err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	released, wasAssigned, err := e.assigner.Release(ctx, caseID)
	if err != nil {
		return fmt.Errorf("release specialist: %w", err)
	}
	if event == "" {
		return nil
	}
	details := map[string]any{"reason": reason, "removed": removed}
	if wasAssigned {
		details["released"] = released
	}
	e.audit(ctx, caseID, event, from, workflow.CaseStatusCancelled, details)
	e.log.Info(ctx, "case_cancelled", "case cancelled",
		slog.String("case_id", caseID.String()),
		slog.String("from_status", from),
		slog.Int("queue_entries_removed", len(removed)),
	)
	return nil
}

// StartTreatment takes a waiting case out of its facility queue. The
// specialist stays assigned until Complete.
func (e *Engine) StartTreatment(ctx context.Context, caseID uuid.UUID) error {
	switch status := e.registry.Status(caseID); status {
	case "":
		return fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	case workflow.CaseStatusQueued, workflow.CaseStatusAssigned:
	default:
		return fmt.Errorf("%w: treatment start from %s", ErrInvalidTransition, status)
	}
	removed, err := e.queue.Remove(ctx, caseID, "treatment_started")
	if err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	for _, entry := range removed {
		e.audit(ctx, caseID, workflow.EntryEventRemoved, workflow.EntryStatusWaiting, workflow.EntryStatusRemoved, entry)
	}
	return nil
}

// Complete releases the case and its specialist.
func (e *Engine) Complete(ctx context.Context, caseID uuid.UUID) error {
	from, event, err := e.registry.Transition(caseID, workflow.CaseStatusReleased, e.now().UTC())
	if err != nil {
		return err
	}
	if _, err := e.queue.Remove(ctx, caseID, "released"); err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	released, ok, err := e.assigner.Release(ctx, caseID)
	if err != nil {
		return fmt.Errorf("release specialist: %w", err)
	}
	if event != "" {
		var details any
		if ok {
			details = released
		}
		e.audit(ctx, caseID, event, from, workflow.CaseStatusReleased, details)
	}
	return nil
}

// assess runs the classifier and detector side by side. A panic in either
// resolves to the conservative fallback and marks the assessment degraded.
func (e *Engine) assess(ctx context.Context, log logx.Logger, c models.Case) (Result, error) {
	var (
		sev                  severity.Result
		rep                  danger.Report
		sevFailed, repFailed bool
		wg                   sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				sevFailed = true
				sev = severity.Fallback(fmt.Sprint(r))
			}
		}()
		sev = e.classify(severity.InputFromCase(c))
	}()
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				repFailed = true
				rep = detectorFallback(fmt.Sprint(r))
			}
		}()
		rep = e.detect(danger.InputFromCase(c))
	}()
	wg.Wait()

	decision, err := oversight.Merge(sev, rep)
	if err != nil {
		sevFailed, repFailed = true, true
		sev, rep = severity.Fallback(err.Error()), detectorFallback(err.Error())
		if decision, err = oversight.Merge(sev, rep); err != nil {
			return Result{CaseID: c.ID}, fmt.Errorf("merge assessment: %w", err)
		}
	}
	degraded := sevFailed || repFailed
	if degraded {
		log.Error(ctx, "assessment_degraded", "assessment fell back to conservative default",
			slog.String("error_code", "COMPUTATION_ERROR"),
			slog.Bool("classifier_failed", sevFailed),
			slog.Bool("detector_failed", repFailed),
		)
	}

	a, err := e.registry.Record(models.Assessment{
		ID:                 uuid.New(),
		CaseID:             c.ID,
		Level:              decision.Level,
		Category:           sev.Category,
		PriorityLabel:      sev.PriorityLabel,
		MaxWait:            sev.MaxWait,
		Flags:              rep.Flags,
		ValidationWarnings: sev.Warnings,
		Completeness:       sev.Completeness,
		Reasoning:          sev.Reasons,
		Degraded:           degraded,
		CreatedAt:          e.now().UTC(),
	})
	if err != nil {
		return Result{CaseID: c.ID}, err
	}
	metricsx.IncSeverityLevel(int(a.Level))
	log.Info(ctx, "case_assessed", "case assessed",
		slog.Int("level", int(a.Level)),
		slog.Int("cycle", a.Cycle),
		slog.Int("critical_flags", rep.CriticalCount),
		slog.Int("warning_flags", rep.WarningCount),
		slog.Float64("priority_score", decision.PriorityScore),
	)
	return Result{CaseID: c.ID, Assessment: a, Decision: decision}, nil
}

func detectorFallback(cause string) danger.Report {
	return danger.Report{
		Flags: []models.DangerFlag{{
			Severity:           models.FlagWarning,
			Parameter:          "danger_detection",
			Message:            "danger-signal detection failed: " + cause,
			RecommendedActions: []string{"Manual clinical review of vital signs"},
		}},
		WarningCount:           1,
		RequiresClinicalReview: true,
		Summary:                "danger-signal detection unavailable",
	}
}

func (e *Engine) place(ctx context.Context, log logx.Logger, c models.Case, res Result) (Result, error) {
	facilities, err := e.facilities.List(ctx)
	if err != nil {
		log.Warn(ctx, "facility_registry_unavailable", "facility registry unavailable",
			slog.String("error_code", "REGISTRY_UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
	}
	ranking, err := e.ranker.Rank(ctx, facility.Request{
		Location:     c.Location,
		Level:        res.Decision.Level,
		IncidentType: c.IncidentType,
		Age:          c.Age,
	}, facilities)
	if err != nil {
		return res, fmt.Errorf("rank facilities: %w", err)
	}
	res.Ranking = ranking

	best, ok := ranking.Best()
	if ranking.Escalate || !ok {
		return e.escalate(ctx, log, c, res, ranking.Reason)
	}
	chosen := best.Facility
	res.Facility = &chosen
	log = log.With(slog.String("facility_id", chosen.ID.String()))

	entry, err := e.queue.Admit(ctx, queue.AdmitRequest{
		CaseID:        c.ID,
		FacilityID:    chosen.ID,
		PriorityScore: res.Decision.PriorityScore,
		Precondition: func() error {
			if e.registry.Status(c.ID) == workflow.CaseStatusCancelled {
				return errCancelled
			}
			return nil
		},
	})
	switch {
	case errors.Is(err, errCancelled):
		log.Info(ctx, "admission_aborted", "case cancelled before queue admission")
		return e.cancelled(res), nil
	case errors.Is(err, queue.ErrAlreadyQueued):
	case err != nil:
		return res, fmt.Errorf("admit to queue: %w", err)
	}
	res.Entry = &entry
	e.registry.SetFacility(c.ID, chosen.ID)
	if ok, err := e.advance(ctx, c.ID, workflow.CaseStatusQueued, entry); err != nil {
		return res, err
	} else if !ok {
		return e.cancelled(res), nil
	}

	a, err := e.assigner.Admit(ctx, assign.Request{
		CaseID:     c.ID,
		FacilityID: chosen.ID,
		Level:      res.Decision.Level,
		Required:   ranking.Required,
		Bracket:    models.BracketFor(c.Age),
	})
	if errors.Is(err, assign.ErrAlreadyAssigned) {
		if active, ok := e.assigner.Active(c.ID); ok {
			a, err = active, nil
		}
	}
	switch {
	case errors.Is(err, assign.ErrNoSpecialistsConfigured), errors.Is(err, assign.ErrNoSuitableSpecialist):
		res.Outcome = OutcomeHolding
		res.Reason = "queued at facility without a specialist: " + err.Error()
		log.Warn(ctx, "specialist_unavailable", res.Reason, slog.String("error_code", "RESOURCE_EXHAUSTED"))
		e.notifyDecision(c, res, "Case holding at "+chosen.Name+" without specialist")
		return res, nil
	case err != nil:
		res.Outcome = OutcomeHolding
		res.Reason = "specialist assignment failed"
		e.notifyDecision(c, res, "Case queued at "+chosen.Name)
		return res, fmt.Errorf("assign specialist: %w", err)
	}

	res.Assignment = &a
	if ok, err := e.advance(ctx, c.ID, workflow.CaseStatusAssigned, a); err != nil {
		return res, err
	} else if !ok {
		if _, _, err := e.assigner.Release(ctx, c.ID); err != nil {
			log.Error(ctx, "assignment_release_failed", "release after cancellation failed",
				slog.String("error_code", "PERSISTENCE_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		return e.cancelled(res), nil
	}
	res.Outcome = OutcomeAssigned
	res.Reason = best.Reason
	e.notifyDecision(c, res, "Case assigned at "+chosen.Name)
	return res, nil
}

func (e *Engine) escalate(ctx context.Context, log logx.Logger, c models.Case, res Result, reason string) (Result, error) {
	if reason == "" {
		reason = "no facility meets minimum criteria"
	}
	res.Outcome = OutcomeEscalated
	res.Reason = reason
	if ok, err := e.advance(ctx, c.ID, workflow.CaseStatusEscalated, map[string]string{"reason": reason}); err != nil {
		return res, err
	} else if !ok {
		return e.cancelled(res), nil
	}
	log.Warn(ctx, "case_escalated", "case escalated: "+reason, slog.String("error_code", "RESOURCE_EXHAUSTED"))
	e.emitter.Notify(notify.NotificationIntent{
		CaseID:      c.ID,
		Priority:    string(oversight.PriorityCritical),
		Channels:    []string{"sms", "push", "email"},
		RequiresAck: true,
		Subject:     fmt.Sprintf("Unplaced level %d case escalated", res.Decision.Level),
		Body:        reason + "; " + res.Decision.Summary,
	})
	return res, nil
}

func (e *Engine) rescore(ctx context.Context, log logx.Logger, c models.Case, res Result, previous models.Assessment) (Result, error) {
	facilityID, ok := e.registry.Facility(c.ID)
	if !ok {
		return res, fmt.Errorf("%w: %s has no facility", ErrInvalidTransition, c.ID)
	}
	if a, ok := e.assigner.Active(c.ID); ok {
		res.Assignment = &a
		res.Outcome = OutcomeAssigned
	} else {
		res.Outcome = OutcomeHolding
	}

	entry, err := e.queue.UpdatePriority(ctx, c.ID, facilityID, res.Decision.PriorityScore)
	switch {
	case errors.Is(err, queue.ErrNotQueued):
		// Treatment already started.
	case err != nil:
		return res, fmt.Errorf("update queue priority: %w", err)
	default:
		res.Entry = &entry
	}

	e.audit(ctx, c.ID, "case_reassessed", c.Status, c.Status, map[string]any{
		"assessment":  res.Assessment,
		"superseded":  previous.ID,
		"queue_entry": res.Entry,
	})
	if previous.ID == uuid.Nil || res.Assessment.Level < previous.Level {
		log.Warn(ctx, "case_deteriorated", "reassessment raised severity",
			slog.Int("previous_level", int(previous.Level)),
			slog.Int("level", int(res.Assessment.Level)),
		)
		e.notifyDecision(c, res, fmt.Sprintf("Case deteriorated to level %d", res.Assessment.Level))
	}
	return res, nil
}

// advance transitions the case and emits the audit intent. It reports false
// when the case was cancelled concurrently.
func (e *Engine) advance(ctx context.Context, caseID uuid.UUID, to string, data any) (bool, error) {
	from, event, err := e.registry.Transition(caseID, to, e.now().UTC())
	if err != nil {
		if from == workflow.CaseStatusCancelled {
			return false, nil
		}
		return false, err
	}
	if event != "" {
		e.audit(ctx, caseID, event, from, to, data)
	}
	return true, nil
}

func (e *Engine) cancelled(res Result) Result {
	res.Outcome = OutcomeCancelled
	res.Reason = "case cancelled"
	res.Entry = nil
	res.Assignment = nil
	return res
}

func (e *Engine) finish(span trace.Span, start time.Time, res Result) Result {
	metricsx.IncDispatchOutcome(string(res.Outcome))
	metricsx.ObserveDispatchLatency(e.now().Sub(start))
	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("level", int(res.Assessment.Level)),
	)
	return res
}

type transition struct {
	From string `json:"from"`
	To   string `json:"to"`
	Data any    `json:"data,omitempty"`
}

func (e *Engine) audit(ctx context.Context, caseID uuid.UUID, action, from, to string, data any) {
	details, err := json.Marshal(transition{From: from, To: to, Data: data})
	if err != nil {
		e.log.Error(ctx, "audit_encode_failed", "audit details not encodable",
			slog.String("error_code", "ENCODE_ERROR"),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		details = nil
	}
	e.emitter.Audit(notify.AuditIntent{
		CaseID:     caseID,
		Action:     action,
		Details:    details,
		OccurredAt: e.now().UTC(),
	})
}

func (e *Engine) notifyDecision(c models.Case, res Result, subject string) {
	n := res.Decision.Notification
	intent := notify.NotificationIntent{
		CaseID:      c.ID,
		Priority:    string(n.Priority),
		Channels:    n.Channels,
		RequiresAck: n.RequiresAck,
		Subject:     subject,
		Body:        res.Decision.Summary,
	}
	if res.Facility != nil {
		intent.FacilityID = res.Facility.ID
	}
	e.emitter.Notify(intent)
}
