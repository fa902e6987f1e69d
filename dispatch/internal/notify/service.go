package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/audit"
	"emergency-dispatch/shared/events"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
)

const (
	kindNotification = "notification"
	kindAudit        = "audit"

	maxEscalations = 3
)

// Sink delivers an envelope to a topic. *mqx.Producer publishes directly;
// *repos.OutboxRepo stages it for the outbox worker.
type Sink interface {
	PublishEnvelope(ctx context.Context, topic string, env events.Envelope) error
}

// AuditAppender is satisfied by *audit.Log.
type AuditAppender interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

type Options struct {
	Buffer         int
	SweepInterval  time.Duration
	AckTimeout     time.Duration
	DeliverTimeout time.Duration
	Logger         logx.Logger
	Now            func() time.Time
}

type item struct {
	kind  string
	topic string
	env   events.Envelope
	audit *AuditIntent
}

type pending struct {
	intent NotificationIntent
	sentAt time.Time
}

// Service hands intents to a sink from a single background worker. Emitting
// never blocks the caller; when the buffer is full the intent is dropped and
// counted.
type Service struct {
	sink     Sink
	auditLog AuditAppender
	buf      chan item
	opts     Options
	log      logx.Logger
	now      func() time.Time
	dropped  atomic.Int64

	ackMu   sync.Mutex
	unacked map[uuid.UUID]pending

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewService(sink Sink, auditLog AuditAppender, opts Options) *Service {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 2 * time.Minute
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		sink:     sink,
		auditLog: auditLog,
		buf:      make(chan item, opts.Buffer),
		opts:     opts,
		log:      opts.Logger,
		now:      opts.Now,
		unacked:  make(map[uuid.UUID]pending),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx, s.done)
}

// Stop ends the sweep, delivers whatever is already buffered and waits for
// the worker to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// Notify queues a notification. It reports false when the intent was dropped.
func (s *Service) Notify(n NotificationIntent) bool {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	env, err := events.New(events.AggregateCase, n.CaseID, "notification_"+n.Priority, n)
	if err != nil {
		metricsx.IncNotifyIntent(kindNotification, "invalid")
		return false
	}
	if !s.offer(item{kind: kindNotification, topic: events.TopicNotifications, env: env}) {
		return false
	}
	if n.RequiresAck {
		s.ackMu.Lock()
		s.unacked[n.ID] = pending{intent: n, sentAt: s.now()}
		s.ackMu.Unlock()
	}
	return true
}

// Audit queues an audit intent. Audit intents are appended to the audit
// chain in emission order before being published.
func (s *Service) Audit(a AuditIntent) bool {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = s.now().UTC()
	}
	env, err := events.New(events.AggregateCase, a.CaseID, a.Action, a)
	if err != nil {
		metricsx.IncNotifyIntent(kindAudit, "invalid")
		return false
	}
	return s.offer(item{kind: kindAudit, topic: events.TopicAudit, env: env, audit: &a})
}

// Acknowledge stops escalation of a notification. It reports whether the
// notification was awaiting acknowledgement.
func (s *Service) Acknowledge(id uuid.UUID) bool {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	if _, ok := s.unacked[id]; !ok {
		return false
	}
	delete(s.unacked, id)
	return true
}

func (s *Service) Dropped() int64 { return s.dropped.Load() }

// Pending lists notifications still awaiting acknowledgement, oldest first.
func (s *Service) Pending() []NotificationIntent {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	out := make([]NotificationIntent, 0, len(s.unacked))
	for _, p := range s.unacked {
		out = append(out, p.intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep re-emits every notification whose acknowledgement is overdue and
// returns how many were escalated.
func (s *Service) Sweep(ctx context.Context) int {
	now := s.now()
	var due []NotificationIntent
	s.ackMu.Lock()
	for id, p := range s.unacked {
		if now.Sub(p.sentAt) < s.opts.AckTimeout {
			continue
		}
		if p.intent.Escalation >= maxEscalations {
			delete(s.unacked, id)
			s.log.Error(ctx, "notification_unacknowledged", "notification never acknowledged",
				slog.String("error_code", "ACK_TIMEOUT"),
				slog.String("notification_id", id.String()),
				slog.String("case_id", p.intent.CaseID.String()),
			)
			continue
		}
		p.intent.Escalation++
		p.sentAt = now
		s.unacked[id] = p
		due = append(due, p.intent)
	}
	s.ackMu.Unlock()

	for _, n := range due {
		env, err := events.New(events.AggregateCase, n.CaseID, "notification_escalated", n)
		if err != nil {
			continue
		}
		s.offer(item{kind: kindNotification, topic: events.TopicNotifications, env: env})
		s.log.Warn(ctx, "notification_escalated", "unacknowledged notification re-sent",
			slog.String("notification_id", n.ID.String()),
			slog.Int("escalation", n.Escalation),
		)
	}
	return len(due)
}

func (s *Service) offer(it item) bool {
	select {
	case s.buf <- it:
		metricsx.IncNotifyIntent(it.kind, "queued")
		return true
	default:
		s.dropped.Add(1)
		metricsx.IncNotifyIntent(it.kind, "dropped")
		return false
	}
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			s.Sweep(ctx)
		case it := <-s.buf:
			s.deliver(ctx, it)
		}
	}
}

func (s *Service) drain() {
	for {
		select {
		case it := <-s.buf:
			s.deliver(context.Background(), it)
		default:
			return
		}
	}
}

func (s *Service) deliver(parent context.Context, it item) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.opts.DeliverTimeout)
	defer cancel()

	if it.audit != nil && s.auditLog != nil {
		_, err := s.auditLog.Append(ctx, audit.Record{
			CaseID:     it.audit.CaseID,
			Action:     it.audit.Action,
			Payload:    it.audit.Details,
			OccurredAt: it.audit.OccurredAt,
		})
		if err != nil {
			s.log.Error(ctx, "audit_append_failed", "audit record not chained",
				slog.String("error_code", "AUDIT_FAILED"),
				slog.String("case_id", it.audit.CaseID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.sink == nil {
		metricsx.IncNotifyIntent(it.kind, "no_sink")
		return
	}
	if err := s.sink.PublishEnvelope(ctx, it.topic, it.env); err != nil {
		metricsx.IncNotifyIntent(it.kind, "failed")
		s.log.Error(ctx, "intent_delivery_failed", "intent not delivered",
			slog.String("error_code", "DELIVERY_FAILED"),
			slog.String("kind", it.kind),
			slog.String("event_id", it.env.EventID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncNotifyIntent(it.kind, "delivered")
}
