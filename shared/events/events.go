package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicCaseSubmitted = "dispatch.case.submitted"
	TopicCaseCancelled = "dispatch.case.cancelled"
	TopicCaseAmended   = "dispatch.case.amended"
	TopicNotifications = "dispatch.notifications"
	TopicAudit         = "dispatch.audit"
)

const (
	AggregateCase       = "case"
	AggregateQueueEntry = "queue_entry"
	AggregateAssignment = "assignment"
)

func New(aggregateType string, aggregateID uuid.UUID, eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New(),
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
