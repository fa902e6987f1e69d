package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NotificationIntent struct {
	ID          uuid.UUID `json:"notification_id"`
	CaseID      uuid.UUID `json:"case_id"`
	FacilityID  uuid.UUID `json:"facility_id,omitempty"`
	Priority    string    `json:"priority"`
	Channels    []string  `json:"channels"`
	RequiresAck bool      `json:"requires_ack"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body,omitempty"`
	// Escalation counts how often an unacknowledged notification was re-sent.
	Escalation int       `json:"escalation"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditIntent struct {
	ID         uuid.UUID       `json:"audit_id"`
	CaseID     uuid.UUID       `json:"case_id"`
	Action     string          `json:"action"`
	Details    json.RawMessage `json:"details,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
