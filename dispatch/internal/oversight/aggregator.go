package oversight

import (
	"errors"
	"fmt"
	"time"

	"emergency-dispatch/dispatch/internal/danger"
	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/dispatch/internal/severity"
)

var ErrInvalidInput = errors.New("oversight: invalid input")

type NotificationPriority string

const (
	PriorityCritical NotificationPriority = "critical"
	PriorityUrgent   NotificationPriority = "urgent"
	PriorityHigh     NotificationPriority = "high"
	PriorityRoutine  NotificationPriority = "routine"
)

type Notification struct {
	Priority    NotificationPriority `json:"priority"`
	Channels    []string             `json:"channels"`
	RequiresAck bool                 `json:"requires_ack"`
}

type Recommendations struct {
	Immediate     []string `json:"immediate,omitempty"`
	Monitoring    []string `json:"monitoring,omitempty"`
	Investigation []string `json:"investigation,omitempty"`
	Consultation  []string `json:"consultation,omitempty"`
	Disposition   []string `json:"disposition,omitempty"`
}

type Decision struct {
	Level                      models.Severity `json:"level"`
	RequiresImmediateAttention bool            `json:"requires_immediate_attention"`
	RequiresClinicalReview     bool            `json:"requires_clinical_review"`
	Notification               Notification    `json:"notification"`
	MonitoringInterval         time.Duration   `json:"monitoring_interval"`
	ContinuousMonitoring       bool            `json:"continuous_monitoring"`
	PriorityScore              float64         `json:"priority_score"`
	Recommendations            Recommendations `json:"recommendations"`
	Summary                    string          `json:"summary"`
}

var monitoringIntervals = map[models.Severity]time.Duration{
	models.SeverityResuscitation: 0,
	models.SeverityEmergent:      15 * time.Minute,
	models.SeverityUrgent:        30 * time.Minute,
	models.SeverityLessUrgent:    60 * time.Minute,
	models.SeverityNonUrgent:     120 * time.Minute,
}

var basePriority = map[models.Severity]float64{
	models.SeverityResuscitation: 100,
	models.SeverityEmergent:      80,
	models.SeverityUrgent:        60,
	models.SeverityLessUrgent:    40,
	models.SeverityNonUrgent:     20,
}

var dispositions = map[models.Severity]string{
	models.SeverityResuscitation: "Resuscitation bay",
	models.SeverityEmergent:      "Acute care bed",
	models.SeverityUrgent:        "Monitored treatment area",
	models.SeverityLessUrgent:    "Standard treatment area",
	models.SeverityNonUrgent:     "Fast-track or waiting area",
}

var resourceOrders = map[string]string{
	"labs":               "Laboratory panel",
	"imaging":            "Diagnostic imaging",
	"ecg":                "12-lead ECG",
	"iv-fluids":          "IV fluids",
	"procedure":          "Bedside procedure",
	"nebulizer":          "Nebulized therapy",
	"hemorrhage-control": "Hemorrhage control",
	"allergy-review":     "Allergy review before medication",
	"iv-analgesia":       "IV analgesia",
}

var vitalParams = map[string]bool{
	string(models.VitalHeartRate):       true,
	string(models.VitalSystolicBP):      true,
	string(models.VitalDiastolicBP):     true,
	string(models.VitalRespiratoryRate): true,
	string(models.VitalSpO2):            true,
	string(models.VitalTemperature):     true,
}

// Merge combines a severity result and a danger report. It holds no state.
func Merge(sev severity.Result, rep danger.Report) (Decision, error) {
	if !sev.Level.Valid() {
		return Decision{}, fmt.Errorf("%w: severity level %d", ErrInvalidInput, sev.Level)
	}
	if rep.CriticalCount < 0 || rep.WarningCount < 0 {
		return Decision{}, fmt.Errorf("%w: negative flag counts", ErrInvalidInput)
	}

	d := Decision{
		Level:                      sev.Level,
		RequiresImmediateAttention: sev.Level <= models.SeverityEmergent || rep.CriticalCount > 0,
		RequiresClinicalReview:     rep.RequiresClinicalReview || len(sev.Warnings) > 0,
		MonitoringInterval:         monitoringIntervals[sev.Level],
		ContinuousMonitoring:       sev.Level == models.SeverityResuscitation,
		PriorityScore:              basePriority[sev.Level] + 5*float64(rep.CriticalCount) + 2*float64(rep.WarningCount),
	}
	d.Notification = notificationFor(sev.Level, rep.CriticalCount, rep.WarningCount)
	d.Recommendations = recommend(sev, rep, d)
	d.Summary = fmt.Sprintf("level %d %s, %s notification, %s", sev.Level, sev.Category, d.Notification.Priority, rep.Summary)
	return d, nil
}

func notificationFor(level models.Severity, critical int, warnings int) Notification {
	switch {
	case level == models.SeverityResuscitation || critical >= 1:
		return Notification{Priority: PriorityCritical, Channels: []string{"sms", "push", "email"}, RequiresAck: true}
	case level == models.SeverityEmergent || warnings >= 2:
		return Notification{Priority: PriorityUrgent, Channels: []string{"sms", "push"}, RequiresAck: true}
	case level == models.SeverityUrgent || warnings == 1:
		return Notification{Priority: PriorityHigh, Channels: []string{"push"}}
	default:
		return Notification{Priority: PriorityRoutine, Channels: []string{"email"}}
	}
}

func recommend(sev severity.Result, rep danger.Report, d Decision) Recommendations {
	var immediate, monitoring, investigation, consultation, disposition dedup

	if sev.Level <= models.SeverityEmergent {
		immediate.add(sev.RecommendedActions...)
	} else {
		disposition.add(sev.RecommendedActions...)
	}
	if d.ContinuousMonitoring {
		monitoring.add("Continuous monitoring")
	} else {
		monitoring.add(fmt.Sprintf("Reassess every %d minutes", int(d.MonitoringInterval.Minutes())))
	}
	for _, r := range sev.Resources {
		if order, ok := resourceOrders[r]; ok {
			investigation.add(order)
		}
	}

	for _, f := range rep.Flags {
		immediate.add(f.ImmediateActions...)
		if vitalParams[f.Parameter] {
			monitoring.add(f.RecommendedActions...)
		} else {
			investigation.add(f.RecommendedActions...)
		}
		switch f.Parameter {
		case "sepsis_pattern":
			consultation.add("Sepsis team")
		case "respiratory_distress_pattern":
			consultation.add("Respiratory therapy")
		case "shock_pattern":
			consultation.add("Critical care")
		case "age_amplifier":
			consultation.add("Age-specialist review")
		}
	}
	if rep.CriticalCount > 0 {
		consultation.add("Notify attending physician")
	}
	if d.RequiresClinicalReview {
		consultation.add("Clinical review of triage assessment")
	}
	disposition.add(dispositions[sev.Level])

	return Recommendations{
		Immediate:     immediate.items,
		Monitoring:    monitoring.items,
		Investigation: investigation.items,
		Consultation:  consultation.items,
		Disposition:   disposition.items,
	}
}

type dedup struct {
	seen  map[string]bool
	items []string
}

func (d *dedup) add(items ...string) {
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	for _, it := range items {
		if it == "" || d.seen[it] {
			continue
		}
		d.seen[it] = true
		d.items = append(d.items, it)
	}
}
