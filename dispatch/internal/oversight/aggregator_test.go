package oversight

import (
	"errors"
	"testing"
	"time"

	"emergency-dispatch/dispatch/internal/danger"
	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/dispatch/internal/severity"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func stable() models.Vitals {
	return models.Vitals{
		HeartRate:       intp(80),
		SystolicBP:      intp(120),
		DiastolicBP:     intp(80),
		RespiratoryRate: intp(16),
		SpO2:            intp(98),
		Temperature:     floatp(36.8),
	}
}

func TestLevelOneIsCriticalAndContinuous(t *testing.T) {
	v := stable()
	v.SpO2 = intp(80)
	sev := severity.Classify(severity.Input{IncidentType: "fall", Vitals: v, PainScore: intp(1)})
	rep := danger.Detect(danger.Input{Vitals: v, PainScore: intp(1)})

	d, err := Merge(sev, rep)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if d.Notification.Priority != PriorityCritical || !d.Notification.RequiresAck {
		t.Fatalf("expected critical acked notification, got %#v", d.Notification)
	}
	if !d.RequiresImmediateAttention || !d.ContinuousMonitoring || d.MonitoringInterval != 0 {
		t.Fatalf("unexpected monitoring %#v", d)
	}
	if len(d.Recommendations.Immediate) == 0 {
		t.Fatalf("expected immediate recommendations")
	}
}

func TestCriticalFlagOverridesLowLevel(t *testing.T) {
	sev := severity.Classify(severity.Input{IncidentType: "rash", Vitals: stable(), PainScore: intp(1)})
	rep := danger.Report{
		Flags:         []models.DangerFlag{{Severity: models.FlagCritical, Parameter: "status", ImmediateActions: []string{"Begin resuscitation assessment"}}},
		CriticalCount: 1,
	}
	d, err := Merge(sev, rep)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if sev.Level != models.SeverityNonUrgent {
		t.Fatalf("precondition: expected level 5, got %d", sev.Level)
	}
	if !d.RequiresImmediateAttention || d.Notification.Priority != PriorityCritical {
		t.Fatalf("critical flag must escalate notification, got %#v", d)
	}
}

func TestNotificationPrecedence(t *testing.T) {
	cases := []struct {
		level    models.Severity
		critical int
		warnings int
		want     NotificationPriority
	}{
		{models.SeverityEmergent, 0, 0, PriorityUrgent},
		{models.SeverityNonUrgent, 0, 2, PriorityUrgent},
		{models.SeverityUrgent, 0, 0, PriorityHigh},
		{models.SeverityLessUrgent, 0, 1, PriorityHigh},
		{models.SeverityLessUrgent, 0, 0, PriorityRoutine},
	}
	for _, c := range cases {
		if got := notificationFor(c.level, c.critical, c.warnings).Priority; got != c.want {
			t.Fatalf("level %d crit %d warn %d: expected %s, got %s", c.level, c.critical, c.warnings, c.want, got)
		}
	}
}

func TestRecommendationsAreDeduplicated(t *testing.T) {
	sev := severity.Classify(severity.Input{IncidentType: "motor-vehicle-accident", Vitals: stable(), PainScore: intp(5)})
	flag := models.DangerFlag{Severity: models.FlagWarning, Parameter: "heart_rate", RecommendedActions: []string{"12-lead ECG", "12-lead ECG"}}
	rep := danger.Report{Flags: []models.DangerFlag{flag, flag}, WarningCount: 2, RequiresClinicalReview: true}

	d, err := Merge(sev, rep)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	for name, items := range map[string][]string{
		"immediate":     d.Recommendations.Immediate,
		"monitoring":    d.Recommendations.Monitoring,
		"investigation": d.Recommendations.Investigation,
		"consultation":  d.Recommendations.Consultation,
		"disposition":   d.Recommendations.Disposition,
	} {
		seen := map[string]bool{}
		for _, it := range items {
			if seen[it] {
				t.Fatalf("%s has duplicate %q: %v", name, it, items)
			}
			seen[it] = true
		}
	}
	if d.MonitoringInterval != 30*time.Minute {
		t.Fatalf("expected 30m interval for level 3, got %s", d.MonitoringInterval)
	}
	if d.PriorityScore != 64 {
		t.Fatalf("expected 60 + 2*2 priority, got %v", d.PriorityScore)
	}
}

func TestMergeRejectsInvalidLevel(t *testing.T) {
	_, err := Merge(severity.Result{Level: 9}, danger.Report{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
