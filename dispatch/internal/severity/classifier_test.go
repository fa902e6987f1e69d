package severity

import (
	"strings"
	"testing"
	"time"

	"emergency-dispatch/dispatch/internal/models"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func normalVitals() models.Vitals {
	return models.Vitals{
		HeartRate:       intp(80),
		SystolicBP:      intp(120),
		DiastolicBP:     intp(80),
		RespiratoryRate: intp(16),
		SpO2:            intp(98),
		Temperature:     floatp(36.8),
	}
}

func TestCriticalVitalsGiveLevelOne(t *testing.T) {
	v := normalVitals()
	v.SpO2 = intp(80)
	v.HeartRate = intp(150)
	res := Classify(Input{IncidentType: "fall", Vitals: v, PainScore: intp(2)})

	if res.Level != models.SeverityResuscitation || res.Category != "RESUSCITATION" {
		t.Fatalf("expected level 1, got %d %s", res.Level, res.Category)
	}
	if res.MaxWait != 0 {
		t.Fatalf("expected zero max wait, got %s", res.MaxWait)
	}
	if len(res.Reasons) != 1 || !strings.Contains(res.Reasons[0], "spo2") {
		t.Fatalf("expected only the SpO2 trigger at level 1, got %#v", res.Reasons)
	}
}

func TestCriticalStatusTagIsNormalised(t *testing.T) {
	res := Classify(Input{IncidentType: "collapse", Vitals: normalVitals(), PainScore: intp(0), StatusTag: " Cardiac Arrest "})
	if res.Level != models.SeverityResuscitation {
		t.Fatalf("expected level 1 from status tag, got %d", res.Level)
	}
}

func TestCriticalKeywordInDescription(t *testing.T) {
	res := Classify(Input{IncidentType: "other", Description: "Bystander reports patient is NOT BREATHING", Vitals: normalVitals(), PainScore: intp(0)})
	if res.Level != models.SeverityResuscitation {
		t.Fatalf("expected level 1 from keyword, got %d", res.Level)
	}
}

func TestSeverePainGivesLevelTwo(t *testing.T) {
	res := Classify(Input{IncidentType: "back-pain", Vitals: normalVitals(), PainScore: intp(9)})
	if res.Level != models.SeverityEmergent || res.MaxWait != 10*time.Minute {
		t.Fatalf("expected level 2 with 10m wait, got %d %s", res.Level, res.MaxWait)
	}
}

func TestMotorVehicleAccidentWithModeratePainIsUrgent(t *testing.T) {
	res := Classify(Input{IncidentType: "motor-vehicle-accident", Vitals: normalVitals(), PainScore: intp(5)})

	if res.Level != models.SeverityUrgent || res.Category != "URGENT" {
		t.Fatalf("expected level 3, got %d %s", res.Level, res.Category)
	}
	if res.MaxWait != 60*time.Minute {
		t.Fatalf("expected 60m max wait, got %s", res.MaxWait)
	}
	if len(res.Resources) != 3 {
		t.Fatalf("expected labs, imaging and analgesia, got %#v", res.Resources)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings for a complete stable case, got %#v", res.Warnings)
	}
	if res.Completeness != 1 {
		t.Fatalf("expected full completeness, got %v", res.Completeness)
	}
}

func TestResourceCountDrivesLowerLevels(t *testing.T) {
	if res := Classify(Input{IncidentType: "laceration", Vitals: normalVitals(), PainScore: intp(3)}); res.Level != models.SeverityLessUrgent {
		t.Fatalf("expected level 4 for one resource, got %d", res.Level)
	}
	if res := Classify(Input{IncidentType: "Minor Injury", Vitals: normalVitals(), PainScore: intp(2)}); res.Level != models.SeverityNonUrgent {
		t.Fatalf("expected level 5 for no resources, got %d", res.Level)
	}
	if res := Classify(Input{IncidentType: "unheard-of", Vitals: normalVitals(), PainScore: intp(1)}); res.Level != models.SeverityNonUrgent {
		t.Fatalf("expected unknown incident to predict no resources, got %d", res.Level)
	}
}

func TestSituationalResourcesAreDeduplicated(t *testing.T) {
	got := PredictResources(Input{IncidentType: "laceration", ActiveBleeding: true, Allergies: []string{"penicillin"}, PainScore: intp(6)})
	want := []string{"procedure", "hemorrhage-control", "allergy-review", "iv-analgesia"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if got := PredictResources(Input{IncidentType: "rash", Allergies: []string{"NKDA"}}); len(got) != 0 {
		t.Fatalf("no-known-allergy markers must not add a resource, got %v", got)
	}
}

func TestLowAcuityWithConcerningPainAddsReviewWarning(t *testing.T) {
	res := Classify(Input{IncidentType: "rash", Vitals: normalVitals(), PainScore: intp(7)})
	if res.Level != models.SeverityLessUrgent {
		t.Fatalf("validation must not change the level, got %d", res.Level)
	}
	if len(res.Warnings) != 1 || !strings.HasPrefix(res.Warnings[0], "clinical review recommended") {
		t.Fatalf("expected clinical review warning, got %#v", res.Warnings)
	}
}

func TestReviewUsesInstabilityBandsNotWarningBands(t *testing.T) {
	// 115 bpm is inside the warning band, so the level stays low, but it is
	// outside the tighter instability band.
	v := normalVitals()
	v.HeartRate = intp(115)
	res := Classify(Input{IncidentType: "rash", Vitals: v, PainScore: intp(2)})
	if res.Level < models.SeverityLessUrgent {
		t.Fatalf("expected low acuity, got %d", res.Level)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "heart") {
		t.Fatalf("expected review warning naming heart rate, got %#v", res.Warnings)
	}

	calm := Classify(Input{IncidentType: "rash", Vitals: normalVitals(), PainScore: intp(2)})
	if len(calm.Warnings) != 0 {
		t.Fatalf("expected no warning with stable vitals, got %#v", calm.Warnings)
	}
}

func TestMalformedAndMissingVitalsAreNotEvaluable(t *testing.T) {
	res := Classify(Input{
		IncidentType: "fever",
		Vitals:       models.Vitals{SpO2: intp(150), HeartRate: intp(-3)},
		PainScore:    intp(42),
	})
	if res.Level != models.SeverityLessUrgent {
		t.Fatalf("expected level 4 from the fever resource alone, got %d", res.Level)
	}
	if res.Completeness != 0 {
		t.Fatalf("expected zero completeness, got %v", res.Completeness)
	}
	joined := strings.Join(res.Warnings, "|")
	for _, want := range []string{"spo2 not evaluable", "heart_rate not evaluable", "pain_score not evaluable", "temperature not evaluable"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected warning %q in %s", want, joined)
		}
	}
}

func TestEveryLevelHasOneCategory(t *testing.T) {
	seen := map[string]models.Severity{}
	for lvl := models.SeverityResuscitation; lvl <= models.SeverityNonUrgent; lvl++ {
		cat, label, _, ok := Describe(lvl)
		if !ok || cat == "" || label == "" {
			t.Fatalf("level %d missing description", lvl)
		}
		if other, dup := seen[cat]; dup {
			t.Fatalf("category %s shared by levels %d and %d", cat, other, lvl)
		}
		seen[cat] = lvl
	}
}

func TestFallbackIsEmergentWithReview(t *testing.T) {
	res := Fallback("panic in rule evaluation")
	if res.Level != models.SeverityEmergent || len(res.Warnings) != 1 {
		t.Fatalf("unexpected fallback %#v", res)
	}
}
