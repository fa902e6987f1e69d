package severity

import (
	"time"

	"emergency-dispatch/dispatch/internal/models"
)

type band struct {
	low, high float64
	hasLow    bool
	hasHigh   bool
}

func (b band) outside(v float64) bool {
	return (b.hasLow && v < b.low) || (b.hasHigh && v > b.high)
}

func lowHigh(low, high float64) band { return band{low: low, high: high, hasLow: true, hasHigh: true} }
func lowOnly(low float64) band       { return band{low: low, hasLow: true} }

var criticalBands = map[models.VitalSign]band{
	models.VitalHeartRate:       lowHigh(40, 180),
	models.VitalSystolicBP:      lowHigh(70, 220),
	models.VitalRespiratoryRate: lowHigh(8, 35),
	models.VitalSpO2:            lowOnly(85),
	models.VitalTemperature:     lowHigh(35.0, 41.0),
}

var warningBands = map[models.VitalSign]band{
	models.VitalHeartRate:       lowHigh(50, 130),
	models.VitalSystolicBP:      lowHigh(90, 180),
	models.VitalRespiratoryRate: lowHigh(10, 28),
	models.VitalSpO2:            lowOnly(92),
	models.VitalTemperature:     lowHigh(36.0, 39.5),
}

// instabilityBands are tighter than warningBands and only drive the
// clinical-review check on low-acuity results.
var instabilityBands = map[models.VitalSign]band{
	models.VitalHeartRate:       lowHigh(55, 110),
	models.VitalSystolicBP:      lowHigh(100, 160),
	models.VitalRespiratoryRate: lowHigh(10, 22),
	models.VitalSpO2:            lowOnly(95),
	models.VitalTemperature:     lowHigh(36.0, 38.0),
}

// CriticalStatusTags is shared with the danger-signal detector.
var CriticalStatusTags = map[string]bool{
	"unresponsive":       true,
	"cardiac_arrest":     true,
	"respiratory_arrest": true,
	"not_breathing":      true,
	"pulseless":          true,
	"unconscious":        true,
	"active_seizure":     true,
}

var highRiskStatusTags = map[string]bool{
	"confused":               true,
	"altered_mental_status":  true,
	"severe_pain":            true,
	"chest_pain":             true,
	"difficulty_breathing":   true,
	"active_bleeding":        true,
	"pregnancy_complication": true,
}

var criticalKeywords = []string{
	"cardiac arrest", "not breathing", "unresponsive", "unconscious", "anaphylaxis",
	"severe bleeding", "choking", "drowning", "overdose", "stroke", "gunshot", "stab wound",
}

var emergentKeywords = []string{
	"chest pain", "difficulty breathing", "shortness of breath", "seizure", "head injury",
	"high fever", "allergic reaction", "severe pain", "suicidal", "confusion",
}

var incidentResources = map[string][]string{
	"motor-vehicle-accident": {"labs", "imaging"},
	"fall":                   {"imaging"},
	"fracture":               {"imaging", "procedure"},
	"abdominal-pain":         {"labs", "imaging", "iv-fluids"},
	"chest-pain":             {"labs", "ecg"},
	"laceration":             {"procedure"},
	"burn":                   {"iv-fluids", "procedure"},
	"respiratory-infection":  {"labs", "nebulizer"},
	"fever":                  {"labs"},
	"headache":               {"labs"},
	"assault":                {"imaging"},
	"back-pain":              {"imaging"},
	"minor-injury":           {},
	"rash":                   {},
	"medication-refill":      {},
}

type levelInfo struct {
	category string
	label    string
	maxWait  time.Duration
	actions  []string
}

var levels = map[models.Severity]levelInfo{
	models.SeverityResuscitation: {
		category: "RESUSCITATION",
		label:    "immediate",
		maxWait:  0,
		actions:  []string{"Initiate resuscitation protocol", "Activate resuscitation team", "Continuous cardiac and SpO2 monitoring"},
	},
	models.SeverityEmergent: {
		category: "EMERGENT",
		label:    "emergent",
		maxWait:  10 * time.Minute,
		actions:  []string{"Physician evaluation within 10 minutes", "Establish IV access", "Repeat vital signs every 15 minutes"},
	},
	models.SeverityUrgent: {
		category: "URGENT",
		label:    "urgent",
		maxWait:  60 * time.Minute,
		actions:  []string{"Physician evaluation within 60 minutes", "Order predicted diagnostics", "Reassess vital signs every 30 minutes"},
	},
	models.SeverityLessUrgent: {
		category: "LESS_URGENT",
		label:    "less-urgent",
		maxWait:  120 * time.Minute,
		actions:  []string{"Evaluation within 120 minutes", "Reassess if condition changes"},
	},
	models.SeverityNonUrgent: {
		category: "NON_URGENT",
		label:    "non-urgent",
		maxWait:  240 * time.Minute,
		actions:  []string{"Evaluation within 240 minutes", "Consider fast-track or primary care referral"},
	},
}

// Describe returns category, priority label and maximum wait for a level.
func Describe(level models.Severity) (category string, label string, maxWait time.Duration, ok bool) {
	info, ok := levels[level]
	return info.category, info.label, info.maxWait, ok
}
