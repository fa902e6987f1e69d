package danger

import (
	"fmt"
	"strings"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/dispatch/internal/severity"
)

type Input struct {
	IncidentType string
	Vitals       models.Vitals
	PainScore    *int
	StatusTag    string
	Age          *int
}

func InputFromCase(c models.Case) Input {
	return Input{
		IncidentType: c.IncidentType,
		Vitals:       c.Vitals,
		PainScore:    c.PainScore,
		StatusTag:    c.StatusTag,
		Age:          c.Age,
	}
}

type Report struct {
	Flags                      []models.DangerFlag `json:"flags"`
	CriticalCount              int                 `json:"critical_count"`
	WarningCount               int                 `json:"warning_count"`
	RequiresImmediateAttention bool                `json:"requires_immediate_attention"`
	RequiresClinicalReview     bool                `json:"requires_clinical_review"`
	Summary                    string              `json:"summary"`
}

// limits holds the bounds outside which a vital is abnormal. A zero-value
// side is unused.
type limits struct {
	below, above       float64
	useBelow, useAbove bool
}

func (l limits) breached(v float64) bool {
	return (l.useBelow && v < l.below) || (l.useAbove && v > l.above)
}

func (l limits) String() string {
	switch {
	case l.useBelow && l.useAbove:
		return fmt.Sprintf("%g-%g", l.below, l.above)
	case l.useBelow:
		return fmt.Sprintf(">=%g", l.below)
	default:
		return fmt.Sprintf("<=%g", l.above)
	}
}

type vitalRule struct {
	sign      models.VitalSign
	label     string
	critical  limits
	warning   limits
	immediate []string
	recommend []string
}

var vitalRules = []vitalRule{
	{
		sign: models.VitalHeartRate, label: "Heart rate",
		critical:  limits{below: 40, above: 150, useBelow: true, useAbove: true},
		warning:   limits{below: 50, above: 120, useBelow: true, useAbove: true},
		immediate: []string{"Attach cardiac monitor", "Prepare advanced cardiac life support"},
		recommend: []string{"12-lead ECG"},
	},
	{
		sign: models.VitalSystolicBP, label: "Systolic blood pressure",
		critical:  limits{below: 80, above: 200, useBelow: true, useAbove: true},
		warning:   limits{below: 90, above: 180, useBelow: true, useAbove: true},
		immediate: []string{"Establish IV access"},
		recommend: []string{"Repeat blood pressure every 5 minutes"},
	},
	{
		sign: models.VitalDiastolicBP, label: "Diastolic blood pressure",
		critical:  limits{above: 120, useAbove: true},
		warning:   limits{below: 50, above: 110, useBelow: true, useAbove: true},
		recommend: []string{"Repeat blood pressure every 15 minutes"},
	},
	{
		sign: models.VitalRespiratoryRate, label: "Respiratory rate",
		critical:  limits{below: 8, above: 30, useBelow: true, useAbove: true},
		warning:   limits{below: 12, above: 24, useBelow: true, useAbove: true},
		immediate: []string{"Assess airway and breathing"},
		recommend: []string{"Continuous respiratory monitoring"},
	},
	{
		sign: models.VitalSpO2, label: "Oxygen saturation",
		critical:  limits{below: 88, useBelow: true},
		warning:   limits{below: 94, useBelow: true},
		immediate: []string{"Administer supplemental oxygen"},
		recommend: []string{"Continuous pulse oximetry"},
	},
	{
		sign: models.VitalTemperature, label: "Temperature",
		critical:  limits{below: 35.0, above: 40.5, useBelow: true, useAbove: true},
		warning:   limits{below: 36.0, above: 38.5, useBelow: true, useAbove: true},
		recommend: []string{"Repeat core temperature", "Consider infection workup"},
	},
}

var highRiskIncidents = map[string]bool{
	"cardiac-arrest":         true,
	"stroke":                 true,
	"major-trauma":           true,
	"gunshot-wound":          true,
	"stab-wound":             true,
	"overdose":               true,
	"anaphylaxis":            true,
	"drowning":               true,
	"electrocution":          true,
	"pregnancy-complication": true,
}

// Detect checks each vital independently, then multi-vital patterns, status,
// incident and pain. Adding abnormal vitals to an input never removes a flag.
func Detect(in Input) Report {
	var flags []models.DangerFlag

	for _, rule := range vitalRules {
		v, ok := in.Vitals.Value(rule.sign)
		if !ok {
			continue
		}
		switch {
		case rule.critical.breached(v):
			flags = append(flags, models.DangerFlag{
				Severity:           models.FlagCritical,
				Parameter:          string(rule.sign),
				Value:              fmt.Sprintf("%g", v),
				Threshold:          rule.critical.String(),
				Message:            fmt.Sprintf("%s %g outside critical range %s", rule.label, v, rule.critical),
				ImmediateActions:   rule.immediate,
				RecommendedActions: rule.recommend,
			})
		case rule.warning.breached(v):
			flags = append(flags, models.DangerFlag{
				Severity:           models.FlagWarning,
				Parameter:          string(rule.sign),
				Value:              fmt.Sprintf("%g", v),
				Threshold:          rule.warning.String(),
				Message:            fmt.Sprintf("%s %g outside normal range %s", rule.label, v, rule.warning),
				RecommendedActions: rule.recommend,
			})
		}
	}

	flags = append(flags, patterns(in.Vitals)...)

	if tag := severity.NormalizeTag(in.StatusTag); severity.CriticalStatusTags[tag] {
		flags = append(flags, models.DangerFlag{
			Severity:         models.FlagCritical,
			Parameter:        "status",
			Value:            tag,
			Message:          "Critical patient status: " + strings.ReplaceAll(tag, "_", " "),
			ImmediateActions: []string{"Begin resuscitation assessment"},
		})
	}
	if incident := severity.NormalizeIncident(in.IncidentType); highRiskIncidents[incident] {
		flags = append(flags, models.DangerFlag{
			Severity:           models.FlagWarning,
			Parameter:          "incident_type",
			Value:              incident,
			Message:            "High-risk incident type: " + incident,
			RecommendedActions: []string{"Pre-alert receiving facility"},
		})
	}
	if pain, ok := models.Pain(in.PainScore); ok && pain >= 8 {
		flags = append(flags, models.DangerFlag{
			Severity:           models.FlagWarning,
			Parameter:          "pain_score",
			Value:              fmt.Sprintf("%d", pain),
			Threshold:          "<8",
			Message:            fmt.Sprintf("Severe pain %d/10", pain),
			RecommendedActions: []string{"Provide analgesia per protocol"},
		})
	}

	if bracket := models.BracketFor(in.Age); len(flags) > 0 && bracket.Vulnerable() {
		flags = append(flags, models.DangerFlag{
			Severity:           models.FlagWarning,
			Parameter:          "age_amplifier",
			Value:              fmt.Sprintf("%d", *in.Age),
			Message:            fmt.Sprintf("%s patient: abnormal findings carry elevated risk", bracket),
			RecommendedActions: []string{"Lower threshold for escalation"},
		})
	}

	return summarize(flags)
}

func patterns(v models.Vitals) []models.DangerFlag {
	hr, hrOK := v.Value(models.VitalHeartRate)
	sbp, sbpOK := v.Value(models.VitalSystolicBP)
	rr, rrOK := v.Value(models.VitalRespiratoryRate)
	spo2, spo2OK := v.Value(models.VitalSpO2)
	temp, tempOK := v.Value(models.VitalTemperature)

	var out []models.DangerFlag
	if sbpOK && hrOK && sbp < 90 && hr > 100 {
		out = append(out, models.DangerFlag{
			Severity:         models.FlagCritical,
			Parameter:        "shock_pattern",
			Value:            fmt.Sprintf("SBP %g, HR %g", sbp, hr),
			Threshold:        "SBP<90 and HR>100",
			Message:          "Hypotension with tachycardia suggests shock",
			ImmediateActions: []string{"Establish two large-bore IV lines", "Begin fluid resuscitation"},
		})
	}
	if spo2OK && rrOK && spo2 < 92 && rr > 24 {
		out = append(out, models.DangerFlag{
			Severity:         models.FlagCritical,
			Parameter:        "respiratory_distress_pattern",
			Value:            fmt.Sprintf("SpO2 %g, RR %g", spo2, rr),
			Threshold:        "SpO2<92 and RR>24",
			Message:          "Hypoxia with tachypnea suggests respiratory distress",
			ImmediateActions: []string{"Administer high-flow oxygen", "Prepare airway support"},
		})
	}
	if tempOK && hrOK && sbpOK && temp > 38.0 && hr > 90 && sbp < 100 {
		out = append(out, models.DangerFlag{
			Severity:           models.FlagCritical,
			Parameter:          "sepsis_pattern",
			Value:              fmt.Sprintf("T %g, HR %g, SBP %g", temp, hr, sbp),
			Threshold:          "T>38.0, HR>90, SBP<100",
			Message:            "Fever with tachycardia and low blood pressure suggests sepsis",
			ImmediateActions:   []string{"Draw blood cultures", "Start sepsis bundle"},
			RecommendedActions: []string{"Serum lactate"},
		})
	}
	return out
}

func summarize(flags []models.DangerFlag) Report {
	r := Report{Flags: flags}
	names := make([]string, 0, len(flags))
	for _, f := range flags {
		if f.Severity == models.FlagCritical {
			r.CriticalCount++
		} else {
			r.WarningCount++
		}
		names = append(names, f.Parameter)
	}
	r.RequiresImmediateAttention = r.CriticalCount > 0
	r.RequiresClinicalReview = len(flags) > 0
	if len(flags) == 0 {
		r.Summary = "No danger signals detected"
	} else {
		r.Summary = fmt.Sprintf("%d critical, %d warning: %s", r.CriticalCount, r.WarningCount, strings.Join(names, ", "))
	}
	return r
}
