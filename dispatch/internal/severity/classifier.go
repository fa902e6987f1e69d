package severity

import (
	"fmt"
	"strings"
	"time"

	"emergency-dispatch/dispatch/internal/models"
)

type Input struct {
	IncidentType   string
	Description    string
	Vitals         models.Vitals
	PainScore      *int
	StatusTag      string
	ActiveBleeding bool
	Allergies      []string
}

func InputFromCase(c models.Case) Input {
	return Input{
		IncidentType:   c.IncidentType,
		Description:    c.Description,
		Vitals:         c.Vitals,
		PainScore:      c.PainScore,
		StatusTag:      c.StatusTag,
		ActiveBleeding: c.ActiveBleeding,
		Allergies:      c.Allergies,
	}
}

type Result struct {
	Level              models.Severity `json:"level"`
	Category           string          `json:"category"`
	PriorityLabel      string          `json:"priority_label"`
	MaxWait            time.Duration   `json:"max_wait"`
	Reasons            []string        `json:"reasons"`
	Resources          []string        `json:"resources,omitempty"`
	RecommendedActions []string        `json:"recommended_actions"`
	Warnings           []string        `json:"warnings,omitempty"`
	Completeness       float64         `json:"completeness"`
}

// Classify runs the level cascade. The first level with any trigger wins and
// every trigger at that level is reported.
func Classify(in Input) Result {
	readings := in.Vitals.Readings()
	pain, painOK := models.Pain(in.PainScore)

	var warnings []string
	evaluable := 0
	for _, r := range readings {
		switch {
		case r.Valid:
			evaluable++
		case r.Present:
			warnings = append(warnings, fmt.Sprintf("%s not evaluable: implausible value %s", r.Sign, r.String()))
		default:
			warnings = append(warnings, fmt.Sprintf("%s not evaluable: not recorded", r.Sign))
		}
	}
	switch {
	case painOK:
		evaluable++
	case in.PainScore != nil:
		warnings = append(warnings, fmt.Sprintf("pain_score not evaluable: %d outside 0-10", *in.PainScore))
	default:
		warnings = append(warnings, "pain_score not evaluable: not recorded")
	}

	status := NormalizeTag(in.StatusTag)
	description := strings.ToLower(in.Description)

	var (
		level     models.Severity
		reasons   []string
		resources []string
	)
	if reasons = criticalTriggers(readings, status, description); len(reasons) > 0 {
		level = models.SeverityResuscitation
	} else if reasons = emergentTriggers(readings, status, description, pain, painOK); len(reasons) > 0 {
		level = models.SeverityEmergent
	} else {
		resources = PredictResources(in)
		switch {
		case len(resources) >= 2:
			level = models.SeverityUrgent
		case len(resources) == 1:
			level = models.SeverityLessUrgent
		default:
			level = models.SeverityNonUrgent
		}
		reasons = []string{fmt.Sprintf("%d predicted resources", len(resources))}
		if len(resources) > 0 {
			reasons[0] += ": " + strings.Join(resources, ", ")
		}
	}

	if level >= models.SeverityLessUrgent {
		if unstable := instability(readings, pain, painOK); len(unstable) > 0 {
			warnings = append(warnings, fmt.Sprintf("clinical review recommended: level %d with %s", level, strings.Join(unstable, ", ")))
		}
	}

	info := levels[level]
	return Result{
		Level:              level,
		Category:           info.category,
		PriorityLabel:      info.label,
		MaxWait:            info.maxWait,
		Reasons:            reasons,
		Resources:          resources,
		RecommendedActions: append([]string(nil), info.actions...),
		Warnings:           warnings,
		Completeness:       float64(evaluable) / 7,
	}
}

// Fallback is the result used when classification could not complete.
func Fallback(cause string) Result {
	info := levels[models.SeverityEmergent]
	return Result{
		Level:              models.SeverityEmergent,
		Category:           info.category,
		PriorityLabel:      info.label,
		MaxWait:            info.maxWait,
		Reasons:            []string{"classification failed, defaulted to emergent"},
		RecommendedActions: append([]string(nil), info.actions...),
		Warnings:           []string{"clinical review required: " + cause},
	}
}

// PredictResources lists the distinct resources the case is expected to
// consume, from the incident type plus situational findings.
func PredictResources(in Input) []string {
	seen := map[string]bool{}
	var out []string
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, r := range incidentResources[NormalizeIncident(in.IncidentType)] {
		add(r)
	}
	if in.ActiveBleeding {
		add("hemorrhage-control")
	}
	if hasAllergy(in.Allergies) {
		add("allergy-review")
	}
	if pain, ok := models.Pain(in.PainScore); ok && pain >= 5 {
		add("iv-analgesia")
	}
	return out
}

func criticalTriggers(readings []models.Reading, status string, description string) []string {
	var reasons []string
	for _, r := range readings {
		if b, ok := criticalBands[r.Sign]; ok && r.Valid && b.outside(r.Value) {
			reasons = append(reasons, fmt.Sprintf("critical %s %s", r.Sign, r.String()))
		}
	}
	if CriticalStatusTags[status] {
		reasons = append(reasons, "critical status "+status)
	}
	for _, kw := range criticalKeywords {
		if strings.Contains(description, kw) {
			reasons = append(reasons, "critical keyword \""+kw+"\"")
		}
	}
	return reasons
}

func emergentTriggers(readings []models.Reading, status string, description string, pain int, painOK bool) []string {
	var reasons []string
	for _, r := range readings {
		if b, ok := warningBands[r.Sign]; ok && r.Valid && b.outside(r.Value) {
			reasons = append(reasons, fmt.Sprintf("abnormal %s %s", r.Sign, r.String()))
		}
	}
	if highRiskStatusTags[status] {
		reasons = append(reasons, "high-risk status "+status)
	}
	if painOK && pain >= 8 {
		reasons = append(reasons, fmt.Sprintf("severe pain %d/10", pain))
	}
	for _, kw := range emergentKeywords {
		if strings.Contains(description, kw) {
			reasons = append(reasons, "high-risk keyword \""+kw+"\"")
		}
	}
	return reasons
}

func instability(readings []models.Reading, pain int, painOK bool) []string {
	var out []string
	for _, r := range readings {
		if b, ok := instabilityBands[r.Sign]; ok && r.Valid && b.outside(r.Value) {
			out = append(out, fmt.Sprintf("%s %s", r.Sign, r.String()))
		}
	}
	if painOK && pain >= 7 {
		out = append(out, fmt.Sprintf("pain %d/10", pain))
	}
	return out
}

func hasAllergy(allergies []string) bool {
	for _, a := range allergies {
		switch strings.ToLower(strings.TrimSpace(a)) {
		case "", "none", "nka", "nkda":
		default:
			return true
		}
	}
	return false
}

// NormalizeTag lower-cases a status tag and joins words with underscores.
func NormalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return strings.NewReplacer("-", "_", " ", "_").Replace(tag)
}

// NormalizeIncident lower-cases an incident type and joins words with dashes.
func NormalizeIncident(incident string) string {
	incident = strings.ToLower(strings.TrimSpace(incident))
	return strings.NewReplacer("_", "-", " ", "-").Replace(incident)
}
