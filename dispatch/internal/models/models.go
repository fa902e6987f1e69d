package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid rejects NaN, infinities, out-of-range values and the 0,0 placeholder.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return false
	}
	return !(c.Lat == 0 && c.Lon == 0)
}

// Vitals fields are nil when not captured.
type Vitals struct {
	HeartRate       *int     `json:"heart_rate,omitempty"`
	SystolicBP      *int     `json:"systolic_bp,omitempty"`
	DiastolicBP     *int     `json:"diastolic_bp,omitempty"`
	RespiratoryRate *int     `json:"respiratory_rate,omitempty"`
	SpO2            *int     `json:"spo2,omitempty"`
	Temperature     *float64 `json:"temperature_c,omitempty"`
}

type Case struct {
	ID             uuid.UUID   `json:"case_id"`
	Age            *int        `json:"age,omitempty"`
	Sex            string      `json:"sex,omitempty"`
	IncidentType   string      `json:"incident_type"`
	Description    string      `json:"description,omitempty"`
	Vitals         Vitals      `json:"vitals"`
	PainScore      *int        `json:"pain_score,omitempty"`
	StatusTag      string      `json:"status_tag,omitempty"`
	ActiveBleeding bool        `json:"active_bleeding,omitempty"`
	Allergies      []string    `json:"allergies,omitempty"`
	Location       Coordinates `json:"location"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type AgeBracket string

const (
	AgeInfant    AgeBracket = "infant"
	AgePediatric AgeBracket = "pediatric"
	AgeAdult     AgeBracket = "adult"
	AgeGeriatric AgeBracket = "geriatric"
	AgeUnknown   AgeBracket = "unknown"
)

func BracketFor(age *int) AgeBracket {
	switch {
	case age == nil || *age < 0 || *age > 130:
		return AgeUnknown
	case *age < 1:
		return AgeInfant
	case *age < 18:
		return AgePediatric
	case *age >= 65:
		return AgeGeriatric
	default:
		return AgeAdult
	}
}

// Vulnerable reports brackets whose findings carry extra risk.
func (b AgeBracket) Vulnerable() bool {
	return b == AgeInfant || b == AgePediatric || b == AgeGeriatric
}

type Severity int

const (
	SeverityResuscitation Severity = iota + 1
	SeverityEmergent
	SeverityUrgent
	SeverityLessUrgent
	SeverityNonUrgent
)

func (s Severity) Valid() bool {
	return s >= SeverityResuscitation && s <= SeverityNonUrgent
}

type Facility struct {
	ID                uuid.UUID     `json:"facility_id"`
	Name              string        `json:"name"`
	Location          Coordinates   `json:"location"`
	Specialties       SpecialtySet  `json:"specialties"`
	Capacity          int           `json:"capacity"`
	Load              int           `json:"load"`
	BaselineTreatment time.Duration `json:"baseline_treatment"`
	QualityRating     float64       `json:"quality_rating"`
	Active            bool          `json:"active"`
}

// LoadRatio is load/capacity; a facility without capacity reads as full.
func (f Facility) LoadRatio() float64 {
	if f.Capacity <= 0 {
		return 1
	}
	return float64(f.Load) / float64(f.Capacity)
}

type RouteMode string

const (
	ModeDriving   RouteMode = "driving"
	ModeEmergency RouteMode = "emergency"
)

const (
	ProviderLive     = "routing-provider"
	ProviderFallback = "haversine-fallback"
)

type RouteEstimate struct {
	Origin          Coordinates    `json:"origin"`
	Destination     Coordinates    `json:"destination"`
	Mode            RouteMode      `json:"mode"`
	Duration        time.Duration  `json:"duration"`
	DistanceMeters  float64        `json:"distance_meters"`
	TrafficDuration *time.Duration `json:"traffic_duration,omitempty"`
	Confidence      float64        `json:"confidence"`
	Provider        string         `json:"provider"`
	Cached          bool           `json:"cached"`
	ComputedAt      time.Time      `json:"computed_at"`
	TTL             time.Duration  `json:"ttl"`
}

func (r RouteEstimate) Fallback() bool { return r.Provider == ProviderFallback }

type QueueEntry struct {
	CaseID        uuid.UUID     `json:"case_id"`
	FacilityID    uuid.UUID     `json:"facility_id"`
	Position      int           `json:"position"`
	PriorityScore float64       `json:"priority_score"`
	EstimatedWait time.Duration `json:"estimated_wait"`
	Status        string        `json:"status"`
	RemovedReason string        `json:"removed_reason,omitempty"`
	EnteredAt     time.Time     `json:"entered_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// LoadChange is the facility load delta written together with a queue
// mutation: +1 on admit, -1 on removal.
type LoadChange struct {
	FacilityID uuid.UUID
	Delta      int
}

type SpecialistShift struct {
	SpecialistID  uuid.UUID    `json:"specialist_id"`
	FacilityID    uuid.UUID    `json:"facility_id"`
	Name          string       `json:"name"`
	Specialties   SpecialtySet `json:"specialties"`
	ShiftStart    time.Time    `json:"shift_start"`
	ShiftEnd      time.Time    `json:"shift_end"`
	CapacityLimit int          `json:"capacity_limit"`
	CurrentCount  int          `json:"current_count"`
	Available     bool         `json:"available"`
}

func (s SpecialistShift) OnShift(at time.Time) bool {
	return !at.Before(s.ShiftStart) && at.Before(s.ShiftEnd)
}

type Assignment struct {
	ID           uuid.UUID  `json:"assignment_id"`
	CaseID       uuid.UUID  `json:"case_id"`
	SpecialistID uuid.UUID  `json:"specialist_id"`
	FacilityID   uuid.UUID  `json:"facility_id"`
	MatchScore   float64    `json:"match_score"`
	Explanation  string     `json:"explanation"`
	AssignedAt   time.Time  `json:"assigned_at"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
}

func (a Assignment) Active() bool { return a.ReleasedAt == nil }

type FlagSeverity string

const (
	FlagCritical FlagSeverity = "critical"
	FlagWarning  FlagSeverity = "warning"
)

type DangerFlag struct {
	Severity           FlagSeverity `json:"severity"`
	Parameter          string       `json:"parameter"`
	Value              string       `json:"value,omitempty"`
	Threshold          string       `json:"threshold,omitempty"`
	Message            string       `json:"message"`
	RecommendedActions []string     `json:"recommended_actions,omitempty"`
	ImmediateActions   []string     `json:"immediate_actions,omitempty"`
}

// Assessment is one immutable triage cycle. A later cycle supersedes it;
// only SupersededBy is ever set after creation.
type Assessment struct {
	ID                 uuid.UUID     `json:"assessment_id"`
	CaseID             uuid.UUID     `json:"case_id"`
	Cycle              int           `json:"cycle"`
	Level              Severity      `json:"level"`
	Category           string        `json:"category"`
	PriorityLabel      string        `json:"priority_label"`
	MaxWait            time.Duration `json:"max_wait"`
	Flags              []DangerFlag  `json:"flags,omitempty"`
	ValidationWarnings []string      `json:"validation_warnings,omitempty"`
	Completeness       float64       `json:"completeness"`
	Reasoning          []string      `json:"reasoning,omitempty"`
	Degraded           bool          `json:"degraded"`
	SupersededBy       *uuid.UUID    `json:"superseded_by,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Staffing counts specialists at one facility at a point in time.
type Staffing struct {
	OnShift   int `json:"on_shift"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
}
