package facility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/dispatch/internal/route"
	"emergency-dispatch/shared/logx"
)

var ErrInvalidLevel = errors.New("facility: invalid severity level")

const fallbackScore = 50

// RouteEstimator is satisfied by *route.Estimator.
type RouteEstimator interface {
	EstimateBatch(ctx context.Context, origin models.Coordinates, facilities []models.Facility, mode models.RouteMode) map[uuid.UUID]models.RouteEstimate
}

type Request struct {
	Location     models.Coordinates
	Level        models.Severity
	IncidentType string
	Age          *int
}

type SubScores struct {
	Travel          float64 `json:"travel"`
	Capacity        float64 `json:"capacity"`
	Specialty       float64 `json:"specialty"`
	Quality         float64 `json:"quality"`
	DistancePenalty float64 `json:"distance_penalty"`
}

type Candidate struct {
	Facility models.Facility       `json:"facility"`
	Route    *models.RouteEstimate `json:"route,omitempty"`
	Scores   SubScores             `json:"scores"`
	Total    float64               `json:"total"`
	Reason   string                `json:"reason,omitempty"`
}

// Ranking is ordered best first. Escalate means no facility could be
// considered at all.
type Ranking struct {
	Candidates []Candidate         `json:"candidates"`
	Required   models.SpecialtySet `json:"required"`
	Escalate   bool                `json:"escalate"`
	Reason     string              `json:"reason,omitempty"`
	Fallback   bool                `json:"fallback"`
}

func (r Ranking) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

type weights struct {
	travel, capacity, specialty, quality, penalty float64
}

func weightsFor(level models.Severity) (weights, bool) {
	switch level {
	case models.SeverityResuscitation:
		return weights{travel: .50, capacity: .10, specialty: .35, quality: .05, penalty: 0}, true
	case models.SeverityEmergent:
		return weights{travel: .40, capacity: .15, specialty: .35, quality: .10, penalty: 0}, true
	case models.SeverityUrgent:
		return weights{travel: .25, capacity: .30, specialty: .25, quality: .20, penalty: .10}, true
	case models.SeverityLessUrgent:
		return weights{travel: .20, capacity: .35, specialty: .15, quality: .30, penalty: .15}, true
	case models.SeverityNonUrgent:
		return weights{travel: .15, capacity: .40, specialty: .10, quality: .35, penalty: .20}, true
	}
	return weights{}, false
}

type Scorer struct {
	routes RouteEstimator
	log    logx.Logger
}

func NewScorer(routes RouteEstimator, log logx.Logger) *Scorer {
	return &Scorer{routes: routes, log: log}
}

// Rank scores every active facility for a case. Route lookups fan out
// through the estimator; facilities without an estimate are skipped unless
// every lookup failed.
func (s *Scorer) Rank(ctx context.Context, req Request, facilities []models.Facility) (Ranking, error) {
	w, ok := weightsFor(req.Level)
	if !ok {
		return Ranking{}, fmt.Errorf("%w: %d", ErrInvalidLevel, req.Level)
	}
	ctx, span := otel.Tracer("dispatch.facility").Start(ctx, "facility.rank")
	defer span.End()

	required := RequiredSpecialties(req.Level, req.IncidentType, req.Age)
	active := make([]models.Facility, 0, len(facilities))
	for _, f := range facilities {
		if f.Active {
			active = append(active, f)
		}
	}
	span.SetAttributes(attribute.Int("facility.active", len(active)), attribute.Int("severity.level", int(req.Level)))
	if len(active) == 0 {
		s.log.Warn(ctx, "facility_escalation", "no active facility available",
			slog.String("error_code", "NO_ACTIVE_FACILITY"))
		return Ranking{Required: required, Escalate: true, Reason: "no active facility available"}, nil
	}

	mode := models.ModeDriving
	if req.Level <= models.SeverityEmergent {
		mode = models.ModeEmergency
	}
	var estimates map[uuid.UUID]models.RouteEstimate
	if s.routes != nil {
		estimates = s.routes.EstimateBatch(ctx, req.Location, active, mode)
	}
	if len(estimates) == 0 {
		s.log.Warn(ctx, "facility_rank_fallback", "no route estimates, ranking by straight line",
			slog.String("error_code", "ROUTES_UNAVAILABLE"))
		return fallbackRanking(req, active, required), nil
	}

	candidates := make([]Candidate, 0, len(estimates))
	for _, f := range active {
		est, ok := estimates[f.ID]
		if !ok {
			continue
		}
		sc := SubScores{
			Travel:          TravelScore(est.Duration.Minutes()),
			Capacity:        CapacityScore(f),
			Specialty:       SpecialtyScore(f.Specialties, required),
			Quality:         QualityScore(f.QualityRating),
			DistancePenalty: DistancePenalty(est.DistanceMeters / 1000),
		}
		total := w.travel*sc.Travel + w.capacity*sc.Capacity + w.specialty*sc.Specialty + w.quality*sc.Quality - w.penalty*sc.DistancePenalty
		candidates = append(candidates, Candidate{Facility: f, Route: &est, Scores: sc, Total: total})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.Route.Duration != b.Route.Duration {
			return a.Route.Duration < b.Route.Duration
		}
		return a.Facility.ID.String() < b.Facility.ID.String()
	})
	candidates[0].Reason = reasonFor(candidates[0], w)
	return Ranking{Candidates: candidates, Required: required}, nil
}

func fallbackRanking(req Request, active []models.Facility, required models.SpecialtySet) Ranking {
	byDistance := req.Location.Valid()
	key := func(f models.Facility) float64 {
		if byDistance {
			return route.HaversineKm(req.Location, f.Location)
		}
		return f.LoadRatio()
	}
	sorted := append([]models.Facility(nil), active...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := key(sorted[i]), key(sorted[j])
		if ki != kj {
			return ki < kj
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	candidates := make([]Candidate, len(sorted))
	for i, f := range sorted {
		candidates[i] = Candidate{Facility: f, Total: fallbackScore}
	}
	if byDistance {
		candidates[0].Reason = "route estimates unavailable, nearest facility by straight line"
	} else {
		candidates[0].Reason = "case location unusable, least loaded facility"
	}
	return Ranking{Candidates: candidates, Required: required, Fallback: true}
}

func reasonFor(c Candidate, w weights) string {
	parts := []struct {
		name  string
		value float64
	}{
		{"travel time", w.travel * c.Scores.Travel},
		{"capacity", w.capacity * c.Scores.Capacity},
		{"specialty match", w.specialty * c.Scores.Specialty},
		{"quality", w.quality * c.Scores.Quality},
	}
	best := parts[0]
	for _, p := range parts[1:] {
		if p.value > best.value {
			best = p
		}
	}
	return fmt.Sprintf("%s contributed %.1f of %.1f (eta %s)", best.name, best.value, c.Total, c.Route.Duration.Round(time.Second))
}

func TravelScore(minutes float64) float64 {
	if minutes < 0 {
		minutes = 0
	}
	return 100 / (1 + minutes/10)
}

func CapacityScore(f models.Facility) float64 {
	if f.Capacity <= 0 {
		return 0
	}
	switch r := f.LoadRatio(); {
	case r < 0.5:
		return 100
	case r < 0.7:
		return 80
	case r < 0.85:
		return 50
	case r < 0.95:
		return 20
	default:
		return 5
	}
}

func SpecialtyScore(offered, required models.SpecialtySet) float64 {
	score := 80.0
	if !required.Empty() {
		score = 80 * float64(offered.Intersect(required).Len()) / float64(required.Len())
	}
	if offered.Has(models.SpecialtyEmergencyMedicine) {
		score += 20
	}
	return math.Min(score, 100)
}

func QualityScore(rating float64) float64 {
	return math.Max(0, math.Min(rating, 5)) * 20
}

func DistancePenalty(km float64) float64 {
	if km <= 15 {
		return 0
	}
	return math.Min(2*(km-15), 100)
}
