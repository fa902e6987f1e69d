package queue

import (
	"math"
	"time"

	"emergency-dispatch/dispatch/internal/models"
)

const missingDataPerPosition = 30 * time.Minute

// EstimateWait projects the wait for the entry at a 1-based position. A nil
// facility means its record could not be read; the wait is then position
// times the default baseline.
func EstimateWait(position int, f *models.Facility, staff models.Staffing, defaultBaseline time.Duration, at time.Time) time.Duration {
	if position < 1 {
		position = 1
	}
	if defaultBaseline <= 0 {
		defaultBaseline = missingDataPerPosition
	}
	if f == nil {
		return time.Duration(position) * defaultBaseline
	}
	baseline := f.BaselineTreatment
	if baseline <= 0 {
		baseline = defaultBaseline
	}
	if staff.Available <= 0 {
		return time.Duration(position) * baseline
	}

	ahead := position - 1
	rounds := math.Ceil(float64(ahead) / float64(staff.Available))
	wait := rounds * float64(baseline)
	if staff.OnShift > 0 {
		wait += 0.5 * float64(baseline) * float64(staff.Busy) / float64(staff.OnShift)
	}
	wait *= 1 + clamp01(loadRatio(*f))
	wait *= timeOfDayFactor(at.Hour())
	return time.Duration(math.Round(wait))
}

func loadRatio(f models.Facility) float64 {
	if f.Capacity <= 0 {
		return 1
	}
	return float64(f.Load) / float64(f.Capacity)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func timeOfDayFactor(hour int) float64 {
	switch {
	case hour >= 7 && hour < 10:
		return 1.3
	case hour >= 17 && hour < 20:
		return 1.2
	case hour >= 23 || hour < 6:
		return 0.8
	default:
		return 1.0
	}
}
