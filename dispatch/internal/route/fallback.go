package route

import (
	"math"
	"time"

	"emergency-dispatch/dispatch/internal/models"
)

const (
	earthRadiusKm      = 6371.0
	roadFactor         = 1.3
	emergencySpeedup   = 1.3
	fallbackConfidence = 0.4
)

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(a, b models.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// SpeedKmh is the assumed average road speed for the local hour.
func SpeedKmh(hour int) float64 {
	switch {
	case (hour >= 7 && hour < 10) || (hour >= 16 && hour < 19):
		return 25
	case hour >= 22 || hour < 6:
		return 50
	default:
		return 35
	}
}

// Fallback estimates travel from straight-line distance when no live route
// is available.
func Fallback(origin, dest models.Coordinates, mode models.RouteMode, at time.Time) models.RouteEstimate {
	km := HaversineKm(origin, dest) * roadFactor
	speed := SpeedKmh(at.Hour())
	if mode == models.ModeEmergency {
		speed *= emergencySpeedup
	}
	return models.RouteEstimate{
		Origin:         origin,
		Destination:    dest,
		Mode:           mode,
		Duration:       time.Duration(km / speed * float64(time.Hour)),
		DistanceMeters: km * 1000,
		Confidence:     fallbackConfidence,
		Provider:       models.ProviderFallback,
		ComputedAt:     at,
	}
}
