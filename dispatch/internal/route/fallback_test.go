package route

import (
	"math"
	"testing"
	"time"

	"emergency-dispatch/dispatch/internal/models"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Berlin to Paris is about 878 km.
	d := HaversineKm(models.Coordinates{Lat: 52.5200, Lon: 13.4050}, models.Coordinates{Lat: 48.8566, Lon: 2.3522})
	if math.Abs(d-878) > 5 {
		t.Fatalf("expected ~878 km, got %.1f", d)
	}
}

func TestSpeedByHour(t *testing.T) {
	cases := map[int]float64{7: 25, 9: 25, 10: 35, 12: 35, 16: 25, 18: 25, 19: 35, 22: 50, 3: 50, 5: 50, 6: 35}
	for hour, want := range cases {
		if got := SpeedKmh(hour); got != want {
			t.Fatalf("hour %d: expected %v, got %v", hour, want, got)
		}
	}
}

func TestFallbackEmergencyModeIsFaster(t *testing.T) {
	a := models.Coordinates{Lat: 52.52, Lon: 13.40}
	b := models.Coordinates{Lat: 52.60, Lon: 13.50}
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	drive := Fallback(a, b, models.ModeDriving, at)
	emergency := Fallback(a, b, models.ModeEmergency, at)
	if emergency.Duration >= drive.Duration {
		t.Fatalf("expected emergency faster: %s vs %s", emergency.Duration, drive.Duration)
	}
	if drive.Provider != models.ProviderFallback || drive.Confidence != 0.4 {
		t.Fatalf("unexpected tag %#v", drive)
	}
	wantKm := HaversineKm(a, b) * 1.3
	if math.Abs(drive.DistanceMeters-wantKm*1000) > 1 {
		t.Fatalf("expected road distance %.0f m, got %.0f", wantKm*1000, drive.DistanceMeters)
	}
	wantMin := wantKm / 35 * 60
	if math.Abs(drive.Duration.Minutes()-wantMin) > 0.01 {
		t.Fatalf("expected %.2f min, got %.2f", wantMin, drive.Duration.Minutes())
	}
}
