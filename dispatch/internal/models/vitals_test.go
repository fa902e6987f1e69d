package models

import (
	"math"
	"testing"
)

func TestReadingsFlagImplausibleValues(t *testing.T) {
	hr, spo2, temp := 72, 104, math.NaN()
	v := Vitals{HeartRate: &hr, SpO2: &spo2, Temperature: &temp}

	if got, ok := v.Value(VitalHeartRate); !ok || got != 72 {
		t.Fatalf("expected heart rate 72, got %v %v", got, ok)
	}
	if _, ok := v.Value(VitalSpO2); ok {
		t.Fatalf("SpO2 above 100 must not be evaluable")
	}
	if _, ok := v.Value(VitalTemperature); ok {
		t.Fatalf("NaN temperature must not be evaluable")
	}
	if _, ok := v.Value(VitalRespiratoryRate); ok {
		t.Fatalf("missing respiratory rate must not be evaluable")
	}
}

func TestBracketFor(t *testing.T) {
	cases := map[int]AgeBracket{0: AgeInfant, 9: AgePediatric, 40: AgeAdult, 65: AgeGeriatric, 200: AgeUnknown}
	for age, want := range cases {
		a := age
		if got := BracketFor(&a); got != want {
			t.Fatalf("age %d: expected %s, got %s", age, want, got)
		}
	}
	if BracketFor(nil) != AgeUnknown {
		t.Fatalf("nil age should be unknown")
	}
}

func TestCoordinatesValid(t *testing.T) {
	if (Coordinates{Lat: 91, Lon: 0}).Valid() || (Coordinates{}).Valid() || (Coordinates{Lat: math.NaN(), Lon: 1}).Valid() {
		t.Fatalf("expected invalid coordinates to be rejected")
	}
	if !(Coordinates{Lat: 40.7, Lon: -74.0}).Valid() {
		t.Fatalf("expected valid coordinates")
	}
}
