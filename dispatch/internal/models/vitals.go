package models

import (
	"math"
	"strconv"
)

type VitalSign string

const (
	VitalHeartRate       VitalSign = "heart_rate"
	VitalSystolicBP      VitalSign = "systolic_bp"
	VitalDiastolicBP     VitalSign = "diastolic_bp"
	VitalRespiratoryRate VitalSign = "respiratory_rate"
	VitalSpO2            VitalSign = "spo2"
	VitalTemperature     VitalSign = "temperature"
)

// Reading is one vital as captured. Valid is false for missing values and for
// values outside what a living patient can physically present.
type Reading struct {
	Sign    VitalSign
	Value   float64
	Present bool
	Valid   bool
}

func (r Reading) String() string {
	if !r.Present {
		return "missing"
	}
	return strconv.FormatFloat(r.Value, 'f', -1, 64)
}

type plausibleRange struct{ min, max float64 }

var plausible = map[VitalSign]plausibleRange{
	VitalHeartRate:       {0, 350},
	VitalSystolicBP:      {0, 350},
	VitalDiastolicBP:     {0, 250},
	VitalRespiratoryRate: {0, 100},
	VitalSpO2:            {0, 100},
	VitalTemperature:     {20, 46},
}

// Readings returns the six vitals in a fixed order.
func (v Vitals) Readings() []Reading {
	return []Reading{
		intReading(VitalHeartRate, v.HeartRate),
		intReading(VitalSystolicBP, v.SystolicBP),
		intReading(VitalDiastolicBP, v.DiastolicBP),
		intReading(VitalRespiratoryRate, v.RespiratoryRate),
		intReading(VitalSpO2, v.SpO2),
		floatReading(VitalTemperature, v.Temperature),
	}
}

// Value returns a vital only when it is present and plausible.
func (v Vitals) Value(sign VitalSign) (float64, bool) {
	for _, r := range v.Readings() {
		if r.Sign == sign {
			return r.Value, r.Valid
		}
	}
	return 0, false
}

func intReading(sign VitalSign, p *int) Reading {
	if p == nil {
		return Reading{Sign: sign}
	}
	return check(Reading{Sign: sign, Value: float64(*p), Present: true})
}

func floatReading(sign VitalSign, p *float64) Reading {
	if p == nil {
		return Reading{Sign: sign}
	}
	return check(Reading{Sign: sign, Value: *p, Present: true})
}

func check(r Reading) Reading {
	rng := plausible[r.Sign]
	r.Valid = !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0) && r.Value >= rng.min && r.Value <= rng.max
	return r
}

// Pain returns the pain score when it lies on the 0-10 scale.
func Pain(p *int) (int, bool) {
	if p == nil || *p < 0 || *p > 10 {
		return 0, false
	}
	return *p, true
}
