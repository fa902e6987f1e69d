package models

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"
)

type Specialty uint8

const (
	SpecialtyEmergencyMedicine Specialty = iota + 1
	SpecialtyCriticalCare
	SpecialtyTrauma
	SpecialtyCardiology
	SpecialtyNeurology
	SpecialtyOrthopedics
	SpecialtyPediatrics
	SpecialtyGeriatrics
	SpecialtyObstetrics
	SpecialtyBurns
	SpecialtyToxicology
	SpecialtyGeneralSurgery
	SpecialtyPulmonology

	specialtyEnd
)

var specialtyNames = map[Specialty]string{
	SpecialtyEmergencyMedicine: "emergency-medicine",
	SpecialtyCriticalCare:      "critical-care",
	SpecialtyTrauma:            "trauma",
	SpecialtyCardiology:        "cardiology",
	SpecialtyNeurology:         "neurology",
	SpecialtyOrthopedics:       "orthopedics",
	SpecialtyPediatrics:        "pediatrics",
	SpecialtyGeriatrics:        "geriatrics",
	SpecialtyObstetrics:        "obstetrics",
	SpecialtyBurns:             "burns",
	SpecialtyToxicology:        "toxicology",
	SpecialtyGeneralSurgery:    "general-surgery",
	SpecialtyPulmonology:       "pulmonology",
}

func (s Specialty) String() string {
	if name, ok := specialtyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("specialty(%d)", uint8(s))
}

func (s Specialty) Valid() bool {
	return s > 0 && s < specialtyEnd
}

func ParseSpecialty(raw string) (Specialty, error) {
	key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(raw, "_", "-")))
	for sp, name := range specialtyNames {
		if name == key {
			return sp, nil
		}
	}
	return 0, fmt.Errorf("unknown specialty %q", raw)
}

// SpecialtySet is a bit set over Specialty.
type SpecialtySet uint32

func NewSpecialtySet(specialties ...Specialty) SpecialtySet {
	var s SpecialtySet
	for _, sp := range specialties {
		s = s.Add(sp)
	}
	return s
}

func ParseSpecialtySet(names []string) (SpecialtySet, error) {
	var s SpecialtySet
	for _, n := range names {
		sp, err := ParseSpecialty(n)
		if err != nil {
			return 0, err
		}
		s = s.Add(sp)
	}
	return s, nil
}

func (s SpecialtySet) Add(sp Specialty) SpecialtySet {
	if !sp.Valid() {
		return s
	}
	return s | 1<<sp
}

func (s SpecialtySet) Has(sp Specialty) bool {
	return sp.Valid() && s&(1<<sp) != 0
}

func (s SpecialtySet) Union(o SpecialtySet) SpecialtySet { return s | o }

func (s SpecialtySet) Intersect(o SpecialtySet) SpecialtySet { return s & o }

func (s SpecialtySet) Len() int { return bits.OnesCount32(uint32(s)) }

func (s SpecialtySet) Empty() bool { return s == 0 }

// Slice lists members in enum order.
func (s SpecialtySet) Slice() []Specialty {
	out := make([]Specialty, 0, s.Len())
	for sp := SpecialtyEmergencyMedicine; sp < specialtyEnd; sp++ {
		if s.Has(sp) {
			out = append(out, sp)
		}
	}
	return out
}

func (s SpecialtySet) Names() []string {
	members := s.Slice()
	out := make([]string, len(members))
	for i, sp := range members {
		out[i] = sp.String()
	}
	return out
}

func (s SpecialtySet) String() string {
	return strings.Join(s.Names(), ",")
}

func (s SpecialtySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

func (s *SpecialtySet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	parsed, err := ParseSpecialtySet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
