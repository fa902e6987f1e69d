package facility

import (
	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/dispatch/internal/severity"
)

var incidentSpecialties = map[string]models.SpecialtySet{
	"motor-vehicle-accident": models.NewSpecialtySet(models.SpecialtyTrauma, models.SpecialtyOrthopedics),
	"major-trauma":           models.NewSpecialtySet(models.SpecialtyTrauma, models.SpecialtyOrthopedics),
	"fall":                   models.NewSpecialtySet(models.SpecialtyTrauma, models.SpecialtyOrthopedics),
	"fracture":               models.NewSpecialtySet(models.SpecialtyTrauma, models.SpecialtyOrthopedics),
	"assault":                models.NewSpecialtySet(models.SpecialtyTrauma, models.SpecialtyOrthopedics),
	"gunshot-wound":          models.NewSpecialtySet(models.SpecialtyTrauma, models.SpecialtyGeneralSurgery),
	"stab-wound":             models.NewSpecialtySet(models.SpecialtyTrauma, models.SpecialtyGeneralSurgery),
	"chest-pain":             models.NewSpecialtySet(models.SpecialtyCardiology),
	"cardiac-arrest":         models.NewSpecialtySet(models.SpecialtyCardiology),
	"stroke":                 models.NewSpecialtySet(models.SpecialtyNeurology),
	"seizure":                models.NewSpecialtySet(models.SpecialtyNeurology),
	"burn":                   models.NewSpecialtySet(models.SpecialtyBurns),
	"electrocution":          models.NewSpecialtySet(models.SpecialtyBurns),
	"overdose":               models.NewSpecialtySet(models.SpecialtyToxicology),
	"poisoning":              models.NewSpecialtySet(models.SpecialtyToxicology),
	"pregnancy-complication": models.NewSpecialtySet(models.SpecialtyObstetrics),
	"respiratory-infection":  models.NewSpecialtySet(models.SpecialtyPulmonology),
	"difficulty-breathing":   models.NewSpecialtySet(models.SpecialtyPulmonology),
	"asthma":                 models.NewSpecialtySet(models.SpecialtyPulmonology),
	"abdominal-pain":         models.NewSpecialtySet(models.SpecialtyGeneralSurgery),
}

// RequiredSpecialties derives what a receiving facility should offer from
// acuity, incident type and age.
func RequiredSpecialties(level models.Severity, incidentType string, age *int) models.SpecialtySet {
	var req models.SpecialtySet
	switch level {
	case models.SeverityResuscitation:
		req = req.Add(models.SpecialtyCriticalCare).Add(models.SpecialtyEmergencyMedicine)
	case models.SeverityEmergent:
		req = req.Add(models.SpecialtyEmergencyMedicine)
	}
	req = req.Union(incidentSpecialties[severity.NormalizeIncident(incidentType)])
	switch models.BracketFor(age) {
	case models.AgeInfant, models.AgePediatric:
		req = req.Add(models.SpecialtyPediatrics)
	case models.AgeGeriatric:
		req = req.Add(models.SpecialtyGeriatrics)
	}
	return req
}
