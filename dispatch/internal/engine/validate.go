package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/config"
)

var (
	ErrCaseNotFound      = errors.New("engine: case not found")
	ErrDuplicateCase     = errors.New("engine: case already submitted")
	ErrCaseClosed        = errors.New("engine: case is closed")
	ErrInvalidTransition = errors.New("engine: invalid case transition")
	errCancelled         = errors.New("engine: case cancelled before admission")
)

// ValidationError rejects a case before classification.
type ValidationError struct {
	Problems []config.Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Message)
	}
	return "invalid case: " + strings.Join(parts, "; ")
}

// Validate checks the structure of a case. Missing or implausible vitals are
// not problems here; the classifier treats them as not evaluable.
func Validate(c models.Case) error {
	var problems []config.Problem
	add := func(field, msg string) {
		problems = append(problems, config.Problem{Field: field, Message: msg})
	}

	if c.ID == uuid.Nil {
		add("case_id", "required")
	}
	if strings.TrimSpace(c.IncidentType) == "" && strings.TrimSpace(c.Description) == "" {
		add("incident_type", "incident type or description required")
	}
	if c.Age != nil && (*c.Age < 0 || *c.Age > 130) {
		add("age", fmt.Sprintf("out of range: %d", *c.Age))
	}
	loc := c.Location
	switch {
	case math.IsNaN(loc.Lat) || math.IsNaN(loc.Lon) || math.IsInf(loc.Lat, 0) || math.IsInf(loc.Lon, 0):
		add("location", "not a number")
	case loc.Lat < -90 || loc.Lat > 90:
		add("location.lat", fmt.Sprintf("out of range: %g", loc.Lat))
	case loc.Lon < -180 || loc.Lon > 180:
		add("location.lon", fmt.Sprintf("out of range: %g", loc.Lon))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
