package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"emergency-dispatch/dispatch/internal/models"
)

type SpecialistRepo struct {
	pool *pgxpool.Pool
}

func NewSpecialistRepo(pool *pgxpool.Pool) *SpecialistRepo {
	return &SpecialistRepo{pool: pool}
}

// ListShifts returns every shift that has not ended at the given time.
func (r *SpecialistRepo) ListShifts(ctx context.Context, at time.Time) ([]models.SpecialistShift, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT specialist_id, facility_id, name, specialties, shift_start, shift_end, capacity_limit, current_count, available
		FROM specialist_shifts
		WHERE shift_end > $1
		ORDER BY facility_id, specialist_id
	`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SpecialistShift
	for rows.Next() {
		var (
			s           models.SpecialistShift
			specialties []string
		)
		if err := rows.Scan(&s.SpecialistID, &s.FacilityID, &s.Name, &specialties, &s.ShiftStart, &s.ShiftEnd, &s.CapacityLimit, &s.CurrentCount, &s.Available); err != nil {
			return nil, err
		}
		set, err := models.ParseSpecialtySet(specialties)
		if err != nil {
			return nil, err
		}
		s.Specialties = set
		out = append(out, s)
	}
	return out, rows.Err()
}

// TryIncrement takes one slot in a single conditional UPDATE. It reports
// false when the specialist is already at the limit.
func (r *SpecialistRepo) TryIncrement(ctx context.Context, specialistID uuid.UUID) (bool, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE specialist_shifts
		SET current_count = current_count + 1, updated_at = now()
		WHERE specialist_id = $1 AND current_count < capacity_limit
		RETURNING current_count
	`, specialistID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *SpecialistRepo) Decrement(ctx context.Context, specialistID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE specialist_shifts
		SET current_count = current_count - 1, updated_at = now()
		WHERE specialist_id = $1 AND current_count > 0
	`, specialistID)
	return err
}

func (r *SpecialistRepo) SaveAssignment(ctx context.Context, a models.Assignment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO assignments (assignment_id, case_id, specialist_id, facility_id, match_score, explanation, assigned_at, released_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.CaseID, a.SpecialistID, a.FacilityID, a.MatchScore, a.Explanation, a.AssignedAt, a.ReleasedAt)
	return err
}

func (r *SpecialistRepo) ReleaseAssignment(ctx context.Context, assignmentID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE assignments
		SET released_at = $2
		WHERE assignment_id = $1 AND released_at IS NULL
	`, assignmentID, at)
	return err
}

func (r *SpecialistRepo) ActiveAssignments(ctx context.Context) ([]models.Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT assignment_id, case_id, specialist_id, facility_id, match_score, explanation, assigned_at, released_at
		FROM assignments
		WHERE released_at IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.ID, &a.CaseID, &a.SpecialistID, &a.FacilityID, &a.MatchScore, &a.Explanation, &a.AssignedAt, &a.ReleasedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
