package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"emergency-dispatch/dispatch/internal/models"
)

type FacilityRepo struct {
	pool *pgxpool.Pool
}

func NewFacilityRepo(pool *pgxpool.Pool) *FacilityRepo {
	return &FacilityRepo{pool: pool}
}

func (r *FacilityRepo) ListFacilities(ctx context.Context) ([]models.Facility, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT facility_id, name, lat, lon, specialties, capacity, current_load, baseline_treatment_minutes, quality_rating, active
		FROM facilities
		ORDER BY facility_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Facility
	for rows.Next() {
		var (
			f           models.Facility
			specialties []string
			baselineMin int
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Location.Lat, &f.Location.Lon, &specialties, &f.Capacity, &f.Load, &baselineMin, &f.QualityRating, &f.Active); err != nil {
			return nil, err
		}
		set, err := models.ParseSpecialtySet(specialties)
		if err != nil {
			return nil, err
		}
		f.Specialties = set
		f.BaselineTreatment = time.Duration(baselineMin) * time.Minute
		out = append(out, f)
	}
	return out, rows.Err()
}
