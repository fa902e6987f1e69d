package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/dbx"
	"emergency-dispatch/shared/workflow"
)

type QueueRepo struct {
	pool *pgxpool.Pool
}

func NewQueueRepo(pool *pgxpool.Pool) *QueueRepo {
	return &QueueRepo{pool: pool}
}

// UpsertEntries writes a queue's entries and the facility load change in
// one transaction. Conflicts surface wrapped in retryx.ErrConflict.
func (r *QueueRepo) UpsertEntries(ctx context.Context, entries []models.QueueEntry, load models.LoadChange) error {
	if len(entries) == 0 && load.Delta == 0 {
		return nil
	}
	return dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		if load.Delta != 0 {
			batch.Queue(`
				UPDATE facilities
				SET current_load = GREATEST(current_load + $2, 0), updated_at = now()
				WHERE facility_id = $1
			`, load.FacilityID, load.Delta)
		}
		for _, e := range entries {
			batch.Queue(`
				INSERT INTO queue_entries (
					case_id, facility_id, position, priority_score, estimated_wait_ms, status, removed_reason, entered_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (case_id, facility_id) DO UPDATE SET
					position = EXCLUDED.position,
					priority_score = EXCLUDED.priority_score,
					estimated_wait_ms = EXCLUDED.estimated_wait_ms,
					status = EXCLUDED.status,
					removed_reason = EXCLUDED.removed_reason,
					entered_at = EXCLUDED.entered_at,
					updated_at = EXCLUDED.updated_at
			`, e.CaseID, e.FacilityID, e.Position, e.PriorityScore, e.EstimatedWait.Milliseconds(), e.Status, nullIfEmpty(e.RemovedReason), e.EnteredAt, e.UpdatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		return br.Close()
	})
}

func (r *QueueRepo) ListWaiting(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT case_id, facility_id, position, priority_score, estimated_wait_ms, status, COALESCE(removed_reason, ''), entered_at, updated_at
		FROM queue_entries
		WHERE status = $1
		ORDER BY facility_id, position
	`, workflow.EntryStatusWaiting)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ListFacilityWaiting reads one facility's waiting entries. Callers hold the
// facility's queue lock.
func (r *QueueRepo) ListFacilityWaiting(ctx context.Context, facilityID uuid.UUID) ([]models.QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT case_id, facility_id, position, priority_score, estimated_wait_ms, status, COALESCE(removed_reason, ''), entered_at, updated_at
		FROM queue_entries
		WHERE facility_id = $1 AND status = $2
		ORDER BY position
	`, facilityID, workflow.EntryStatusWaiting)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]models.QueueEntry, error) {
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		var (
			e      models.QueueEntry
			waitMS int64
		)
		if err := rows.Scan(&e.CaseID, &e.FacilityID, &e.Position, &e.PriorityScore, &waitMS, &e.Status, &e.RemovedReason, &e.EnteredAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.EstimatedWait = time.Duration(waitMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
