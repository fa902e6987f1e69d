package repos

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"emergency-dispatch/dispatch/internal/audit"
	"emergency-dispatch/shared/dbx"
	"emergency-dispatch/shared/retryx"
)

// AuditChainRepo stores the hash-chained audit log. The seq primary key
// makes concurrent appenders collide instead of forking the chain.
type AuditChainRepo struct {
	pool *pgxpool.Pool
}

func NewAuditChainRepo(pool *pgxpool.Pool) *AuditChainRepo {
	return &AuditChainRepo{pool: pool}
}

func (r *AuditChainRepo) Last(ctx context.Context) (audit.Entry, bool, error) {
	e, err := scanAudit(r.pool.QueryRow(ctx, `
		SELECT seq, case_id, action, payload, occurred_at, prev_hash, hash
		FROM audit_chain
		ORDER BY seq DESC
		LIMIT 1
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, err
	}
	return e, true, nil
}

func (r *AuditChainRepo) Insert(ctx context.Context, e audit.Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_chain (seq, case_id, action, payload, occurred_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.Seq, e.CaseID, e.Action, []byte(e.Payload), e.OccurredAt, e.PrevHash, e.Hash)
	if dbx.IsUniqueViolation(err) {
		return fmt.Errorf("%w: audit seq %d: %v", retryx.ErrConflict, e.Seq, err)
	}
	return dbx.Classify(err)
}

func (r *AuditChainRepo) List(ctx context.Context, afterSeq int64, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT seq, case_id, action, payload, occurred_at, prev_hash, hash
		FROM audit_chain
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAudit(row scanner) (audit.Entry, error) {
	var (
		e       audit.Entry
		payload []byte
	)
	if err := row.Scan(&e.Seq, &e.CaseID, &e.Action, &payload, &e.OccurredAt, &e.PrevHash, &e.Hash); err != nil {
		return audit.Entry{}, err
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return e, nil
}
