package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"emergency-dispatch/shared/retryx"
)

var ErrTampered = errors.New("audit: chain verification failed")

type Record struct {
	CaseID     uuid.UUID       `json:"case_id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Entry is one link of the chain. Hash covers PrevHash and every field of
// the record, so rewriting any entry breaks all later links.
type Entry struct {
	Seq int64 `json:"seq"`
	Record
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Store persists entries. Insert must fail with an error wrapping
// retryx.ErrConflict when Seq is already taken.
type Store interface {
	Last(ctx context.Context) (Entry, bool, error)
	Insert(ctx context.Context, e Entry) error
	List(ctx context.Context, afterSeq int64, limit int) ([]Entry, error)
}

type Log struct {
	mu    sync.Mutex
	store Store
	retry retryx.Policy
	now   func() time.Time
}

func NewLog(store Store) *Log {
	return &Log{store: store, retry: retryx.DefaultPolicy(5), now: time.Now}
}

// Append links a record to the end of the chain. Appends from other
// processes are detected through the sequence conflict and retried.
func (l *Log) Append(ctx context.Context, rec Record) (Entry, error) {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = l.now().UTC()
	}
	rec.OccurredAt = rec.OccurredAt.UTC().Truncate(time.Microsecond)

	l.mu.Lock()
	defer l.mu.Unlock()

	var out Entry
	err := retryx.Do(ctx, l.retry, func(ctx context.Context) error {
		last, ok, err := l.store.Last(ctx)
		if err != nil {
			return err
		}
		e := Entry{Seq: 1, Record: rec}
		if ok {
			e.Seq = last.Seq + 1
			e.PrevHash = last.Hash
		}
		e.Hash = Hash(e)
		if err := l.store.Insert(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append audit record: %w", err)
	}
	return out, nil
}

// Verify walks the whole chain and returns the number of intact entries.
// The error wraps ErrTampered and names the first broken sequence.
func (l *Log) Verify(ctx context.Context) (int64, error) {
	const page = 500
	var (
		prev     string
		expected int64 = 1
	)
	for {
		entries, err := l.store.List(ctx, expected-1, page)
		if err != nil {
			return expected - 1, err
		}
		for _, e := range entries {
			switch {
			case e.Seq != expected:
				return expected - 1, fmt.Errorf("%w: expected seq %d, found %d", ErrTampered, expected, e.Seq)
			case e.PrevHash != prev:
				return expected - 1, fmt.Errorf("%w: seq %d does not link to its predecessor", ErrTampered, e.Seq)
			case Hash(e) != e.Hash:
				return expected - 1, fmt.Errorf("%w: seq %d content does not match its hash", ErrTampered, e.Seq)
			}
			prev = e.Hash
			expected++
		}
		if len(entries) < page {
			return expected - 1, nil
		}
	}
}

// Hash is the hex SHA-256 over the previous hash and the entry content.
func Hash(e Entry) string {
	h := sha256.New()
	for _, part := range []string{
		e.PrevHash,
		strconv.FormatInt(e.Seq, 10),
		e.CaseID.String(),
		e.Action,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		string(e.Payload),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
