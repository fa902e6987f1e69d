package audit

import (
	"context"
	"fmt"
	"sync"

	"emergency-dispatch/shared/retryx"
)

// MemoryStore keeps the chain in process. Tests use it in place of the
// Postgres-backed store.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *MemoryStore) Last(_ context.Context) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *MemoryStore) Insert(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Seq != int64(len(s.entries))+1 {
		return fmt.Errorf("%w: seq %d already taken", retryx.ErrConflict, e.Seq)
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, afterSeq int64, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(s.entries)) {
		return nil, nil
	}
	end := len(s.entries)
	if limit > 0 && int(afterSeq)+limit < end {
		end = int(afterSeq) + limit
	}
	return append([]Entry(nil), s.entries[afterSeq:end]...), nil
}
