package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), Record{
			CaseID:  uuid.New(),
			Action:  "case_assessed",
			Payload: json.RawMessage(`{"level":2}`),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestAppendLinksEntries(t *testing.T) {
	store := &MemoryStore{}
	l := NewLog(store)
	appendN(t, l, 3)

	entries, _ := store.List(context.Background(), 0, 10)
	if entries[0].PrevHash != "" || entries[1].PrevHash != entries[0].Hash || entries[2].PrevHash != entries[1].Hash {
		t.Fatalf("entries are not linked: %#v", entries)
	}
	n, err := l.Verify(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("verify: %d %v", n, err)
	}
}

func TestVerifyDetectsRewrittenPayload(t *testing.T) {
	store := &MemoryStore{}
	l := NewLog(store)
	appendN(t, l, 4)

	store.entries[2].Payload = json.RawMessage(`{"level":5}`)
	n, err := l.Verify(context.Background())
	if !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected two intact entries, got %d", n)
	}
}

func TestVerifyDetectsRemovedEntry(t *testing.T) {
	store := &MemoryStore{}
	l := NewLog(store)
	appendN(t, l, 3)

	store.entries = append(store.entries[:1], store.entries[2:]...)
	if _, err := l.Verify(context.Background()); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
}

func TestConcurrentAppendsKeepSequence(t *testing.T) {
	store := &MemoryStore{}
	l := NewLog(store)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(context.Background(), Record{CaseID: uuid.New(), Action: "case_queued"}); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()
	if n, err := l.Verify(context.Background()); err != nil || n != 20 {
		t.Fatalf("verify: %d %v", n, err)
	}
}

func TestAppendRetriesSequenceConflict(t *testing.T) {
	store := &MemoryStore{}
	writer := NewLog(store)
	other := NewLog(store)
	appendN(t, writer, 1)

	// A second log sharing the store stands in for another process.
	if _, err := other.Append(context.Background(), Record{CaseID: uuid.New(), Action: "case_released"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	e, err := writer.Append(context.Background(), Record{CaseID: uuid.New(), Action: "case_cancelled"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.Seq != 3 {
		t.Fatalf("expected seq 3, got %d", e.Seq)
	}
}
