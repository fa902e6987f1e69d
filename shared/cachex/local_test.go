package cachex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalExpiresAfterTTL(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewLocal[int](time.Minute, 10)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}
	now = now.Add(61 * time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestLocalEvictsWhenFull(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewLocal[string](time.Minute, 2)
	c.now = func() time.Time { return now }

	c.Set("first", "1")
	now = now.Add(time.Second)
	c.Set("second", "2")
	now = now.Add(time.Second)
	c.Set("third", "3")

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get("first"); ok {
		t.Fatalf("expected oldest entry to be evicted")
	}
}

func TestLocalGetOrComputeSharesWork(t *testing.T) {
	c := NewLocal[int](time.Minute, 10)
	var calls atomic.Int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, _, err := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (int, error) {
				calls.Add(1)
				time.Sleep(20 * time.Millisecond)
				return 42, nil
			})
			if err != nil || v != 42 {
				t.Errorf("unexpected result %d %v", v, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected a single computation, got %d", calls.Load())
	}
	_, hit, _ := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (int, error) { return 0, nil })
	if !hit {
		t.Fatalf("expected cached hit")
	}
}

func TestLocalDoesNotCacheErrors(t *testing.T) {
	c := NewLocal[int](time.Minute, 10)
	boom := errors.New("boom")
	if _, _, err := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("error result must not be cached")
	}
}

func TestLocalUpdateKeepsExpiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewLocal[int](time.Minute, 10)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	now = now.Add(50 * time.Second)
	if !c.Update("a", func(v int) int { return v + 1 }) {
		t.Fatalf("expected update of live entry")
	}
	if v, _ := c.Get("a"); v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
	now = now.Add(11 * time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("update must not extend the entry lifetime")
	}
	if c.Update("a", func(v int) int { return v }) {
		t.Fatalf("expected update of expired entry to report false")
	}
}

func TestLocalSetTTLOverridesDefault(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewLocal[int](time.Hour, 10)
	c.now = func() time.Time { return now }

	c.SetTTL("short", 1, 5*time.Second)
	now = now.Add(6 * time.Second)
	if _, ok := c.Get("short"); ok {
		t.Fatalf("expected short-lived entry to expire")
	}
}
