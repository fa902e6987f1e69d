package facility

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/logx"
)

type stubSource struct {
	calls int
	list  []models.Facility
	err   error
}

func (s *stubSource) ListFacilities(context.Context) ([]models.Facility, error) {
	s.calls++
	return s.list, s.err
}

func TestDirectoryCachesAndServesStaleOnFailure(t *testing.T) {
	f := models.Facility{ID: uuid.New(), Name: "north", Active: true}
	src := &stubSource{list: []models.Facility{f}}
	d := NewDirectory(src, 0, logx.Discard())

	for i := 0; i < 3; i++ {
		if _, err := d.List(context.Background()); err != nil {
			t.Fatalf("list: %v", err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected one source call, got %d", src.calls)
	}

	src.err = errors.New("db down")
	d.Invalidate()
	got, ok := d.Facility(context.Background(), f.ID)
	if !ok || got.Name != "north" {
		t.Fatalf("expected stale facility, got %#v %v", got, ok)
	}
}

func TestDirectoryWithoutDataFails(t *testing.T) {
	d := NewDirectory(&stubSource{err: errors.New("db down")}, 0, logx.Discard())
	if _, err := d.List(context.Background()); err == nil {
		t.Fatalf("expected error without a last known list")
	}
	if _, ok := d.Facility(context.Background(), uuid.New()); ok {
		t.Fatalf("expected lookup miss")
	}
}

func TestDirectoryAdjustLoadUpdatesCachedList(t *testing.T) {
	f := models.Facility{ID: uuid.New(), Name: "north", Active: true, Capacity: 20, Load: 5}
	src := &stubSource{list: []models.Facility{f}}
	d := NewDirectory(src, 0, logx.Discard())
	ctx := context.Background()

	if _, err := d.List(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	for i := 0; i < 16; i++ {
		d.AdjustLoad(f.ID, 1)
	}
	got, _ := d.Facility(ctx, f.ID)
	if got.Load != 21 {
		t.Fatalf("expected load 21, got %d", got.Load)
	}
	if src.calls != 1 {
		t.Fatalf("adjusting load must not refetch, got %d calls", src.calls)
	}
	if src.list[0].Load != 5 {
		t.Fatalf("source slice must not be mutated, got %d", src.list[0].Load)
	}

	for i := 0; i < 30; i++ {
		d.AdjustLoad(f.ID, -1)
	}
	got, _ = d.Facility(ctx, f.ID)
	if got.Load != 0 {
		t.Fatalf("expected load clamped at 0, got %d", got.Load)
	}
}
