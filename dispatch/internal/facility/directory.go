package facility

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/cachex"
	"emergency-dispatch/shared/logx"
)

// Source is the facility registry. *repos.FacilityRepo satisfies it.
type Source interface {
	ListFacilities(ctx context.Context) ([]models.Facility, error)
}

const allKey = "all"

// Directory caches the facility registry for a short TTL. When a refresh
// fails the last good list is served.
type Directory struct {
	source Source
	cache  *cachex.Local[[]models.Facility]
	log    logx.Logger

	mu   sync.RWMutex
	last []models.Facility
}

func NewDirectory(source Source, ttl time.Duration, log logx.Logger) *Directory {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Directory{source: source, cache: cachex.NewLocal[[]models.Facility](ttl, 1), log: log}
}

func (d *Directory) List(ctx context.Context) ([]models.Facility, error) {
	list, _, err := d.cache.GetOrCompute(ctx, allKey, func(ctx context.Context) ([]models.Facility, error) {
		return d.source.ListFacilities(ctx)
	})
	if err != nil {
		d.mu.RLock()
		stale := d.last
		d.mu.RUnlock()
		if stale == nil {
			return nil, err
		}
		d.log.Warn(ctx, "facility_registry_stale", "facility refresh failed, serving last known list",
			slog.String("error_code", "REGISTRY_UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		return stale, nil
	}
	d.mu.Lock()
	d.last = list
	d.mu.Unlock()
	return list, nil
}

// Facility looks one facility up by ID for wait estimation.
func (d *Directory) Facility(ctx context.Context, id uuid.UUID) (models.Facility, bool) {
	list, err := d.List(ctx)
	if err != nil {
		return models.Facility{}, false
	}
	for _, f := range list {
		if f.ID == id {
			return f, true
		}
	}
	return models.Facility{}, false
}

// Invalidate forces the next List to hit the source.
func (d *Directory) Invalidate() {
	d.cache.Delete(allKey)
}

// AdjustLoad applies a queue-driven load change to the cached registry so
// scoring sees it before the next refresh. The change is already durable in
// the facilities table; the cache keeps its original expiry.
func (d *Directory) AdjustLoad(id uuid.UUID, delta int) {
	apply := func(list []models.Facility) []models.Facility {
		out := make([]models.Facility, len(list))
		copy(out, list)
		for i := range out {
			if out[i].ID == id {
				out[i].Load = max(out[i].Load+delta, 0)
			}
		}
		return out
	}
	d.cache.Update(allKey, apply)
	d.mu.Lock()
	if d.last != nil {
		d.last = apply(d.last)
	}
	d.mu.Unlock()
}
