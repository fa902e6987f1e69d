package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/cachex"
	"emergency-dispatch/shared/clients/routing"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
)

var ErrInvalidCoordinates = errors.New("route: invalid coordinates")

const (
	liveConfidence    = 0.85
	trafficConfidence = 0.95
)

// Provider is the live routing collaborator. *routing.Client satisfies it.
type Provider interface {
	Route(ctx context.Context, req routing.Request) (routing.Response, error)
}

// RemoteCache is an optional shared second cache level. *cachex.Client
// satisfies it.
type RemoteCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Options struct {
	TTL time.Duration
	// FallbackTTL bounds how long a straight-line estimate is reused, so a
	// recovered provider is consulted again well before TTL runs out.
	FallbackTTL time.Duration
	// LookupTimeout caps one provider call.
	LookupTimeout time.Duration
	MaxEntries    int
	Fanout        int
	Remote        RemoteCache
	Logger        logx.Logger
	Now           func() time.Time
}

type Estimator struct {
	provider    Provider
	cache       *cachex.Local[models.RouteEstimate]
	remote      RemoteCache
	fanout      int
	fallbackTTL time.Duration
	timeout     time.Duration
	log         logx.Logger
	now         func() time.Time
}

// NewEstimator builds an estimator. A nil provider means every lookup uses
// the straight-line fallback.
func NewEstimator(provider Provider, opts Options) *Estimator {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.FallbackTTL <= 0 || opts.FallbackTTL > opts.TTL {
		opts.FallbackTTL = min(30*time.Second, opts.TTL)
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 4096
	}
	if opts.Fanout <= 0 {
		opts.Fanout = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Estimator{
		provider:    provider,
		cache:       cachex.NewLocal[models.RouteEstimate](opts.TTL, opts.MaxEntries),
		remote:      opts.Remote,
		fanout:      opts.Fanout,
		fallbackTTL: opts.FallbackTTL,
		timeout:     opts.LookupTimeout,
		log:         opts.Logger,
		now:         opts.Now,
	}
}

// Estimate returns a travel estimate between two points. Provider failures
// never surface; the only error is ErrInvalidCoordinates.
func (e *Estimator) Estimate(ctx context.Context, origin, dest models.Coordinates, mode models.RouteMode) (models.RouteEstimate, error) {
	if !origin.Valid() || !dest.Valid() {
		return models.RouteEstimate{}, fmt.Errorf("%w: %v -> %v", ErrInvalidCoordinates, origin, dest)
	}
	if mode == "" {
		mode = models.ModeDriving
	}

	key := cacheKey(origin, dest, mode)
	est, hit, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (models.RouteEstimate, error) {
		return e.lookup(ctx, key, origin, dest, mode), nil
	})
	if err != nil {
		return models.RouteEstimate{}, err
	}
	switch {
	case hit:
		est.Cached = true
		metricsx.IncRouteLookup("cache")
	case est.Fallback():
		e.cache.SetTTL(key, est, e.fallbackTTL)
	}
	return est, nil
}

// EstimateBatch fans out one estimate per facility with bounded concurrency.
// Facilities whose estimate failed outright are absent from the result.
func (e *Estimator) EstimateBatch(ctx context.Context, origin models.Coordinates, facilities []models.Facility, mode models.RouteMode) map[uuid.UUID]models.RouteEstimate {
	ctx, span := otel.Tracer("dispatch.route").Start(ctx, "route.estimate_batch")
	span.SetAttributes(attribute.Int("route.facilities", len(facilities)))
	defer span.End()

	var (
		mu  sync.Mutex
		out = make(map[uuid.UUID]models.RouteEstimate, len(facilities))
		g   errgroup.Group
	)
	g.SetLimit(e.fanout)
	for _, f := range facilities {
		f := f
		g.Go(func() error {
			est, err := e.Estimate(ctx, origin, f.Location, mode)
			if err != nil {
				e.log.Debug(ctx, "route_estimate_skipped", "no estimate for facility",
					slog.String("facility_id", f.ID.String()), slog.String("error", err.Error()))
				return nil
			}
			mu.Lock()
			out[f.ID] = est
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Estimator) lookup(ctx context.Context, key string, origin, dest models.Coordinates, mode models.RouteMode) models.RouteEstimate {
	if e.remote != nil {
		var cached models.RouteEstimate
		ok, err := e.remote.GetJSON(ctx, key, &cached)
		switch {
		case err != nil:
			e.log.Warn(ctx, "route_remote_cache_failed", "shared route cache read failed",
				slog.String("error_code", "CACHE_UNAVAILABLE"), slog.String("error", err.Error()))
		case ok:
			cached.Cached = true
			metricsx.IncRouteLookup("remote_cache")
			return cached
		}
	}

	if est, ok := e.live(ctx, origin, dest, mode); ok {
		metricsx.IncRouteLookup("live")
		if e.remote != nil {
			if err := e.remote.SetJSON(ctx, key, est, e.cache.TTL()); err != nil {
				e.log.Warn(ctx, "route_remote_cache_failed", "shared route cache write failed",
					slog.String("error_code", "CACHE_UNAVAILABLE"), slog.String("error", err.Error()))
			}
		}
		return est
	}

	metricsx.IncRouteLookup("fallback")
	est := Fallback(origin, dest, mode, e.now())
	est.TTL = e.fallbackTTL
	return est
}

func (e *Estimator) live(ctx context.Context, origin, dest models.Coordinates, mode models.RouteMode) (models.RouteEstimate, bool) {
	if e.provider == nil {
		return models.RouteEstimate{}, false
	}
	ctx, span := otel.Tracer("dispatch.route").Start(ctx, "route.provider_lookup")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Route(ctx, routing.Request{
		Origin:      routing.Point{Lat: origin.Lat, Lon: origin.Lon},
		Destination: routing.Point{Lat: dest.Lat, Lon: dest.Lon},
		Mode:        string(mode),
	})
	if err != nil {
		span.RecordError(err)
		e.log.Warn(ctx, "route_fallback", "routing provider unavailable, using straight-line estimate",
			slog.String("error_code", "ROUTING_UNAVAILABLE"), slog.String("error", err.Error()))
		return models.RouteEstimate{}, false
	}

	est := models.RouteEstimate{
		Origin:         origin,
		Destination:    dest,
		Mode:           mode,
		Duration:       seconds(resp.DurationSeconds),
		DistanceMeters: resp.DistanceMeters,
		Confidence:     liveConfidence,
		Provider:       models.ProviderLive,
		ComputedAt:     e.now(),
		TTL:            e.cache.TTL(),
	}
	if resp.TrafficDurationSeconds != nil {
		traffic := seconds(*resp.TrafficDurationSeconds)
		est.TrafficDuration = &traffic
		est.Duration = traffic
		est.Confidence = trafficConfidence
	}
	return est, true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// cacheKey rounds to three decimals (about 110 m) so nearby requests share
// an entry.
func cacheKey(origin, dest models.Coordinates, mode models.RouteMode) string {
	return fmt.Sprintf("route:%.3f,%.3f:%.3f,%.3f:%s", round3(origin.Lat), round3(origin.Lon), round3(dest.Lat), round3(dest.Lon), mode)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
