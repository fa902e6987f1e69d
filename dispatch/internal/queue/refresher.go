package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"emergency-dispatch/shared/influxx"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
)

// SeriesWriter is satisfied by *influxx.Client.
type SeriesWriter interface {
	WritePoints(ctx context.Context, points []influxx.Point) error
}

// Refresher periodically recomputes wait estimates for every known queue and
// records them as a time series.
type Refresher struct {
	manager  *Manager
	writer   SeriesWriter
	interval time.Duration
	log      logx.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewRefresher(manager *Manager, writer SeriesWriter, interval time.Duration, log logx.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{manager: manager, writer: writer, interval: interval, log: log}
}

// Start launches the refresh loop. Calling Start on a running refresher does
// nothing.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	go r.loop(ctx, r.done)
}

// Stop ends the loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce reorders every queue and writes one queue_wait point per
// waiting entry plus one queue_depth point per facility.
func (r *Refresher) RefreshOnce(ctx context.Context) {
	var points []influxx.Point
	now := r.manager.now()
	for _, facilityID := range r.manager.Facilities() {
		if err := r.manager.Reorder(ctx, facilityID); err != nil {
			r.log.Warn(ctx, "queue_refresh_failed", "queue reorder failed",
				slog.String("error_code", "REFRESH_FAILED"),
				slog.String("facility_id", facilityID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		snapshot := r.manager.Snapshot(facilityID)
		tags := map[string]string{"facility_id": facilityID.String()}
		points = append(points, influxx.Point{
			Measurement: "queue_depth",
			Tags:        tags,
			Fields:      map[string]any{"waiting": len(snapshot)},
			At:          now,
		})
		for _, e := range snapshot {
			points = append(points, influxx.Point{
				Measurement: "queue_wait",
				Tags:        tags,
				Fields: map[string]any{
					"case_id":          e.CaseID.String(),
					"position":         e.Position,
					"priority_score":   e.PriorityScore,
					"estimated_wait_s": e.EstimatedWait.Seconds(),
				},
				At: now,
			})
		}
	}
	if r.writer == nil || len(points) == 0 {
		return
	}
	if err := r.writer.WritePoints(ctx, points); err != nil {
		metricsx.IncInfluxWriteFailure()
		r.log.Warn(ctx, "queue_series_write_failed", "queue series not written",
			slog.String("error_code", "INFLUX_WRITE_FAILED"),
			slog.String("error", err.Error()),
		)
	}
}
