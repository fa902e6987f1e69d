package assign

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/shared/logx"
)

// RosterSource lists the shifts that have not ended at a given time.
// *repos.SpecialistRepo satisfies it.
type RosterSource interface {
	ListShifts(ctx context.Context, at time.Time) ([]models.SpecialistShift, error)
}

// RosterRefresher reloads the specialist roster on an interval so shift
// changes and availability toggles reach the matcher without a restart.
type RosterRefresher struct {
	matcher  *Matcher
	source   RosterSource
	interval time.Duration
	log      logx.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewRosterRefresher(matcher *Matcher, source RosterSource, interval time.Duration, log logx.Logger) *RosterRefresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RosterRefresher{matcher: matcher, source: source, interval: interval, log: log}
}

// Start launches the reload loop. Calling Start on a running refresher does
// nothing.
func (r *RosterRefresher) Start(ctx context.Context) {
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
func (r *RosterRefresher) Stop() {
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

func (r *RosterRefresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce reloads the roster. On failure the current roster stays in
// place.
func (r *RosterRefresher) RefreshOnce(ctx context.Context) error {
	shifts, err := r.source.ListShifts(ctx, r.matcher.now())
	if err != nil {
		r.log.Warn(ctx, "roster_refresh_failed", "specialist roster not reloaded",
			slog.String("error_code", "REFRESH_FAILED"),
			slog.String("error", err.Error()),
		)
		return err
	}
	r.matcher.Load(shifts)
	r.log.Debug(ctx, "roster_refreshed", "specialist roster reloaded", slog.Int("shifts", len(shifts)))
	return nil
}
