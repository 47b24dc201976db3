/*
scheduler.go - Automated draft refresh

PURPOSE:
  Periodically regenerates the current month's draft run so the admin
  dashboard shows fresh totals without anyone pressing Generate.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick calls Engine.Generate for the month containing today
  - A locked current month is skipped, not an error
  - Generate only prices unpriced rows, so a tick never rewrites a
    priced amount

CONFIGURATION:
  - Interval: How often to refresh (PAYOUT_REFRESH_INTERVAL, 0 = off)

USAGE:
  refresher := NewDraftRefresher(engine, logger, 5*time.Minute)
  refresher.Start()
  // ... later
  refresher.Stop()

SEE ALSO:
  - handlers.go: GenerateRun endpoint (manual refresh)
  - payout/runs.go: Generate
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payout-engine/payout"
)

// DraftRefresher regenerates the current month's draft on a timer.
type DraftRefresher struct {
	Engine   *payout.Engine
	Logger   *zap.Logger
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDraftRefresher creates a refresher. It does nothing until Start.
func NewDraftRefresher(engine *payout.Engine, logger *zap.Logger, interval time.Duration) *DraftRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DraftRefresher{
		Engine:   engine,
		Logger:   logger.Named("refresher"),
		Interval: interval,
	}
}

// Start begins the refresher. A non-positive interval leaves it disabled.
func (d *DraftRefresher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Interval <= 0 {
		d.Logger.Info("disabled, not starting")
		return
	}
	if d.ticker != nil {
		return
	}

	d.ticker = time.NewTicker(d.Interval)
	d.stop = make(chan struct{})
	d.wg.Add(1)

	go d.run()

	d.Logger.Info("started", zap.Duration("interval", d.Interval))
}

// Stop stops the refresher and waits for an in-flight refresh to finish.
func (d *DraftRefresher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ticker != nil {
		d.ticker.Stop()
		close(d.stop)
		d.wg.Wait()
		d.ticker = nil
		d.Logger.Info("stopped")
	}
}

func (d *DraftRefresher) run() {
	defer d.wg.Done()

	// Run immediately on start
	d.RefreshNow(context.Background())

	for {
		select {
		case <-d.ticker.C:
			d.RefreshNow(context.Background())
		case <-d.stop:
			return
		}
	}
}

// RefreshNow generates the current month once. It returns the run, or nil
// when the month is locked or generation failed.
func (d *DraftRefresher) RefreshNow(ctx context.Context) *payout.PayoutRun {
	period := d.Engine.CurrentMonth()

	res, err := d.Engine.Generate(ctx, period)
	if errors.Is(err, payout.ErrRunLocked) {
		d.Logger.Debug("current month locked, skipping", zap.Stringer("period", period))
		return nil
	}
	if err != nil {
		d.Logger.Error("draft refresh failed", zap.Stringer("period", period), zap.Error(err))
		return nil
	}

	d.Logger.Info("draft refreshed",
		zap.Stringer("period", period),
		zap.Int64("run_id", int64(res.Run.ID)),
		zap.Int("priced", res.Priced),
		zap.Int("unresolved", res.Unresolved),
		zap.Int64("total_owed_cents", res.Run.TotalOwedCents))
	return &res.Run
}
