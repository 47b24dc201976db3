package payout

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// ENGINE - Entry point for every payout operation
// =============================================================================

// Engine runs payout operations against a TxStore.
// Cache and Publisher are optional; the zero values do nothing.
type Engine struct {
	Store     TxStore
	Logger    *zap.Logger
	Cache     SummaryCache
	Publisher Publisher

	// Now is the clock used for effective dates and audit timestamps.
	Now func() time.Time
}

// NewEngine creates an engine with no cache and no event publisher.
func NewEngine(store TxStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Store:     store,
		Logger:    logger,
		Cache:     NopCache{},
		Publisher: NopPublisher{},
		Now:       time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// withPeriodLock runs fn holding the lock keys of every month p touches.
func (e *Engine) withPeriodLock(ctx context.Context, p Period, fn func(Store) error) error {
	return e.Store.WithLock(ctx, p.LockKeys(), fn)
}

// ensureUnlocked is the lock gate. Every ledger mutation calls it inside the
// period-locked transaction before writing.
func ensureUnlocked(ctx context.Context, s Store, p Period) error {
	locked, err := s.LockedRunsOverlapping(ctx, p)
	if err != nil {
		return err
	}
	if len(locked) > 0 {
		return &RunLockedError{RunID: locked[0].ID, Period: locked[0].Period, Requested: p}
	}
	return nil
}

// =============================================================================
// SUMMARY CACHE
// =============================================================================

// SummaryCache stores Summary results. Invalidate is called after every
// committed mutation.
//
// Get returns the generation it looked in, hit or miss. Set stores under
// that generation, so a summary computed across an Invalidate is never
// reachable. A negative generation means the cache is unavailable.
type SummaryCache interface {
	Get(ctx context.Context, f Filter) (s *Summary, gen int64, ok bool)
	Set(ctx context.Context, f Filter, gen int64, s Summary)
	Invalidate(ctx context.Context)
}

// NopCache never hits.
type NopCache struct{}

func (NopCache) Get(context.Context, Filter) (*Summary, int64, bool) { return nil, -1, false }
func (NopCache) Set(context.Context, Filter, int64, Summary)         {}
func (NopCache) Invalidate(context.Context)                          {}

func (e *Engine) invalidate(ctx context.Context) {
	if e.Cache != nil {
		e.Cache.Invalidate(ctx)
	}
}

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventRunGenerated EventType = "payout.run.generated"
	EventRunLocked    EventType = "payout.run.locked"
	EventRunDeleted   EventType = "payout.run.deleted"
)

// Event describes a committed run lifecycle change.
type Event struct {
	Type EventType
	Run  PayoutRun
	At   time.Time
}

// Publisher delivers events after commit. Failures are logged, never returned
// to the caller of the operation.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (e *Engine) publish(ctx context.Context, typ EventType, run PayoutRun) {
	if e.Publisher == nil {
		return
	}
	ev := Event{Type: typ, Run: run, At: e.now()}
	if err := e.Publisher.Publish(ctx, ev); err != nil {
		e.log().Warn("publish payout event failed",
			zap.String("event", string(typ)),
			zap.Int64("run_id", int64(run.ID)),
			zap.Error(err))
	}
}
