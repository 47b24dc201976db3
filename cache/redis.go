/*
Package cache keeps payout summaries in Redis.

KEYS:
  <prefix>:gen                     generation counter
  <prefix>:<gen>:<sha1(filter)>   JSON-encoded payout.Summary, with TTL

Invalidate bumps the generation, so every entry written before the bump is
unreachable at once and expires on its own. A failed Redis call is logged
and treated as a miss; summaries are always recomputable from the ledger.
*/
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/payout-engine/payout"
)

const DefaultPrefix = "payout:summary"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings with a short timeout.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// SummaryCache implements payout.SummaryCache.
type SummaryCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ payout.SummaryCache = (*SummaryCache)(nil)

func NewSummaryCache(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *SummaryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SummaryCache{client: client, prefix: DefaultPrefix, ttl: ttl, logger: logger}
}

// cachedSummary is the stored form.
type cachedSummary struct {
	Sessions       int   `json:"sessions"`
	Priced         int   `json:"priced"`
	Unresolved     int   `json:"unresolved"`
	OwedCents      int64 `json:"owed_cents"`
	UniqueAthletes int   `json:"unique_athletes"`
}

// Get looks f up in the current generation and returns that generation,
// or -1 when Redis is unreachable.
func (c *SummaryCache) Get(ctx context.Context, f payout.Filter) (*payout.Summary, int64, bool) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.Warn("summary cache generation read failed", zap.Error(err))
		return nil, -1, false
	}
	raw, err := c.client.Get(ctx, EntryKey(c.prefix, gen, f)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false
	}
	if err != nil {
		c.logger.Warn("summary cache read failed", zap.Error(err))
		return nil, gen, false
	}

	var cs cachedSummary
	if err := json.Unmarshal(raw, &cs); err != nil {
		c.logger.Warn("summary cache entry corrupt", zap.Error(err))
		return nil, gen, false
	}
	return &payout.Summary{
		Totals: payout.Totals{
			Sessions:   cs.Sessions,
			Priced:     cs.Priced,
			Unresolved: cs.Unresolved,
			OwedCents:  cs.OwedCents,
		},
		UniqueAthletes: cs.UniqueAthletes,
	}, gen, true
}

// Set stores s under the generation Get returned. If Invalidate ran in
// between, the entry lands in a dead generation and is never read.
func (c *SummaryCache) Set(ctx context.Context, f payout.Filter, gen int64, s payout.Summary) {
	if gen < 0 {
		return
	}
	body, err := json.Marshal(cachedSummary{
		Sessions:       s.Sessions,
		Priced:         s.Priced,
		Unresolved:     s.Unresolved,
		OwedCents:      s.OwedCents,
		UniqueAthletes: s.UniqueAthletes,
	})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, EntryKey(c.prefix, gen, f), body, c.ttl).Err(); err != nil {
		c.logger.Warn("summary cache write failed", zap.Error(err))
	}
}

func (c *SummaryCache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, c.prefix+":gen").Err(); err != nil {
		c.logger.Warn("summary cache invalidate failed", zap.Error(err))
	}
}

func (c *SummaryCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.prefix+":gen").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// EntryKey is the Redis key of a filter's summary in a generation.
func EntryKey(prefix string, gen int64, f payout.Filter) string {
	sum := sha1.Sum([]byte(f.Key()))
	return fmt.Sprintf("%s:%d:%x", prefix, gen, sum[:])
}
