package modelrouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RateLimiter enforces a per-model request-per-minute ceiling. The tpm
// argument is accepted but not enforced by either implementation below:
// token-per-minute ceilings do not throttle calls. Backed by Redis so limits are shared across
// orchestrator processes; falls back to an in-memory limiter when no Redis
// address is configured (single-process / test mode).
type RateLimiter interface {
	// Reserve blocks (sleeping, never busy-waiting) until modelID has
	// capacity for one request of approximately estimatedTokens tokens, or
	// returns an error if that cannot happen within the configured
	// deadline — which the caller surfaces as a transient failure.
	Reserve(ctx context.Context, modelID string, estimatedTokens int, rpm, tpm int, deadline time.Duration) error
}

// redisRateLimiter implements a sliding one-minute window per model using a
// Redis sorted set: one member per request, score = unix millis, pruned on
// each call. Connects the same way the realtime bus does — address from
// env, ping on construction — applied to rate accounting instead of
// pub/sub.
type redisRateLimiter struct {
	rdb *goredis.Client
}

func NewRedisRateLimiter(addr string) (RateLimiter, error) {
	if addr == "" {
		return nil, fmt.Errorf("modelrouter: missing redis addr for rate limiter")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("modelrouter: redis ping: %w", err)
	}
	return &redisRateLimiter{rdb: rdb}, nil
}

func (r *redisRateLimiter) Reserve(ctx context.Context, modelID string, estimatedTokens int, rpm, tpm int, deadline time.Duration) error {
	key := "narraforge:ratelimit:" + modelID
	budget := time.Now().Add(deadline)

	for {
		now := time.Now()
		windowStart := now.Add(-time.Minute)

		pipe := r.rdb.TxPipeline()
		pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixMilli()))
		countCmd := pipe.ZCard(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("modelrouter: rate limiter redis error: %w", err)
		}

		if rpm <= 0 || int(countCmd.Val()) < rpm {
			member := fmt.Sprintf("%d-%d", now.UnixNano(), estimatedTokens)
			if err := r.rdb.ZAdd(ctx, key, goredis.Z{Score: float64(now.UnixMilli()), Member: member}).Err(); err != nil {
				return fmt.Errorf("modelrouter: rate limiter redis error: %w", err)
			}
			r.rdb.Expire(ctx, key, 2*time.Minute)
			return nil
		}

		if time.Now().After(budget) {
			return fmt.Errorf("modelrouter: rate limit deadline exceeded for %s", modelID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// inMemoryRateLimiter is a single-process fallback: same sliding-window
// semantics, no shared state across processes. Locked because a stage's
// worker pool reserves concurrently. Used in tests and when REDIS_ADDR is
// unset.
type inMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewInMemoryRateLimiter() RateLimiter {
	return &inMemoryRateLimiter{windows: make(map[string][]time.Time)}
}

// tryReserve prunes the model's window and claims a slot if one is free.
func (l *inMemoryRateLimiter) tryReserve(modelID string, rpm int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := l.windows[modelID][:0]
	for _, t := range l.windows[modelID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.windows[modelID] = kept

	if rpm <= 0 || len(kept) < rpm {
		l.windows[modelID] = append(l.windows[modelID], now)
		return true
	}
	return false
}

func (l *inMemoryRateLimiter) Reserve(ctx context.Context, modelID string, estimatedTokens int, rpm, tpm int, deadline time.Duration) error {
	budget := time.Now().Add(deadline)
	for {
		if l.tryReserve(modelID, rpm) {
			return nil
		}
		if time.Now().After(budget) {
			return fmt.Errorf("modelrouter: rate limit deadline exceeded for %s", modelID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
