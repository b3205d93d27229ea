// Package ratelimit bounds request rates against the attestation service.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cctp-relayer/internal/logging"
	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Minute
	DefaultKeyPrefix  = "relayer:budget:"
)

// consumeScript atomically checks and increments the window counter
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local budget = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	local used = tonumber(redis.call('GET', key) or '0')
	if used + 1 > budget then
		return {0, used}
	end

	redis.call('INCR', key)
	redis.call('EXPIRE', key, ttl)
	return {1, used + 1}
`)

// BudgetTracker coordinates a request budget across every relayer process
// sharing one Redis. Windows are fixed and aligned to WindowSize.
type BudgetTracker struct {
	redis      redis.Cmdable
	name       string
	budget     int
	windowSize time.Duration
	keyTTL     time.Duration
	now        func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is the client used for cross-process coordination. Required.
	Redis redis.Cmdable

	// Name distinguishes budgets for different services, e.g. "iris".
	Name string

	// Budget is the number of requests allowed per window. Required.
	Budget int

	// WindowSize is the window duration. Default: 1m.
	WindowSize time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Name == "" {
		return errors.New("budget name is required")
	}
	if c.Budget <= 0 {
		return errors.New("budget must be positive")
	}
	if c.WindowSize < 0 {
		return errors.New("window size cannot be negative")
	}
	return nil
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &BudgetTracker{
		redis:      cfg.Redis,
		name:       cfg.Name,
		budget:     cfg.Budget,
		windowSize: windowSize,
		keyTTL:     2 * windowSize,
		now:        now,
	}, nil
}

func (t *BudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

func (t *BudgetTracker) key(windowStart time.Time) string {
	return DefaultKeyPrefix + t.name + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

// TryConsume takes one request from the current window. When the window is
// exhausted it returns false and the time until the next window.
func (t *BudgetTracker) TryConsume(ctx context.Context) (bool, time.Duration, error) {
	start := t.windowStart()

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{t.key(start)}, t.budget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("budget %s: %w", t.name, err)
	}

	if result[0] == 1 {
		return true, 0, nil
	}
	return false, t.untilNextWindow(start), nil
}

// untilNextWindow returns the time until the window after start begins
func (t *BudgetTracker) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	// Small buffer to land inside the new window
	return wait + time.Millisecond
}

// Used returns the number of requests consumed in the current window
func (t *BudgetTracker) Used(ctx context.Context) (int, error) {
	val, err := t.redis.Get(ctx, t.key(t.windowStart())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget %s: %w", t.name, err)
	}
	return val, nil
}

// Budget returns the configured requests per window
func (t *BudgetTracker) Budget() int {
	return t.budget
}

// Wait blocks until a request fits in the budget. A Redis failure lets the
// request through; the attestation service still throttles with 429.
func (t *BudgetTracker) Wait(ctx context.Context) error {
	for {
		allowed, wait, err := t.TryConsume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.FromContext(ctx).WithError(err).Warn("Shared request budget unavailable, proceeding")
			return nil
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
