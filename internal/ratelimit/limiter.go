// Package ratelimit enforces a fixed-window request budget per client
// identity against a shared Redis counter. The increment and the expiry are
// one atomic Lua script, so concurrent requests cannot race past the limit
// the way a get/increment/set sequence would.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"loomchat.org/internal/obs"
)

// ErrStoreUnavailable marks a counter-store failure. Production policy is to
// deny the request; non-production falls back to the in-process window.
var ErrStoreUnavailable = errors.New("ratelimit: counter store unavailable")

// allowScript increments the window counter and arms the expiry only on the
// first hit. Returned as {allowed, remaining}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = redis.call('incr', key)
if current == 1 then
    redis.call('expire', key, window)
end

if current > limit then
    return {0, current}
else
    return {1, limit - current}
end
`)

// Result is the outcome of an Allow call.
type Result struct {
	Allowed   bool
	Remaining int64
}

// Limiter is safe for concurrent use.
type Limiter struct {
	client     redis.Scripter
	production bool
	timeout    time.Duration

	// fallback is only constructed outside production. Using an in-process
	// counter in production would silently stop limiting across instances.
	fallback *memoryWindow
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTimeout bounds each counter-store call. A timeout counts as store
// failure and follows the same fail-closed/fail-open policy.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// New constructs a Limiter. In production the Redis client is mandatory.
func New(client redis.Scripter, production bool, opts ...Option) (*Limiter, error) {
	if production && client == nil {
		return nil, errors.New("ratelimit: redis client is required in production")
	}
	l := &Limiter{
		client:     client,
		production: production,
		timeout:    2 * time.Second,
	}
	if !production {
		l.fallback = newMemoryWindow(time.Minute)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close stops the fallback sweeper if one is running.
func (l *Limiter) Close() {
	if l.fallback != nil {
		l.fallback.stop()
	}
}

// Allow consumes one request from the identity's window budget.
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	if key == "" || limit <= 0 || window <= 0 {
		return Result{}, fmt.Errorf("ratelimit: invalid arguments key=%q limit=%d window=%v", key, limit, window)
	}

	if l.client != nil {
		ctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		raw, err := allowScript.Run(ctx, l.client, []string{"rate_limit:" + key},
			limit, int64(window.Seconds())).Result()
		if err == nil {
			res, convErr := parseScriptResult(raw)
			if convErr == nil {
				if !res.Allowed {
					obs.CountRateLimited()
				}
				return res, nil
			}
			err = convErr
		}
		if l.production {
			// Fail closed: a broken counter store must not open the gates.
			obs.CountRateLimited()
			return Result{Allowed: false}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		obs.LogSecurity("ratelimit.degraded", map[string]any{"error": err.Error()})
	} else if l.production {
		obs.CountRateLimited()
		return Result{Allowed: false}, ErrStoreUnavailable
	}

	res := l.fallback.allow(key, limit, window)
	if !res.Allowed {
		obs.CountRateLimited()
	}
	return res, nil
}

func parseScriptResult(raw any) (Result, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply %T", raw)
	}
	allowed, okA := values[0].(int64)
	remaining, okB := values[1].(int64)
	if !okA || !okB {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply values %v", values)
	}
	if allowed == 1 {
		return Result{Allowed: true, Remaining: remaining}, nil
	}
	return Result{Allowed: false, Remaining: 0}, nil
}

// memoryWindow is the non-production fallback: a lock-guarded counter map
// with a background sweep of expired entries.
type memoryWindow struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	ticker  *time.Ticker
	done    chan struct{}
}

type windowEntry struct {
	count   int64
	expires time.Time
}

func newMemoryWindow(sweepEvery time.Duration) *memoryWindow {
	w := &memoryWindow{
		entries: make(map[string]*windowEntry),
		ticker:  time.NewTicker(sweepEvery),
		done:    make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-w.ticker.C:
				w.sweep(time.Now())
			case <-w.done:
				return
			}
		}
	}()
	return w
}

func (w *memoryWindow) allow(key string, limit int64, window time.Duration) Result {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[key]
	if !ok || entry.expires.Before(now) {
		entry = &windowEntry{expires: now.Add(window)}
		w.entries[key] = entry
	}
	entry.count++
	if entry.count > limit {
		return Result{Allowed: false, Remaining: 0}
	}
	return Result{Allowed: true, Remaining: limit - entry.count}
}

func (w *memoryWindow) sweep(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, entry := range w.entries {
		if entry.expires.Before(now) {
			delete(w.entries, key)
		}
	}
}

func (w *memoryWindow) stop() {
	w.ticker.Stop()
	close(w.done)
}
