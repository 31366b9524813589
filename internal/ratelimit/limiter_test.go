package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeScripter mimics the atomic INCR+EXPIRE script against an in-memory
// counter map.
type fakeScripter struct {
	mu     sync.Mutex
	counts map[string]int64
	fail   bool
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{counts: make(map[string]int64)}
}

func (f *fakeScripter) eval(ctx context.Context, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return redis.NewCmdResult(nil, errors.New("connection refused"))
	}
	limit := args[0].(int64)
	f.counts[keys[0]]++
	current := f.counts[keys[0]]
	if current > limit {
		return redis.NewCmdResult([]any{int64(0), current}, nil)
	}
	return redis.NewCmdResult([]any{int64(1), limit - current}, nil)
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return f.eval(ctx, keys, args...)
}

func (f *fakeScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	return f.eval(ctx, keys, args...)
}

func (f *fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return f.eval(ctx, keys, args...)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	return f.eval(ctx, keys, args...)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestAllowEnforcesWindowBudget(t *testing.T) {
	l, err := New(newFakeScripter(), true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	var allowed, denied int
	for i := 0; i < 25; i++ {
		res, err := l.Allow(context.Background(), "client-1", 20, time.Minute)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if res.Allowed {
			allowed++
		} else {
			denied++
		}
	}
	if allowed != 20 || denied != 5 {
		t.Fatalf("expected 20 allowed / 5 denied, got %d / %d", allowed, denied)
	}
}

func TestAllowConcurrentNeverExceedsLimit(t *testing.T) {
	l, err := New(newFakeScripter(), true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	const n = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Allow(context.Background(), "shared", 10, time.Minute)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 10 {
		t.Fatalf("expected exactly 10 admitted, got %d", got)
	}
}

func TestProductionFailsClosedOnStoreFailure(t *testing.T) {
	broken := newFakeScripter()
	broken.fail = true
	l, err := New(broken, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	res, err := l.Allow(context.Background(), "client-1", 20, time.Minute)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if res.Allowed {
		t.Fatal("production must deny on store failure")
	}
}

func TestProductionRequiresCounterStore(t *testing.T) {
	if _, err := New(nil, true); err == nil {
		t.Fatal("expected error for production limiter without redis")
	}
}

func TestNonProductionFallsBackToMemory(t *testing.T) {
	broken := newFakeScripter()
	broken.fail = true
	l, err := New(broken, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	var allowed int
	for i := 0; i < 5; i++ {
		res, err := l.Allow(context.Background(), "dev-client", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if res.Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("fallback should admit exactly 3, got %d", allowed)
	}
}

func TestMemoryWindowExpiryAndSweep(t *testing.T) {
	w := newMemoryWindow(time.Hour)
	defer w.stop()

	for i := 0; i < 3; i++ {
		w.allow("k", 3, 10*time.Millisecond)
	}
	if res := w.allow("k", 3, 10*time.Millisecond); res.Allowed {
		t.Fatal("budget should be exhausted")
	}

	time.Sleep(20 * time.Millisecond)
	if res := w.allow("k", 3, 10*time.Millisecond); !res.Allowed {
		t.Fatal("expired window should reset the budget")
	}

	w.sweep(time.Now().Add(time.Hour))
	w.mu.Lock()
	remaining := len(w.entries)
	w.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("sweep should clear expired entries, %d left", remaining)
	}
}

func TestAllowValidatesArguments(t *testing.T) {
	l, err := New(newFakeScripter(), false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if _, err := l.Allow(context.Background(), "", 10, time.Minute); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := l.Allow(context.Background(), "k", 0, time.Minute); err == nil {
		t.Fatal("expected error for zero limit")
	}
}
