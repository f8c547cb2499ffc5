package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingEngine struct {
	cfg    Config
	closed atomic.Bool
}

func (e *countingEngine) Recognize(context.Context, string, string, bool) (Result, error) {
	return Result{Text: "stub", Language: "en"}, nil
}

func (e *countingEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type countingFactory struct {
	attempts atomic.Int64
	failNext atomic.Bool
	built    []*countingEngine
	mu       sync.Mutex
}

func (f *countingFactory) build(cfg Config) (Engine, error) {
	f.attempts.Add(1)
	if f.failNext.Load() {
		return nil, errors.New("model artifact missing")
	}
	eng := &countingEngine{cfg: cfg}
	f.mu.Lock()
	f.built = append(f.built, eng)
	f.mu.Unlock()
	return eng, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireReusesHandleForSameConfig(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	cache := NewCache(factory.build, testLogger())
	cfg := Config{ModelSize: "small", Device: "cpu", ComputeType: "int8"}

	first, err := cache.Acquire(cfg)
	require.NoError(t, err)
	second, err := cache.Acquire(cfg)
	require.NoError(t, err)

	require.Same(t, first, second)
	require.EqualValues(t, 1, factory.attempts.Load())
}

func TestAcquireConcurrentSameConfigLoadsOnce(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	cache := NewCache(factory.build, testLogger())
	cfg := Config{ModelSize: "small", Device: "cpu", ComputeType: "int8"}

	const callers = 16
	engines := make([]Engine, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eng, err := cache.Acquire(cfg)
			require.NoError(t, err)
			engines[i] = eng
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, factory.attempts.Load())
	for i := 1; i < callers; i++ {
		require.Same(t, engines[0], engines[i])
	}
}

func TestAcquireEvictsOnConfigChange(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	loads := 0
	cache := NewCache(factory.build, testLogger(), WithLoadObserver(func(Config) { loads++ }))

	small := Config{ModelSize: "small", Device: "cpu", ComputeType: "int8"}
	medium := Config{ModelSize: "medium", Device: "cpu", ComputeType: "int8"}

	first, err := cache.Acquire(small)
	require.NoError(t, err)
	second, err := cache.Acquire(medium)
	require.NoError(t, err)

	require.NotSame(t, first, second)
	require.EqualValues(t, 2, factory.attempts.Load())
	require.Equal(t, 2, loads)
	require.True(t, first.(*countingEngine).closed.Load(), "evicted engine must be closed")
	require.False(t, second.(*countingEngine).closed.Load())
}

func TestAcquireFailureRetainsPriorHandle(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	cache := NewCache(factory.build, testLogger())

	small := Config{ModelSize: "small", Device: "cpu", ComputeType: "int8"}
	large := Config{ModelSize: "large-v3", Device: "cpu", ComputeType: "int8"}

	first, err := cache.Acquire(small)
	require.NoError(t, err)

	factory.failNext.Store(true)
	_, err = cache.Acquire(large)
	require.Error(t, err)
	require.False(t, first.(*countingEngine).closed.Load(), "prior handle must survive a failed reload")

	// Prior config is still served without a rebuild.
	again, err := cache.Acquire(small)
	require.NoError(t, err)
	require.Same(t, first, again)
	require.EqualValues(t, 2, factory.attempts.Load())

	// Failure was not cached: the next attempt retries construction.
	factory.failNext.Store(false)
	replacement, err := cache.Acquire(large)
	require.NoError(t, err)
	require.NotSame(t, first, replacement)
	require.True(t, first.(*countingEngine).closed.Load())
}

func TestAcquireFailureOnEmptyCacheRetries(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	factory.failNext.Store(true)
	cache := NewCache(factory.build, testLogger())
	cfg := Config{ModelSize: "base", Device: "cpu", ComputeType: "int8"}

	_, err := cache.Acquire(cfg)
	require.Error(t, err)

	factory.failNext.Store(false)
	eng, err := cache.Acquire(cfg)
	require.NoError(t, err)
	require.NotNil(t, eng)
	require.EqualValues(t, 2, factory.attempts.Load())
}

// dyingEngine goes permanently dead on its first Recognize call, like a
// worker process killed mid-inference.
type dyingEngine struct {
	countingEngine
	dead atomic.Bool
}

func (e *dyingEngine) Recognize(context.Context, string, string, bool) (Result, error) {
	e.dead.Store(true)
	return Result{}, &Error{Detail: "worker exited unexpectedly"}
}

func (e *dyingEngine) Alive() bool {
	return !e.dead.Load()
}

func TestAcquireReplacesDeadHandle(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	factory := func(cfg Config) (Engine, error) {
		attempts.Add(1)
		return &dyingEngine{}, nil
	}
	cache := NewCache(factory, testLogger())
	cfg := Config{ModelSize: "small", Device: "cpu", ComputeType: "int8"}

	first, err := cache.Acquire(cfg)
	require.NoError(t, err)

	_, err = first.Recognize(context.Background(), "a.wav", "", false)
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)

	// The dead handle must not be served again for the same config.
	second, err := cache.Acquire(cfg)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.EqualValues(t, 2, attempts.Load())
	require.True(t, first.(*dyingEngine).closed.Load(), "dead handle must be closed on eviction")
	require.True(t, second.(*dyingEngine).Alive())
}

func TestCacheCloseReleasesHandle(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	cache := NewCache(factory.build, testLogger())
	cfg := Config{ModelSize: "small", Device: "cpu", ComputeType: "int8"}

	eng, err := cache.Acquire(cfg)
	require.NoError(t, err)
	require.NoError(t, cache.Close())
	require.True(t, eng.(*countingEngine).closed.Load())

	// Closing an empty cache is a no-op.
	require.NoError(t, cache.Close())

	// The slot reloads after a close.
	_, err = cache.Acquire(cfg)
	require.NoError(t, err)
	require.EqualValues(t, 2, factory.attempts.Load())
}
