package engine

import (
	"log/slog"
	"sync"
)

// LoadObserverFunc is notified after every successful engine load.
type LoadObserverFunc func(cfg Config)

type CacheOption func(*Cache)

func WithLoadObserver(observer LoadObserverFunc) CacheOption {
	return func(c *Cache) {
		c.observer = observer
	}
}

// Cache holds at most one live Engine, keyed by its Config. Acquire reuses the
// live handle when the config matches and otherwise evicts it and loads a
// replacement; a handle whose backing worker has died is treated like a
// mismatch and replaced on the next acquire. The lock is held for the whole acquire, construction included,
// so concurrent callers with the same config share a single load and callers
// with different configs serialize on the one slot. Mixed-config concurrent
// load therefore thrashes reloads; every reload is logged.
type Cache struct {
	factory  Factory
	logger   *slog.Logger
	observer LoadObserverFunc

	mu      sync.Mutex
	current Engine
	cfg     Config
	loaded  bool
}

func NewCache(factory Factory, logger *slog.Logger, opts ...CacheOption) *Cache {
	if factory == nil {
		panic("engine: cache factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{factory: factory, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Acquire returns the live engine for cfg, loading or replacing as needed.
// A failed load is never cached: the prior handle (if any) stays live and the
// next Acquire retries.
func (c *Cache) Acquire(cfg Config) (Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && c.cfg == cfg {
		if handleAlive(c.current) {
			return c.current, nil
		}
		c.logger.Warn("recognition engine handle is dead, reloading",
			"model", cfg.ModelSize,
			"device", cfg.Device,
		)
	}

	c.logger.Info("loading recognition engine",
		"model", cfg.ModelSize,
		"device", cfg.Device,
		"compute_type", cfg.ComputeType,
		"replacing", c.loaded,
	)

	next, err := c.factory(cfg)
	if err != nil {
		return nil, err
	}
	if c.loaded {
		if closeErr := c.current.Close(); closeErr != nil {
			c.logger.Warn("closing evicted engine", "error", closeErr)
		}
	}
	c.current = next
	c.cfg = cfg
	c.loaded = true
	if c.observer != nil {
		c.observer(cfg)
	}
	return next, nil
}

// handleAlive reports whether a handle can still serve requests. Engines
// whose backing resources can die out-of-band (a crashed worker process)
// expose Alive; anything else is assumed live.
func handleAlive(e Engine) bool {
	if l, ok := e.(interface{ Alive() bool }); ok {
		return l.Alive()
	}
	return true
}

// Close releases the live engine, if any. Used at shutdown and between tests.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		return nil
	}
	c.loaded = false
	current := c.current
	c.current = nil
	return current.Close()
}
