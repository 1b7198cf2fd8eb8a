// Package runtime keeps the configuration cache fresh and turns every new document into a
// derived update status for its subscribers.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/internal/logging"
	"github.com/stepherg/manup/source"
)

var errAlreadyRunning = errors.New("runtime: cache refresher already running")

// Result is handed to cache listeners once per completed fetch.
type Result struct {
	Key       string
	Config    *manup.Configuration
	Err       error
	FetchedAt time.Time
}

// CacheSnapshot is the observable state of a Cache.
type CacheSnapshot struct {
	Key       string
	Config    *manup.Configuration
	Loading   bool
	Err       error
	UpdatedAt time.Time
	ErrorAt   time.Time
}

// Cache holds the most recent configuration fetched from a source and refreshes it on a
// timer, on focus regained and on source change notifications.
type Cache struct {
	key     string
	src     manup.Source
	cfg     manup.RefreshConfig
	logger  pslog.Logger
	metrics *Metrics

	group singleflight.Group
	focus chan struct{}

	mu        sync.RWMutex
	config    *manup.Configuration
	loading   bool
	err       error
	updatedAt time.Time
	errorAt   time.Time
	running   bool

	listenerMu sync.Mutex
	notifyMu   sync.Mutex
	nextID     int
	listeners  map[int]func(Result)
}

// NewCache builds a cache for src. The key is cfg.QueryKey, else the source's own key.
func NewCache(src manup.Source, cfg manup.RefreshConfig, logger pslog.Logger, metrics *Metrics) (*Cache, error) {
	if src == nil {
		return nil, manup.ErrNilSource
	}
	if cfg.Interval < 0 || cfg.RequestTimeout < 0 {
		return nil, manup.ErrInvalidOptions
	}
	key := cfg.QueryKey
	if key == "" {
		key = source.QueryKey(src)
	}
	return &Cache{
		key:       key,
		src:       src,
		cfg:       cfg,
		logger:    logging.WithSubsystem(logger, "runtime.cache").With("key", key),
		metrics:   metrics,
		focus:     make(chan struct{}, 1),
		listeners: make(map[int]func(Result)),
	}, nil
}

func (c *Cache) Key() string { return c.key }

// OnResult registers fn to be called after every fetch, in the order fetches complete.
// The returned function removes the listener.
func (c *Cache) OnResult(fn func(Result)) (remove func()) {
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenerMu.Unlock()
	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

// PollOnce fetches the configuration now. Concurrent callers share one in-flight fetch.
func (c *Cache) PollOnce(ctx context.Context) (*manup.Configuration, error) {
	v, err, _ := c.group.Do(c.key, func() (interface{}, error) {
		res := c.fetch(ctx)
		c.apply(res)
		return res.Config, res.Err
	})
	if err != nil {
		return nil, err
	}
	return v.(*manup.Configuration), nil
}

func (c *Cache) fetch(ctx context.Context) Result {
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	start := time.Now()
	cfg, err := c.src.Fetch(ctx)
	if err == nil && cfg == nil {
		err = manup.ErrConfigNotFound
	}
	c.metrics.observeFetch(c.key, time.Since(start).Seconds(), err)
	return Result{Key: c.key, Config: cfg, Err: err, FetchedAt: time.Now()}
}

// apply stores res and notifies listeners. A failed fetch keeps the previous document.
func (c *Cache) apply(res Result) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.loading = false
	if res.Err != nil {
		c.err = res.Err
		c.errorAt = res.FetchedAt
	} else {
		c.config = res.Config
		c.err = nil
		c.updatedAt = res.FetchedAt
	}
	c.mu.Unlock()

	if res.Err != nil {
		c.logger.Warn("cache.fetch.failed", "error", res.Err)
	} else {
		c.logger.Debug("cache.fetch.ok", "platforms", res.Config.PlatformNames())
	}

	c.listenerMu.Lock()
	fns := make([]func(Result), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.listenerMu.Unlock()
	for _, fn := range fns {
		fn(res)
	}
}

// Snapshot returns the current cache state.
func (c *Cache) Snapshot() CacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheSnapshot{
		Key:       c.key,
		Config:    c.config,
		Loading:   c.loading,
		Err:       c.err,
		UpdatedAt: c.updatedAt,
		ErrorAt:   c.errorAt,
	}
}

// FocusRegained asks the refresher to refetch. It reports false when refetch on focus is
// disabled for this cache.
func (c *Cache) FocusRegained() bool {
	if !c.cfg.RefetchOnFocus {
		return false
	}
	select {
	case c.focus <- struct{}{}:
	default:
	}
	return true
}

// Run fetches immediately and then on every trigger until ctx is done. Fetch errors are
// delivered to listeners, not returned.
func (c *Cache) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	var tick <-chan time.Time
	if c.cfg.Interval > 0 {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	var changes <-chan struct{}
	if n, ok := c.src.(manup.ChangeNotifier); ok {
		changes = n.Changes()
	}

	_, _ = c.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			_, _ = c.PollOnce(ctx)
		case <-c.focus:
			c.logger.Debug("cache.refetch.focus")
			_, _ = c.PollOnce(ctx)
		case <-changes:
			c.logger.Debug("cache.refetch.source_changed")
			_, _ = c.PollOnce(ctx)
		}
	}
}
