package runtime

import (
	"sort"
	"sync"

	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/source"
)

// Registry shares caches between orchestrators. Two orchestrators asking for the same key
// get the same *Cache; distinct keys never touch each other.
type Registry struct {
	logger  pslog.Logger
	metrics *Metrics

	mu     sync.Mutex
	caches map[string]*Cache
}

func NewRegistry(logger pslog.Logger, metrics *Metrics) *Registry {
	return &Registry{logger: logger, metrics: metrics, caches: make(map[string]*Cache)}
}

// Cache returns the cache for src's key, creating it with cfg on first use. Later calls for
// the same key return the existing cache and ignore cfg.
func (r *Registry) Cache(src manup.Source, cfg manup.RefreshConfig) (*Cache, error) {
	if src == nil {
		return nil, manup.ErrNilSource
	}
	key := cfg.QueryKey
	if key == "" {
		key = source.QueryKey(src)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[key]; ok {
		return c, nil
	}
	cfg.QueryKey = key
	c, err := NewCache(src, cfg, r.logger, r.metrics)
	if err != nil {
		return nil, err
	}
	r.caches[key] = c
	return c, nil
}

func (r *Registry) Get(key string) (*Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[key]
	return c, ok
}

// Keys returns the registered cache keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.caches))
	for k := range r.caches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FocusRegained forwards a focus event to every cache and returns how many accepted it.
func (r *Registry) FocusRegained() int {
	r.mu.Lock()
	caches := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.Unlock()
	n := 0
	for _, c := range caches {
		if c.FocusRegained() {
			n++
		}
	}
	return n
}
