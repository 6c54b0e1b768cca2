// Package grouplist memoizes ordered subject lists per user session.
//
// The cached lists drive previous/next subject navigation, so an entry must
// never survive a change to the filter, sort or QC state of the view it was
// computed from. Between such changes a hit is returned without revalidation.
package grouplist

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/studyengine/internal/platform/metrics"
)

// SessionScopedCache stores subject lists for exactly one session.
type SessionScopedCache interface {
	Get(ctx context.Context, key string) ([]string, bool, error)
	Put(ctx context.Context, key string, subjects []string) error
	Invalidate(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// ComputeFunc produces the live subject list on a cache miss.
type ComputeFunc func(ctx context.Context) ([]string, error)

// GroupListCache fronts subject list computation for one session.
//
// inflight maps a key under computation to the generation it started in.
// Invalidating the key removes it, and a computation whose entry is gone
// returns its list to the callers but never stores it.
type GroupListCache struct {
	store  SessionScopedCache
	flight singleflight.Group
	log    zerolog.Logger

	mu       sync.Mutex
	gen      uint64
	inflight map[string]uint64
}

func New(store SessionScopedCache, log zerolog.Logger) *GroupListCache {
	return &GroupListCache{store: store, log: log, inflight: make(map[string]uint64)}
}

// Get returns the cached list. Store failures are logged and reported as a
// miss; the caller recomputes from the live query.
func (c *GroupListCache) Get(ctx context.Context, key string) ([]string, bool) {
	list, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("subject list cache read failed")
		return nil, false
	}
	if ok {
		metrics.CacheHit()
	} else {
		metrics.CacheMiss()
	}
	return list, ok
}

func (c *GroupListCache) Put(ctx context.Context, key string, subjects []string) error {
	return c.store.Put(ctx, key, subjects)
}

func (c *GroupListCache) Invalidate(ctx context.Context, key string) error {
	c.detach(func(k string) bool { return k == key })
	if err := c.store.Invalidate(ctx, key); err != nil {
		return err
	}
	metrics.CacheInvalidated(1)
	return nil
}

// InvalidateView drops every entry computed from the study's dataset view,
// for all cohort and QC filters. Call it whenever the view's filter, sort or
// QC parameters change.
func (c *GroupListCache) InvalidateView(ctx context.Context, studyID, datasetID int, viewName string) (int, error) {
	prefix := ViewPrefix(studyID, datasetID, viewName)
	c.detach(func(k string) bool { return matchesView(k, prefix) })

	keys, err := c.store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, k := range keys {
		if !matchesView(k, prefix) {
			continue
		}
		if err := c.store.Invalidate(ctx, k); err != nil {
			return dropped, err
		}
		dropped++
	}
	if dropped > 0 {
		metrics.CacheInvalidated(dropped)
		c.log.Debug().Int("study_id", studyID).Int("dataset_id", datasetID).Str("view", viewName).Int("dropped", dropped).Msg("subject lists invalidated")
	}
	return dropped, nil
}

// detach forgets in-flight computations of the matching keys so later
// callers compute afresh and the detached results are not stored.
func (c *GroupListCache) detach(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.inflight {
		if match(k) {
			c.flight.Forget(k)
			delete(c.inflight, k)
		}
	}
}

// GetOrCompute returns the cached list for key or computes, stores and
// returns it. Concurrent misses on the same key share one computation, which
// runs detached from the first caller's cancellation.
func (c *GroupListCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) ([]string, error) {
	if list, ok := c.Get(ctx, key); ok {
		return list, nil
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		fctx := context.WithoutCancel(ctx)
		c.mu.Lock()
		c.gen++
		gen := c.gen
		c.inflight[key] = gen
		c.mu.Unlock()

		list, err := compute(fctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		started, live := c.inflight[key]
		live = live && started == gen
		if live {
			delete(c.inflight, key)
		}
		if err != nil {
			return nil, err
		}
		if !live {
			c.log.Debug().Str("key", key).Msg("subject list invalidated during computation, not stored")
			return list, nil
		}
		if err := c.store.Put(fctx, key, list); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("subject list cache write failed")
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneList(v.([]string)), nil
}

// Clear empties the session's cache.
func (c *GroupListCache) Clear(ctx context.Context) error {
	c.detach(func(string) bool { return true })
	return c.store.Clear(ctx)
}

// Neighbors returns the subjects before and after current in the cached
// list for key. Empty strings mean there is no neighbor or no cached list.
func (c *GroupListCache) Neighbors(ctx context.Context, key, current string) (prev, next string) {
	list, ok := c.Get(ctx, key)
	if !ok {
		return "", ""
	}
	for i, s := range list {
		if s != current {
			continue
		}
		if i > 0 {
			prev = list[i-1]
		}
		if i < len(list)-1 {
			next = list[i+1]
		}
		return prev, next
	}
	return "", ""
}

func cloneList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
