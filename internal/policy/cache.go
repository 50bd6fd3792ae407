package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache holds one resolved Snapshot per agent with a policy. Misses for the
// same agent are collapsed into a single store fetch; different agents never
// contend. Agents without a policy leave nothing behind once their fetch
// returns.
//
// A fetch that overlaps an Invalidate for its agent (or a full invalidation)
// returns its result to the waiting callers but does not store it, so the
// next Get refetches.
type Cache struct {
	store   Store
	log     *zap.SugaredLogger
	now     func() time.Time
	timeout time.Duration
	maxAge  time.Duration

	entries  sync.Map // agentID -> *cacheEntry
	inflight sync.Map // agentID -> *fetch
	epoch    atomic.Uint64
	group    singleflight.Group
}

type cacheEntry struct {
	snap *Snapshot
	at   time.Time
}

// fetch is marked stale by an Invalidate that overlaps it.
type fetch struct {
	stale atomic.Bool
}

type CacheOption func(*Cache)

// WithStoreTimeout bounds each store fetch.
func WithStoreTimeout(d time.Duration) CacheOption { return func(c *Cache) { c.timeout = d } }

// WithMaxAge expires entries after d; zero keeps them until invalidated.
func WithMaxAge(d time.Duration) CacheOption { return func(c *Cache) { c.maxAge = d } }

func WithCacheClock(now func() time.Time) CacheOption { return func(c *Cache) { c.now = now } }

func NewCache(store Store, log *zap.SugaredLogger, opts ...CacheOption) *Cache {
	c := &Cache{store: store, log: log, now: time.Now, timeout: 2 * time.Second}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// Get returns the agent's snapshot, or nil when the agent has no policy.
// Errors wrap ErrStoreUnavailable and are never cached.
func (c *Cache) Get(ctx context.Context, agentID string) (*Snapshot, error) {
	if e, ok := c.entries.Load(agentID); ok {
		ce := e.(*cacheEntry)
		if c.maxAge <= 0 || c.now().Sub(ce.at) < c.maxAge {
			return ce.snap, nil
		}
	}
	v, err, _ := c.group.Do(agentID, func() (any, error) {
		f := &fetch{}
		c.inflight.Store(agentID, f)
		defer c.inflight.CompareAndDelete(agentID, f)
		epoch := c.epoch.Load()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		snap, err := Resolve(fctx, c.store, agentID, c.now())
		if err != nil {
			c.log.Warnw("policy fetch failed", "agent", agentID, "err", err)
			return nil, err
		}
		if snap == nil {
			return snap, nil
		}
		ce := &cacheEntry{snap: snap, at: c.now()}
		if !f.stale.Load() && c.epoch.Load() == epoch {
			c.entries.Store(agentID, ce)
			// an Invalidate racing the store marks f before deleting entries
			if f.stale.Load() || c.epoch.Load() != epoch {
				c.entries.CompareAndDelete(agentID, ce)
			}
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate drops the agent's entry, or every entry when agentID is empty.
func (c *Cache) Invalidate(agentID string) {
	if agentID == "" {
		c.epoch.Add(1)
		c.inflight.Range(func(k, f any) bool {
			f.(*fetch).stale.Store(true)
			c.group.Forget(k.(string))
			return true
		})
		c.entries.Range(func(k, _ any) bool {
			c.entries.Delete(k)
			c.group.Forget(k.(string))
			return true
		})
		c.log.Infow("policy cache cleared")
		return
	}
	if f, ok := c.inflight.Load(agentID); ok {
		f.(*fetch).stale.Store(true)
	}
	c.entries.Delete(agentID)
	c.group.Forget(agentID)
	c.log.Infow("policy cache invalidated", "agent", agentID)
}

// size reports how many agents hold cache state.
func (c *Cache) size() (entries, inflight int) {
	c.entries.Range(func(_, _ any) bool { entries++; return true })
	c.inflight.Range(func(_, _ any) bool { inflight++; return true })
	return entries, inflight
}
