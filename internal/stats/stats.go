// Package stats rolls up address counts per subnet and globally. Reads
// are served from a short-lived process-local cache; the lifecycle
// engine invalidates the affected subnet on every transition.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
)

// globalKey is the cache slot for the cross-subnet rollup.
const globalKey int64 = 0

type entry struct {
	at    time.Time
	stats domain.Stats
}

type Aggregator struct {
	store domain.Store
	clock domain.Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[int64]entry
}

func NewAggregator(store domain.Store, clock domain.Clock, ttl time.Duration) *Aggregator {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Aggregator{store: store, clock: clock, ttl: ttl, cache: make(map[int64]entry)}
}

func (a *Aggregator) SubnetStats(ctx context.Context, subnetID int64) (domain.Stats, error) {
	return a.lookup(ctx, subnetID)
}

func (a *Aggregator) GlobalStats(ctx context.Context) (domain.Stats, error) {
	return a.lookup(ctx, globalKey)
}

func (a *Aggregator) lookup(ctx context.Context, key int64) (domain.Stats, error) {
	a.mu.RLock()
	e, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && a.clock.Now().Sub(e.at) < a.ttl {
		return e.stats, nil
	}

	var st domain.Stats
	err := a.store.View(ctx, func(tx domain.Tx) error {
		if key != globalKey {
			if _, err := tx.SubnetByID(ctx, key); err != nil {
				return err
			}
		}
		var err error
		st, err = tx.StatusCounts(ctx, key)
		return err
	})
	if err != nil {
		return domain.Stats{}, err
	}

	a.mu.Lock()
	a.cache[key] = entry{at: a.clock.Now(), stats: st}
	a.mu.Unlock()
	return st, nil
}

// Invalidate drops the cached rollup for one subnet and the global
// one; wired into the engine's commit hook.
func (a *Aggregator) Invalidate(subnetID int64) {
	a.mu.Lock()
	delete(a.cache, subnetID)
	delete(a.cache, globalKey)
	a.mu.Unlock()
}
