package engine

import (
	"sync"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
)

// idemTTL is how long a request id pins its recorded outcome.
const idemTTL = 5 * time.Minute

type idemResult struct {
	addr  domain.Address
	addrs []domain.Address
	res   domain.Reservation
}

type idemEntry struct {
	at     time.Time
	result idemResult
	err    error
}

// idemCache replays the outcome of a recently-seen request id so that
// retried bulk operations cannot double-allocate. Retryable failures
// (lock timeout, service busy) are never recorded; retrying those is
// the point.
type idemCache struct {
	mu      sync.Mutex
	clock   domain.Clock
	entries map[string]idemEntry
}

func newIdemCache(clock domain.Clock) *idemCache {
	return &idemCache{clock: clock, entries: make(map[string]idemEntry)}
}

func (c *idemCache) lookup(requestID string) (bool, idemResult, error) {
	if requestID == "" {
		return false, idemResult{}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	e, ok := c.entries[requestID]
	if !ok {
		return false, idemResult{}, nil
	}
	return true, e.result, e.err
}

func (c *idemCache) record(requestID string, result idemResult, err error) {
	if requestID == "" || domain.Retryable(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[requestID] = idemEntry{at: c.clock.Now(), result: result, err: err}
}

// prune drops expired entries; called with the mutex held.
func (c *idemCache) prune() {
	cutoff := c.clock.Now().Add(-idemTTL)
	for k, e := range c.entries {
		if e.at.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
