package stats_test

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/ipaddr"
	"github.com/hexa-net/ipamd/internal/memstore"
	"github.com/hexa-net/ipamd/internal/stats"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func seed(t *testing.T, store *memstore.Store, cidrStr string, allocated int) domain.Subnet {
	t.Helper()
	ctx := context.Background()
	cidr, err := ipaddr.ParsePrefix(cidrStr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sub := domain.Subnet{CIDR: cidr, Netmask: ipaddr.Netmask(cidr)}
	err = store.Update(ctx, func(tx domain.Tx) error {
		if err := tx.CreateSubnet(ctx, &sub); err != nil {
			return err
		}
		hosts, err := ipaddr.Hosts(cidr, 1<<16)
		if err != nil {
			return err
		}
		addrs := make([]domain.Address, len(hosts))
		for i, h := range hosts {
			st := domain.StatusAvailable
			if i < allocated {
				st = domain.StatusAllocated
			}
			addrs[i] = domain.Address{SubnetID: sub.ID, IP: h, Status: st}
		}
		return tx.InsertAddresses(ctx, addrs)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return sub
}

func markOneMore(t *testing.T, store *memstore.Store, ip string) {
	t.Helper()
	ctx := context.Background()
	err := store.Update(ctx, func(tx domain.Tx) error {
		a, err := tx.AddressByIP(ctx, netip.MustParseAddr(ip))
		if err != nil {
			return err
		}
		a.Status = domain.StatusAllocated
		return tx.UpdateAddress(ctx, &a)
	})
	if err != nil {
		t.Fatalf("mark %s: %v", ip, err)
	}
}

func TestSubnetStatsCounts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memstore.NewWithClock(clock)
	sub := seed(t, store, "10.0.0.0/29", 3) // 6 hosts, 3 allocated

	agg := stats.NewAggregator(store, clock, time.Minute)
	st, err := agg.SubnetStats(ctx, sub.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 6 || st.Allocated != 3 || st.Available != 3 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if st.UtilizationPct != 50 {
		t.Fatalf("expected 50%% utilization, got %v", st.UtilizationPct)
	}
}

func TestSubnetStatsUnknownSubnet(t *testing.T) {
	clock := newFakeClock()
	store := memstore.NewWithClock(clock)
	agg := stats.NewAggregator(store, clock, time.Minute)

	_, err := agg.SubnetStats(context.Background(), 42)
	if !errors.Is(err, domain.ErrSubnetNotFound) {
		t.Fatalf("expected ErrSubnetNotFound, got %v", err)
	}
}

func TestStatsServedFromCacheUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memstore.NewWithClock(clock)
	sub := seed(t, store, "10.0.0.0/29", 0)

	agg := stats.NewAggregator(store, clock, time.Minute)
	st, err := agg.SubnetStats(ctx, sub.ID)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if st.Allocated != 0 {
		t.Fatalf("unexpected allocated count: %d", st.Allocated)
	}

	// Change underlying data; inside TTL the cache still answers.
	markOneMore(t, store, "10.0.0.1")
	st, err = agg.SubnetStats(ctx, sub.ID)
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if st.Allocated != 0 {
		t.Fatalf("expected stale cached value, got allocated=%d", st.Allocated)
	}

	// Invalidation forces a re-read.
	agg.Invalidate(sub.ID)
	st, err = agg.SubnetStats(ctx, sub.ID)
	if err != nil {
		t.Fatalf("post-invalidate read: %v", err)
	}
	if st.Allocated != 1 {
		t.Fatalf("expected fresh value, got allocated=%d", st.Allocated)
	}
}

func TestStatsTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memstore.NewWithClock(clock)
	sub := seed(t, store, "10.0.0.0/29", 0)

	agg := stats.NewAggregator(store, clock, time.Minute)
	if _, err := agg.SubnetStats(ctx, sub.ID); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	markOneMore(t, store, "10.0.0.1")

	clock.Advance(2 * time.Minute)
	st, err := agg.SubnetStats(ctx, sub.ID)
	if err != nil {
		t.Fatalf("read after ttl: %v", err)
	}
	if st.Allocated != 1 {
		t.Fatalf("ttl expiry did not refresh: %+v", st)
	}
}

func TestGlobalStatsSpanSubnets(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memstore.NewWithClock(clock)
	seed(t, store, "10.0.0.0/29", 2)
	sub2 := seed(t, store, "10.1.0.0/29", 1)

	agg := stats.NewAggregator(store, clock, time.Minute)
	st, err := agg.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if st.Total != 12 || st.Allocated != 3 {
		t.Fatalf("unexpected global rollup: %+v", st)
	}

	// Invalidating any subnet also drops the global entry.
	markOneMore(t, store, "10.1.0.2")
	agg.Invalidate(sub2.ID)
	st, err = agg.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("global after invalidate: %v", err)
	}
	if st.Allocated != 4 {
		t.Fatalf("global cache not invalidated: %+v", st)
	}
}
