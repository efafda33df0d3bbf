package reservation_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/engine"
	"github.com/hexa-net/ipamd/internal/ipaddr"
	"github.com/hexa-net/ipamd/internal/memstore"
	"github.com/hexa-net/ipamd/internal/reservation"
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

func newManager(t *testing.T) (*reservation.Manager, *memstore.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := memstore.NewWithClock(clock)
	eng := engine.New(store, clock, engine.Config{})
	return reservation.NewManager(store, clock, eng), store, clock
}

func seedSubnet(t *testing.T, store *memstore.Store, cidrStr string) domain.Subnet {
	t.Helper()
	ctx := context.Background()
	cidr, err := ipaddr.ParsePrefix(cidrStr)
	if err != nil {
		t.Fatalf("parse %q: %v", cidrStr, err)
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
			addrs[i] = domain.Address{SubnetID: sub.ID, IP: h, Status: domain.StatusAvailable}
		}
		return tx.InsertAddresses(ctx, addrs)
	})
	if err != nil {
		t.Fatalf("seed subnet %s: %v", cidrStr, err)
	}
	return sub
}

func TestCreateGetList(t *testing.T) {
	ctx := context.Background()
	mgr, store, clock := newManager(t)
	sub := seedSubnet(t, store, "10.0.0.0/29")

	res, err := mgr.Create(ctx, domain.ReserveRequest{
		Actor:    "alice",
		IP:       netip.MustParseAddr("10.0.0.3"),
		Reason:   "printer",
		End:      clock.Now().Add(time.Hour),
		Priority: domain.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := mgr.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IP != res.IP || got.Priority != domain.PriorityHigh || !got.Active {
		t.Fatalf("unexpected reservation: %+v", got)
	}

	active := true
	list, err := mgr.List(ctx, domain.ReservationFilter{SubnetID: &sub.ID, Active: &active})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one active reservation, got %d", len(list))
	}

	list, err = mgr.List(ctx, domain.ReservationFilter{Actor: "nobody"})
	if err != nil {
		t.Fatalf("list by actor: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no reservations for unknown actor, got %d", len(list))
	}
}

func TestExtendRules(t *testing.T) {
	ctx := context.Background()
	mgr, store, clock := newManager(t)
	seedSubnet(t, store, "10.0.0.0/29")

	timed, err := mgr.Create(ctx, domain.ReserveRequest{
		Actor: "alice",
		IP:    netip.MustParseAddr("10.0.0.1"),
		End:   clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create timed: %v", err)
	}
	permanent, err := mgr.Create(ctx, domain.ReserveRequest{
		Actor: "alice",
		IP:    netip.MustParseAddr("10.0.0.2"),
	})
	if err != nil {
		t.Fatalf("create permanent: %v", err)
	}

	// Permanent reservations cannot be extended.
	_, err = mgr.Extend(ctx, permanent.ID, clock.Now().Add(2*time.Hour), "alice")
	if !errors.Is(err, domain.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for permanent, got %v", err)
	}

	// The new end must be after the current end.
	_, err = mgr.Extend(ctx, timed.ID, clock.Now().Add(30*time.Minute), "alice")
	if !errors.Is(err, domain.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for earlier end, got %v", err)
	}

	newEnd := clock.Now().Add(3 * time.Hour)
	got, err := mgr.Extend(ctx, timed.ID, newEnd, "alice")
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !got.End.Equal(newEnd) {
		t.Fatalf("end not updated: %v", got.End)
	}

	// Unknown id.
	_, err = mgr.Extend(ctx, 9999, newEnd, "alice")
	if !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestDeleteStandsDownActiveReservation(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newManager(t)
	seedSubnet(t, store, "10.0.0.0/29")
	ip := netip.MustParseAddr("10.0.0.4")

	res, err := mgr.Create(ctx, domain.ReserveRequest{Actor: "alice", IP: ip})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := mgr.Delete(ctx, res.ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := mgr.Get(ctx, res.ID); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}

	err = store.View(ctx, func(tx domain.Tx) error {
		a, err := tx.AddressByIP(ctx, ip)
		if err != nil {
			return err
		}
		if a.Status != domain.StatusAvailable {
			t.Fatalf("address not released on delete: %s", a.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("address lookup: %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	mgr, store, clock := newManager(t)
	seedSubnet(t, store, "10.0.0.0/28")

	// Two timed holds, one permanent.
	for i, end := range []time.Duration{time.Hour, 2 * time.Hour, 0} {
		req := domain.ReserveRequest{
			Actor: "alice",
			IP:    netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", i+1)),
		}
		if end > 0 {
			req.End = clock.Now().Add(end)
		}
		if _, err := mgr.Create(ctx, req); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	// Nothing has expired yet.
	n, err := mgr.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing expired, cleaned %d", n)
	}

	clock.Advance(90 * time.Minute)
	n, err = mgr.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup after advance: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired at t+90m, cleaned %d", n)
	}

	clock.Advance(time.Hour)
	n, err = mgr.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 more expired, cleaned %d", n)
	}

	// The permanent hold survives and its address stays RESERVED.
	active := true
	list, err := mgr.List(ctx, domain.ReservationFilter{Active: &active})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !list[0].End.IsZero() {
		t.Fatalf("expected only the permanent hold active, got %+v", list)
	}
}
