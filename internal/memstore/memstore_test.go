package memstore_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/ipaddr"
	"github.com/hexa-net/ipamd/internal/memstore"
)

func seed(t *testing.T, store *memstore.Store) domain.Subnet {
	t.Helper()
	ctx := context.Background()
	cidr, err := ipaddr.ParsePrefix("10.0.0.0/29")
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
			addrs[i] = domain.Address{SubnetID: sub.ID, IP: h, Status: domain.StatusAvailable}
		}
		return tx.InsertAddresses(ctx, addrs)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return sub
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sub := seed(t, store)

	boom := errors.New("boom")
	err := store.Update(ctx, func(tx domain.Tx) error {
		a, err := tx.AddressByIP(ctx, netip.MustParseAddr("10.0.0.1"))
		if err != nil {
			return err
		}
		a.Status = domain.StatusAllocated
		if err := tx.UpdateAddress(ctx, &a); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, domain.AuditEvent{ID: "x", Action: "test"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected inner error, got %v", err)
	}

	// Both the write and the audit append are rolled back.
	err = store.View(ctx, func(tx domain.Tx) error {
		a, err := tx.AddressByIP(ctx, netip.MustParseAddr("10.0.0.1"))
		if err != nil {
			return err
		}
		if a.Status != domain.StatusAvailable {
			t.Fatalf("write survived rollback: %s", a.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(store.AuditLog()) != 0 {
		t.Fatalf("audit survived rollback: %d events", len(store.AuditLog()))
	}

	// id sequences rewind too, so a retry does not leave gaps.
	var id int64
	err = store.Update(ctx, func(tx domain.Tx) error {
		r := domain.Reservation{SubnetID: sub.ID, IP: netip.MustParseAddr("10.0.0.2"), Actor: "a", Active: true}
		if err := tx.CreateReservation(ctx, &r); err != nil {
			return err
		}
		id = r.ID
		return nil
	})
	if err != nil {
		t.Fatalf("reservation: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first reservation id 1, got %d", id)
	}
}

func TestDeleteSubnetCascades(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sub := seed(t, store)

	err := store.Update(ctx, func(tx domain.Tx) error {
		r := domain.Reservation{SubnetID: sub.ID, IP: netip.MustParseAddr("10.0.0.3"), Actor: "a", Active: true}
		if err := tx.CreateReservation(ctx, &r); err != nil {
			return err
		}
		return tx.DeleteSubnet(ctx, sub.ID)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	err = store.View(ctx, func(tx domain.Tx) error {
		if _, err := tx.AddressByIP(ctx, netip.MustParseAddr("10.0.0.1")); !errors.Is(err, domain.ErrAddressNotFound) {
			t.Fatalf("address survived cascade: %v", err)
		}
		if _, err := tx.ActiveReservationForIP(ctx, netip.MustParseAddr("10.0.0.3")); !errors.Is(err, domain.ErrReservationNotFound) {
			t.Fatalf("reservation survived cascade: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
