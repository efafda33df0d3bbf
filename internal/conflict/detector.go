// Package conflict scans for inconsistent address state: duplicate
// rows inside a subnet and MAC addresses bound to more than one
// allocated address. Detected groups are marked CONFLICT through the
// lifecycle engine; resolution is an operator action.
package conflict

import (
	"context"
	"net/netip"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/engine"
	"github.com/hexa-net/ipamd/internal/ipaddr"
)

type Detector struct {
	store  domain.Store
	engine engine.Service
}

func NewDetector(store domain.Store, eng engine.Service) *Detector {
	return &Detector{store: store, engine: eng}
}

// Detect runs one scan. A nil subnetID covers the whole address space.
// Every detected group is marked and returned; already-marked members
// are left untouched.
func (d *Detector) Detect(ctx context.Context, subnetID *int64, actor string) ([]domain.ConflictGroup, error) {
	var groups []domain.ConflictGroup
	err := d.store.View(ctx, func(tx domain.Tx) error {
		dups, err := tx.DuplicateAddresses(ctx)
		if err != nil {
			return err
		}
		macs, err := tx.MACCollisions(ctx, subnetID)
		if err != nil {
			return err
		}
		groups = append(dups, macs...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.engine.MarkConflict(ctx, g, actor); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// Resolve names the surviving record of a previously detected group.
// The winner returns to its pre-conflict status; the rest of the group
// goes back to AVAILABLE with assignment attributes cleared.
func (d *Detector) Resolve(ctx context.Context, group domain.ConflictGroup, winner netip.Addr, actor string) (domain.Address, error) {
	var others []netip.Addr
	for _, a := range group.Addresses {
		if ipaddr.Compare(a.IP, winner) != 0 {
			others = append(others, a.IP)
		}
	}
	return d.engine.ResolveConflict(ctx, winner, others, actor)
}
