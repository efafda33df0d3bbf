// Package registry owns the subnet set: creation with materialized
// host addresses, overlap enforcement, resize diffing, and deletion.
package registry

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/hexa-net/ipamd/internal/audit"
	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/ipaddr"
)

// StatsProvider supplies per-subnet rollups for listings.
type StatsProvider interface {
	SubnetStats(ctx context.Context, subnetID int64) (domain.Stats, error)
}

type Registry struct {
	store domain.Store
	clock domain.Clock
	stats StatsProvider

	// maxHosts bounds materialization; subnets with more usable hosts
	// are rejected outright rather than lazily generated.
	maxHosts uint64
}

func New(store domain.Store, clock domain.Clock, stats StatsProvider, maxHosts uint64) *Registry {
	return &Registry{store: store, clock: clock, stats: stats, maxHosts: maxHosts}
}

func (r *Registry) Create(ctx context.Context, input domain.CreateSubnetInput, actor string) (domain.Subnet, error) {
	cidr, err := ipaddr.ParsePrefix(input.CIDR)
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("%w: %v", domain.ErrInvalidCIDR, err)
	}
	if n := ipaddr.HostCount(cidr); n > r.maxHosts {
		return domain.Subnet{}, fmt.Errorf("%w: %s has %d hosts, ceiling is %d", domain.ErrTooLarge, cidr, n, r.maxHosts)
	}
	gateway, err := parseGateway(input.Gateway, cidr)
	if err != nil {
		return domain.Subnet{}, err
	}

	sub := domain.Subnet{
		CIDR:        cidr,
		Netmask:     ipaddr.Netmask(cidr),
		Gateway:     gateway,
		Description: input.Description,
		VLANID:      input.VLANID,
		Location:    input.Location,
		CreatedBy:   actor,
	}

	err = r.store.Update(ctx, func(tx domain.Tx) error {
		if err := checkOverlap(ctx, tx, cidr, 0); err != nil {
			return err
		}
		if err := tx.CreateSubnet(ctx, &sub); err != nil {
			return err
		}
		hosts, err := ipaddr.Hosts(cidr, r.maxHosts)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTooLarge, err)
		}
		addrs := make([]domain.Address, len(hosts))
		for i, h := range hosts {
			addrs[i] = domain.Address{SubnetID: sub.ID, IP: h, Status: domain.StatusAvailable}
		}
		if err := tx.InsertAddresses(ctx, addrs); err != nil {
			return err
		}
		ev := audit.NewEvent(r.clock.Now(), actor, "subnet.create", audit.KindSubnet,
			strconv.FormatInt(sub.ID, 10), nil, audit.SubnetFields(sub))
		return tx.AppendAudit(ctx, ev)
	})
	if err != nil {
		return domain.Subnet{}, err
	}
	return sub, nil
}

// Update applies metadata edits only; the address set is untouched.
func (r *Registry) Update(ctx context.Context, id int64, input domain.UpdateSubnetInput, actor string) (domain.Subnet, error) {
	var sub domain.Subnet
	err := r.store.Update(ctx, func(tx domain.Tx) error {
		var err error
		sub, err = tx.SubnetByID(ctx, id)
		if err != nil {
			return err
		}
		before := audit.SubnetFields(sub)

		if input.Gateway != nil {
			gw, err := parseGateway(*input.Gateway, sub.CIDR)
			if err != nil {
				return err
			}
			sub.Gateway = gw
		}
		if input.Description != nil {
			sub.Description = *input.Description
		}
		if input.VLANID != nil {
			sub.VLANID = *input.VLANID
		}
		if input.Location != nil {
			sub.Location = *input.Location
		}
		if err := tx.UpdateSubnet(ctx, &sub); err != nil {
			return err
		}
		ev := audit.NewEvent(r.clock.Now(), actor, "subnet.update", audit.KindSubnet,
			strconv.FormatInt(id, 10), before, audit.SubnetFields(sub))
		return tx.AppendAudit(ctx, ev)
	})
	if err != nil {
		return domain.Subnet{}, err
	}
	return sub, nil
}

// Resize replaces the subnet's CIDR and syncs the materialized address
// set: intersecting addresses are kept, out-of-range AVAILABLE rows are
// removed, new hosts are inserted AVAILABLE. Any allocated or reserved
// address outside the new range blocks the resize.
func (r *Registry) Resize(ctx context.Context, id int64, newCIDR string, actor string) (domain.SyncReport, error) {
	cidr, err := ipaddr.ParsePrefix(newCIDR)
	if err != nil {
		return domain.SyncReport{}, fmt.Errorf("%w: %v", domain.ErrInvalidCIDR, err)
	}
	if n := ipaddr.HostCount(cidr); n > r.maxHosts {
		return domain.SyncReport{}, fmt.Errorf("%w: %s has %d hosts, ceiling is %d", domain.ErrTooLarge, cidr, n, r.maxHosts)
	}

	var report domain.SyncReport
	err = r.store.Update(ctx, func(tx domain.Tx) error {
		// Serialize against allocations in this subnet.
		if err := tx.Lock(ctx, "alloc:subnet:"+strconv.FormatInt(id, 10)); err != nil {
			return err
		}
		sub, err := tx.SubnetByID(ctx, id)
		if err != nil {
			return err
		}
		if sub.CIDR.Addr().Is4() != cidr.Addr().Is4() {
			return fmt.Errorf("%w: cannot change address family", domain.ErrInvalidCIDR)
		}
		if err := checkOverlap(ctx, tx, cidr, id); err != nil {
			return err
		}
		outside, err := tx.AssignedOutside(ctx, id, cidr)
		if err != nil {
			return err
		}
		if outside > 0 {
			return fmt.Errorf("%w: %d assigned addresses outside %s", domain.ErrContainsAssigned, outside, cidr)
		}

		before := audit.SubnetFields(sub)
		current, err := tx.AddressesBySubnet(ctx, id)
		if err != nil {
			return err
		}
		existing := make(map[netip.Addr]bool, len(current))
		var removed []netip.Addr
		for _, a := range current {
			existing[a.IP] = true
			if !ipaddr.IsUsableHost(cidr, a.IP) {
				removed = append(removed, a.IP)
			}
		}
		if err := tx.RemoveAddresses(ctx, id, removed); err != nil {
			return err
		}
		hosts, err := ipaddr.Hosts(cidr, r.maxHosts)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTooLarge, err)
		}
		var added []domain.Address
		for _, h := range hosts {
			if !existing[h] {
				added = append(added, domain.Address{SubnetID: id, IP: h, Status: domain.StatusAvailable})
			}
		}
		if err := tx.InsertAddresses(ctx, added); err != nil {
			return err
		}

		report = domain.SyncReport{
			Added:   len(added),
			Removed: len(removed),
			Kept:    len(current) - len(removed),
		}
		sub.CIDR = cidr
		sub.Netmask = ipaddr.Netmask(cidr)
		if sub.Gateway.IsValid() && !ipaddr.IsUsableHost(cidr, sub.Gateway) {
			sub.Gateway = netip.Addr{}
			report.GatewayCleared = true
		}
		if err := tx.UpdateSubnet(ctx, &sub); err != nil {
			return err
		}

		after := audit.SubnetFields(sub)
		after["added"] = report.Added
		after["removed"] = report.Removed
		after["kept"] = report.Kept
		ev := audit.NewEvent(r.clock.Now(), actor, "subnet.resize", audit.KindSubnet,
			strconv.FormatInt(id, 10), before, after)
		return tx.AppendAudit(ctx, ev)
	})
	if err != nil {
		return domain.SyncReport{}, err
	}
	return report, nil
}

func (r *Registry) Delete(ctx context.Context, id int64, actor string) error {
	return r.store.Update(ctx, func(tx domain.Tx) error {
		sub, err := tx.SubnetByID(ctx, id)
		if err != nil {
			return err
		}
		assigned, err := tx.CountAssigned(ctx, id)
		if err != nil {
			return err
		}
		if assigned > 0 {
			return fmt.Errorf("%w: %d addresses assigned", domain.ErrNotEmpty, assigned)
		}
		if err := tx.DeleteSubnet(ctx, id); err != nil {
			return err
		}
		ev := audit.NewEvent(r.clock.Now(), actor, "subnet.delete", audit.KindSubnet,
			strconv.FormatInt(id, 10), audit.SubnetFields(sub), nil)
		return tx.AppendAudit(ctx, ev)
	})
}

func (r *Registry) Get(ctx context.Context, id int64) (domain.Subnet, error) {
	var sub domain.Subnet
	err := r.store.View(ctx, func(tx domain.Tx) error {
		var err error
		sub, err = tx.SubnetByID(ctx, id)
		return err
	})
	return sub, err
}

// ListAddresses returns every materialized address of the subnet in
// numeric order.
func (r *Registry) ListAddresses(ctx context.Context, id int64) ([]domain.Address, error) {
	var out []domain.Address
	err := r.store.View(ctx, func(tx domain.Tx) error {
		if _, err := tx.SubnetByID(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.AddressesBySubnet(ctx, id)
		return err
	})
	return out, err
}

// CheckOverlap reports existing subnets overlapping cidr, for
// pre-create validation. excludeID skips one subnet (resize preview).
func (r *Registry) CheckOverlap(ctx context.Context, cidrStr string, excludeID int64) ([]domain.Subnet, error) {
	cidr, err := ipaddr.ParsePrefix(cidrStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCIDR, err)
	}
	var out []domain.Subnet
	err = r.store.View(ctx, func(tx domain.Tx) error {
		subs, err := tx.Subnets(ctx)
		if err != nil {
			return err
		}
		for _, s := range subs {
			if s.ID == excludeID {
				continue
			}
			if ipaddr.Overlaps(s.CIDR, cidr) {
				out = append(out, s)
			}
		}
		return nil
	})
	return out, err
}

// ListWithStats pages through subnets joined with their rollups.
func (r *Registry) ListWithStats(ctx context.Context, page domain.Page) (domain.PagedSubnets, error) {
	if page.Limit <= 0 {
		page.Limit = 50
	}
	if page.Skip < 0 {
		page.Skip = 0
	}
	var subs []domain.Subnet
	err := r.store.View(ctx, func(tx domain.Tx) error {
		var err error
		subs, err = tx.Subnets(ctx)
		return err
	})
	if err != nil {
		return domain.PagedSubnets{}, err
	}

	out := domain.PagedSubnets{Total: int64(len(subs))}
	if page.Skip >= len(subs) {
		return out, nil
	}
	subs = subs[page.Skip:]
	if len(subs) > page.Limit {
		subs = subs[:page.Limit]
	}
	for _, s := range subs {
		st, err := r.stats.SubnetStats(ctx, s.ID)
		if err != nil {
			return domain.PagedSubnets{}, err
		}
		out.Items = append(out.Items, domain.SubnetWithStats{Subnet: s, Stats: st})
	}
	return out, nil
}

// checkOverlap enforces pairwise non-overlap inside a transaction. The
// subnet count stays small (thousands), so a linear probe per family
// is enough.
func checkOverlap(ctx context.Context, tx domain.Tx, cidr netip.Prefix, excludeID int64) error {
	subs, err := tx.Subnets(ctx)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if s.ID == excludeID {
			continue
		}
		if ipaddr.Overlaps(s.CIDR, cidr) {
			return fmt.Errorf("%w: %s overlaps %s (id %d)", domain.ErrOverlap, cidr, s.CIDR, s.ID)
		}
	}
	return nil
}

func parseGateway(s string, cidr netip.Prefix) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	gw, err := ipaddr.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: gateway %q", domain.ErrInvalidAddress, s)
	}
	if !ipaddr.IsUsableHost(cidr, gw) {
		return netip.Addr{}, fmt.Errorf("%w: gateway %s not a host of %s", domain.ErrInvalidAddress, gw, cidr)
	}
	return gw, nil
}
