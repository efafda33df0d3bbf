// Package memstore is the in-memory Store used by unit tests and the
// single-process dev backend. Transactions are serialized under one
// mutex, which trivially satisfies the exclusive-lock contract inside a
// process; cross-process locking is the Postgres store's job.
package memstore

import (
	"context"
	"net/netip"
	"sort"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/ipaddr"
	"github.com/hexa-net/ipamd/internal/query"
	"golang.org/x/sync/semaphore"
)

type Store struct {
	sem   *semaphore.Weighted // one transaction at a time
	clock domain.Clock

	subnets      map[int64]domain.Subnet
	addrs        map[netip.Addr]domain.Address
	reservations map[int64]domain.Reservation
	audit        []domain.AuditEvent

	nextSubnetID int64
	nextAddrID   int64
	nextResID    int64
}

func New() *Store {
	return NewWithClock(domain.SystemClock{})
}

func NewWithClock(clock domain.Clock) *Store {
	return &Store{
		sem:          semaphore.NewWeighted(1),
		clock:        clock,
		subnets:      make(map[int64]domain.Subnet),
		addrs:        make(map[netip.Addr]domain.Address),
		reservations: make(map[int64]domain.Reservation),
	}
}

func (s *Store) Update(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return domain.ErrLockTimeout
	}
	defer s.sem.Release(1)

	snap := s.snapshot()
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return domain.ErrLockTimeout
	}
	defer s.sem.Release(1)
	return fn(&memTx{s: s, readonly: true})
}

// AuditLog exposes appended events for assertions in tests.
func (s *Store) AuditLog() []domain.AuditEvent {
	out := make([]domain.AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}

type snapshot struct {
	subnets      map[int64]domain.Subnet
	addrs        map[netip.Addr]domain.Address
	reservations map[int64]domain.Reservation
	auditLen     int
	ids          [3]int64
}

func (s *Store) snapshot() snapshot {
	sn := snapshot{
		subnets:      make(map[int64]domain.Subnet, len(s.subnets)),
		addrs:        make(map[netip.Addr]domain.Address, len(s.addrs)),
		reservations: make(map[int64]domain.Reservation, len(s.reservations)),
		auditLen:     len(s.audit),
		ids:          [3]int64{s.nextSubnetID, s.nextAddrID, s.nextResID},
	}
	for k, v := range s.subnets {
		sn.subnets[k] = v
	}
	for k, v := range s.addrs {
		sn.addrs[k] = v
	}
	for k, v := range s.reservations {
		sn.reservations[k] = v
	}
	return sn
}

func (s *Store) restore(sn snapshot) {
	s.subnets = sn.subnets
	s.addrs = sn.addrs
	s.reservations = sn.reservations
	s.audit = s.audit[:sn.auditLen]
	s.nextSubnetID, s.nextAddrID, s.nextResID = sn.ids[0], sn.ids[1], sn.ids[2]
}

type memTx struct {
	s        *Store
	readonly bool
	locks    []string
}

// Lock records the requested keys. Transactions are fully serialized
// here, so the keys can never contend; sorting keeps the acquisition
// order contract observable in tests.
func (t *memTx) Lock(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return domain.ErrLockTimeout
	}
	ks := append([]string(nil), keys...)
	sort.Strings(ks)
	t.locks = append(t.locks, ks...)
	return nil
}

func (t *memTx) CreateSubnet(ctx context.Context, sub *domain.Subnet) error {
	t.s.nextSubnetID++
	sub.ID = t.s.nextSubnetID
	now := t.s.clock.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	t.s.subnets[sub.ID] = *sub
	return nil
}

func (t *memTx) SubnetByID(ctx context.Context, id int64) (domain.Subnet, error) {
	sub, ok := t.s.subnets[id]
	if !ok {
		return domain.Subnet{}, domain.ErrSubnetNotFound
	}
	return sub, nil
}

func (t *memTx) SubnetByCIDR(ctx context.Context, cidr netip.Prefix) (domain.Subnet, error) {
	for _, sub := range t.s.subnets {
		if sub.CIDR == cidr {
			return sub, nil
		}
	}
	return domain.Subnet{}, domain.ErrSubnetNotFound
}

func (t *memTx) Subnets(ctx context.Context) ([]domain.Subnet, error) {
	out := make([]domain.Subnet, 0, len(t.s.subnets))
	for _, sub := range t.s.subnets {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) UpdateSubnet(ctx context.Context, sub *domain.Subnet) error {
	if _, ok := t.s.subnets[sub.ID]; !ok {
		return domain.ErrSubnetNotFound
	}
	sub.UpdatedAt = t.s.clock.Now()
	t.s.subnets[sub.ID] = *sub
	return nil
}

func (t *memTx) DeleteSubnet(ctx context.Context, id int64) error {
	if _, ok := t.s.subnets[id]; !ok {
		return domain.ErrSubnetNotFound
	}
	delete(t.s.subnets, id)
	for ip, a := range t.s.addrs {
		if a.SubnetID == id {
			delete(t.s.addrs, ip)
		}
	}
	for rid, r := range t.s.reservations {
		if r.SubnetID == id {
			delete(t.s.reservations, rid)
		}
	}
	return nil
}

func (t *memTx) InsertAddresses(ctx context.Context, addrs []domain.Address) error {
	now := t.s.clock.Now()
	for _, a := range addrs {
		if _, exists := t.s.addrs[a.IP]; exists {
			return domain.ErrAlreadyAllocated
		}
		t.s.nextAddrID++
		a.ID = t.s.nextAddrID
		a.CreatedAt, a.UpdatedAt = now, now
		t.s.addrs[a.IP] = a
	}
	return nil
}

func (t *memTx) RemoveAddresses(ctx context.Context, subnetID int64, ips []netip.Addr) error {
	for _, ip := range ips {
		a, ok := t.s.addrs[ip]
		if !ok || a.SubnetID != subnetID {
			continue
		}
		delete(t.s.addrs, ip)
	}
	return nil
}

func (t *memTx) AddressByIP(ctx context.Context, ip netip.Addr) (domain.Address, error) {
	a, ok := t.s.addrs[ip.Unmap()]
	if !ok {
		return domain.Address{}, domain.ErrAddressNotFound
	}
	return a, nil
}

func (t *memTx) AddressesBySubnet(ctx context.Context, subnetID int64) ([]domain.Address, error) {
	var out []domain.Address
	for _, a := range t.s.addrs {
		if a.SubnetID == subnetID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return ipaddr.Compare(out[i].IP, out[j].IP) < 0 })
	return out, nil
}

func (t *memTx) LowestAvailable(ctx context.Context, subnetID int64, n int) ([]domain.Address, error) {
	var avail []domain.Address
	for _, a := range t.s.addrs {
		if a.SubnetID == subnetID && a.Status == domain.StatusAvailable {
			avail = append(avail, a)
		}
	}
	sort.Slice(avail, func(i, j int) bool { return ipaddr.Compare(avail[i].IP, avail[j].IP) < 0 })
	if len(avail) > n {
		avail = avail[:n]
	}
	return avail, nil
}

func (t *memTx) UpdateAddress(ctx context.Context, a *domain.Address) error {
	old, ok := t.s.addrs[a.IP]
	if !ok {
		return domain.ErrAddressNotFound
	}
	a.ID = old.ID
	a.CreatedAt = old.CreatedAt
	a.UpdatedAt = t.s.clock.Now()
	t.s.addrs[a.IP] = *a
	return nil
}

func (t *memTx) CountAssigned(ctx context.Context, subnetID int64) (int64, error) {
	var n int64
	for _, a := range t.s.addrs {
		if a.SubnetID == subnetID && (a.Status == domain.StatusAllocated || a.Status == domain.StatusReserved) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) AssignedOutside(ctx context.Context, subnetID int64, cidr netip.Prefix) (int64, error) {
	var n int64
	for _, a := range t.s.addrs {
		if a.SubnetID != subnetID {
			continue
		}
		if a.Status != domain.StatusAllocated && a.Status != domain.StatusReserved {
			continue
		}
		if !ipaddr.IsUsableHost(cidr, a.IP) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) StatusCounts(ctx context.Context, subnetID int64) (domain.Stats, error) {
	var st domain.Stats
	for _, a := range t.s.addrs {
		if subnetID != 0 && a.SubnetID != subnetID {
			continue
		}
		st.Total++
		switch a.Status {
		case domain.StatusAllocated:
			st.Allocated++
		case domain.StatusReserved:
			st.Reserved++
		case domain.StatusAvailable:
			st.Available++
		case domain.StatusConflict:
			st.Conflict++
		}
	}
	if st.Total > 0 {
		st.UtilizationPct = float64(st.Allocated+st.Reserved) / float64(st.Total) * 100
	}
	return st, nil
}

// DuplicateAddresses never finds anything here: the address map is
// keyed by literal, so duplicates cannot be inserted.
func (t *memTx) DuplicateAddresses(ctx context.Context) ([]domain.ConflictGroup, error) {
	return nil, nil
}

func (t *memTx) MACCollisions(ctx context.Context, subnetID *int64) ([]domain.ConflictGroup, error) {
	byMAC := make(map[string][]domain.Address)
	for _, a := range t.s.addrs {
		if a.Status != domain.StatusAllocated || a.Device.MAC == "" {
			continue
		}
		if subnetID != nil && a.SubnetID != *subnetID {
			continue
		}
		byMAC[a.Device.MAC] = append(byMAC[a.Device.MAC], a)
	}
	var out []domain.ConflictGroup
	for mac, rows := range byMAC {
		if len(rows) < 2 {
			continue
		}
		sort.Slice(rows, func(i, j int) bool { return ipaddr.Compare(rows[i].IP, rows[j].IP) < 0 })
		out = append(out, domain.ConflictGroup{Reason: "duplicate mac", MAC: mac, Addresses: rows})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out, nil
}

func (t *memTx) SearchAddresses(ctx context.Context, f domain.AddressFilter, s domain.Sort, p domain.Page) (domain.PagedAddresses, error) {
	var matched []domain.Address
	for _, a := range t.s.addrs {
		sub := t.s.subnets[a.SubnetID]
		if query.Match(a, sub, f) {
			matched = append(matched, a)
		}
	}
	query.SortAddresses(matched, s)

	total := int64(len(matched))
	if p.Skip >= len(matched) {
		return domain.PagedAddresses{Total: total}, nil
	}
	matched = matched[p.Skip:]
	if len(matched) > p.Limit {
		matched = matched[:p.Limit]
	}
	return domain.PagedAddresses{Items: matched, Total: total}, nil
}

func (t *memTx) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	t.s.nextResID++
	r.ID = t.s.nextResID
	now := t.s.clock.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	t.s.reservations[r.ID] = *r
	return nil
}

func (t *memTx) ReservationByID(ctx context.Context, id int64) (domain.Reservation, error) {
	r, ok := t.s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return r, nil
}

func (t *memTx) UpdateReservation(ctx context.Context, r *domain.Reservation) error {
	if _, ok := t.s.reservations[r.ID]; !ok {
		return domain.ErrReservationNotFound
	}
	r.UpdatedAt = t.s.clock.Now()
	t.s.reservations[r.ID] = *r
	return nil
}

func (t *memTx) DeleteReservation(ctx context.Context, id int64) error {
	if _, ok := t.s.reservations[id]; !ok {
		return domain.ErrReservationNotFound
	}
	delete(t.s.reservations, id)
	return nil
}

func (t *memTx) Reservations(ctx context.Context, f domain.ReservationFilter) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, r := range t.s.reservations {
		if f.SubnetID != nil && r.SubnetID != *f.SubnetID {
			continue
		}
		if f.IP != nil && ipaddr.Compare(r.IP, *f.IP) != 0 {
			continue
		}
		if f.Active != nil && r.Active != *f.Active {
			continue
		}
		if f.Priority != nil && r.Priority != *f.Priority {
			continue
		}
		if f.Actor != "" && r.Actor != f.Actor {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ActiveReservationForIP(ctx context.Context, ip netip.Addr) (domain.Reservation, error) {
	for _, r := range t.s.reservations {
		if r.Active && ipaddr.Compare(r.IP, ip) == 0 {
			return r, nil
		}
	}
	return domain.Reservation{}, domain.ErrReservationNotFound
}

func (t *memTx) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, r := range t.s.reservations {
		if r.Active && r.Expired(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) DeactivateReservationsForIP(ctx context.Context, ip netip.Addr) (int64, error) {
	var n int64
	for id, r := range t.s.reservations {
		if r.Active && ipaddr.Compare(r.IP, ip) == 0 {
			r.Active = false
			r.UpdatedAt = t.s.clock.Now()
			t.s.reservations[id] = r
			n++
		}
	}
	return n, nil
}

func (t *memTx) AppendAudit(ctx context.Context, ev domain.AuditEvent) error {
	t.s.audit = append(t.s.audit, ev)
	return nil
}
