// Package engine is the address lifecycle state machine. Every status
// transition in the system goes through it: it takes the named lock,
// re-reads authoritative state inside the transaction, validates the
// transition, writes, and appends the audit event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/hexa-net/ipamd/internal/audit"
	"github.com/hexa-net/ipamd/internal/domain"
	"golang.org/x/sync/semaphore"
)

// Service is the lifecycle surface consumed by collaborators.
type Service interface {
	Allocate(ctx context.Context, req domain.AllocateRequest) (domain.Address, error)
	BulkAllocate(ctx context.Context, req domain.BulkAllocateRequest) ([]domain.Address, error)
	Reserve(ctx context.Context, req domain.ReserveRequest) (domain.Address, domain.Reservation, error)
	Release(ctx context.Context, req domain.ReleaseRequest) (domain.Address, error)
	ActivateReservation(ctx context.Context, id int64, actor string) (domain.Reservation, error)
	DeactivateReservation(ctx context.Context, id int64, actor string) (domain.Reservation, error)
	MarkConflict(ctx context.Context, group domain.ConflictGroup, actor string) error
	ResolveConflict(ctx context.Context, winner netip.Addr, others []netip.Addr, actor string) (domain.Address, error)
}

type Config struct {
	// BulkMax bounds one BulkAllocate request.
	BulkMax int
	// PerSubnetLimit caps in-flight mutating operations per subnet.
	PerSubnetLimit int64
}

func (c Config) withDefaults() Config {
	if c.BulkMax <= 0 {
		c.BulkMax = 100
	}
	if c.PerSubnetLimit <= 0 {
		c.PerSubnetLimit = 64
	}
	return c
}

type Engine struct {
	store domain.Store
	clock domain.Clock
	cfg   Config
	idem  *idemCache

	// onCommit is invoked with the affected subnet id after every
	// committed transition; the stats aggregator hangs its cache
	// invalidation here.
	onCommit func(subnetID int64)

	mu   sync.Mutex
	sems map[int64]*semaphore.Weighted
}

func New(store domain.Store, clock domain.Clock, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store: store,
		clock: clock,
		cfg:   cfg,
		idem:  newIdemCache(clock),
		sems:  make(map[int64]*semaphore.Weighted),
	}
}

// OnCommit registers the post-commit hook. Must be called before the
// engine serves requests.
func (e *Engine) OnCommit(fn func(subnetID int64)) { e.onCommit = fn }

func (e *Engine) notify(subnetID int64) {
	if e.onCommit != nil {
		e.onCommit(subnetID)
	}
}

// acquire applies per-subnet backpressure. Callers must release.
func (e *Engine) acquire(subnetID int64) (release func(), err error) {
	e.mu.Lock()
	sem, ok := e.sems[subnetID]
	if !ok {
		sem = semaphore.NewWeighted(e.cfg.PerSubnetLimit)
		e.sems[subnetID] = sem
	}
	e.mu.Unlock()

	if !sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: subnet %d", domain.ErrServiceBusy, subnetID)
	}
	return func() { sem.Release(1) }, nil
}

func lockKeySubnet(id int64) string  { return "alloc:subnet:" + strconv.FormatInt(id, 10) }
func lockKeyIP(ip netip.Addr) string { return "alloc:ip:" + ip.String() }

// subnetOf resolves the owning subnet of an explicit address before the
// transaction opens, for backpressure accounting only; all validation
// re-reads under the lock.
func (e *Engine) subnetOf(ctx context.Context, ip netip.Addr) (int64, error) {
	var id int64
	err := e.store.View(ctx, func(tx domain.Tx) error {
		a, err := tx.AddressByIP(ctx, ip)
		if err != nil {
			return err
		}
		id = a.SubnetID
		return nil
	})
	return id, err
}

func (e *Engine) Allocate(ctx context.Context, req domain.AllocateRequest) (domain.Address, error) {
	if done, res, err := e.idem.lookup(req.RequestID); done {
		return res.addr, err
	}
	addr, err := e.allocate(ctx, req)
	e.idem.record(req.RequestID, idemResult{addr: addr}, err)
	return addr, err
}

func (e *Engine) allocate(ctx context.Context, req domain.AllocateRequest) (domain.Address, error) {
	subnetID := req.SubnetID
	if req.Explicit() {
		var err error
		subnetID, err = e.subnetOf(ctx, req.IP)
		if err != nil {
			return domain.Address{}, err
		}
	}
	release, err := e.acquire(subnetID)
	if err != nil {
		return domain.Address{}, err
	}
	defer release()

	var out domain.Address
	err = e.store.Update(ctx, func(tx domain.Tx) error {
		var a domain.Address
		if req.Explicit() {
			if err := tx.Lock(ctx, lockKeyIP(req.IP)); err != nil {
				return err
			}
			var err error
			a, err = tx.AddressByIP(ctx, req.IP)
			if err != nil {
				return err
			}
			switch a.Status {
			case domain.StatusAvailable:
			case domain.StatusReserved:
				// Only the reservation holder may claim a reserved
				// address. A RESERVED row without an active reservation
				// is claimable by anyone.
				res, err := tx.ActiveReservationForIP(ctx, a.IP)
				if err != nil && !errors.Is(err, domain.ErrReservationNotFound) {
					return err
				}
				if err == nil && res.Actor != req.Actor {
					return fmt.Errorf("%w: held by %s", domain.ErrAlreadyReserved, res.Actor)
				}
				if _, err := tx.DeactivateReservationsForIP(ctx, a.IP); err != nil {
					return err
				}
			case domain.StatusAllocated:
				return fmt.Errorf("%w: %s", domain.ErrAlreadyAllocated, a.IP)
			default:
				return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, a.IP, a.Status)
			}
		} else {
			if err := tx.Lock(ctx, lockKeySubnet(subnetID)); err != nil {
				return err
			}
			if _, err := tx.SubnetByID(ctx, subnetID); err != nil {
				return err
			}
			picked, err := tx.LowestAvailable(ctx, subnetID, 1)
			if err != nil {
				return err
			}
			if len(picked) == 0 {
				return fmt.Errorf("%w: subnet %d", domain.ErrNoCapacity, subnetID)
			}
			a = picked[0]
		}

		before := audit.AddressFields(a)
		a.Status = domain.StatusAllocated
		a.Device = req.Device
		a.AllocatedAt = e.clock.Now()
		a.AllocatedBy = req.Actor
		if err := tx.UpdateAddress(ctx, &a); err != nil {
			return err
		}
		ev := audit.NewEvent(e.clock.Now(), req.Actor, "address.allocate", audit.KindAddress,
			a.IP.String(), before, audit.AddressFields(a))
		if err := tx.AppendAudit(ctx, ev); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Address{}, err
	}
	e.notify(out.SubnetID)
	return out, nil
}

func (e *Engine) BulkAllocate(ctx context.Context, req domain.BulkAllocateRequest) ([]domain.Address, error) {
	if done, res, err := e.idem.lookup(req.RequestID); done {
		return res.addrs, err
	}
	addrs, err := e.bulkAllocate(ctx, req)
	e.idem.record(req.RequestID, idemResult{addrs: addrs}, err)
	return addrs, err
}

func (e *Engine) bulkAllocate(ctx context.Context, req domain.BulkAllocateRequest) ([]domain.Address, error) {
	if req.Count <= 0 || req.Count > e.cfg.BulkMax {
		return nil, fmt.Errorf("%w: count must be 1..%d", domain.ErrInvalidRange, e.cfg.BulkMax)
	}
	release, err := e.acquire(req.SubnetID)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []domain.Address
	err = e.store.Update(ctx, func(tx domain.Tx) error {
		out = out[:0]
		if err := tx.Lock(ctx, lockKeySubnet(req.SubnetID)); err != nil {
			return err
		}
		if _, err := tx.SubnetByID(ctx, req.SubnetID); err != nil {
			return err
		}
		picked, err := tx.LowestAvailable(ctx, req.SubnetID, req.Count)
		if err != nil {
			return err
		}
		if len(picked) < req.Count {
			return fmt.Errorf("%w: wanted %d, only %d available", domain.ErrNoCapacity, req.Count, len(picked))
		}
		now := e.clock.Now()
		for _, a := range picked {
			a.Status = domain.StatusAllocated
			a.Device = req.Template
			a.AllocatedAt = now
			a.AllocatedBy = req.Actor
			if err := tx.UpdateAddress(ctx, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		ev := audit.NewEvent(now, req.Actor, "address.bulk_allocate", audit.KindAddress,
			strconv.FormatInt(req.SubnetID, 10), nil, map[string]any{
				"count": len(out),
				"first": out[0].IP.String(),
				"last":  out[len(out)-1].IP.String(),
			})
		return tx.AppendAudit(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	e.notify(req.SubnetID)
	return out, nil
}

func (e *Engine) Reserve(ctx context.Context, req domain.ReserveRequest) (domain.Address, domain.Reservation, error) {
	if done, res, err := e.idem.lookup(req.RequestID); done {
		return res.addr, res.res, err
	}
	addr, r, err := e.reserve(ctx, req)
	e.idem.record(req.RequestID, idemResult{addr: addr, res: r}, err)
	return addr, r, err
}

func (e *Engine) reserve(ctx context.Context, req domain.ReserveRequest) (domain.Address, domain.Reservation, error) {
	now := e.clock.Now()
	start := req.Start
	if start.IsZero() {
		start = now
	}
	if !req.End.IsZero() && !req.End.After(start) {
		return domain.Address{}, domain.Reservation{}, fmt.Errorf("%w: end must be after start", domain.ErrInvalidRange)
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}

	subnetID, err := e.subnetOf(ctx, req.IP)
	if err != nil {
		return domain.Address{}, domain.Reservation{}, err
	}
	release, err := e.acquire(subnetID)
	if err != nil {
		return domain.Address{}, domain.Reservation{}, err
	}
	defer release()

	var outAddr domain.Address
	var outRes domain.Reservation
	err = e.store.Update(ctx, func(tx domain.Tx) error {
		if err := tx.Lock(ctx, lockKeyIP(req.IP)); err != nil {
			return err
		}
		a, err := tx.AddressByIP(ctx, req.IP)
		if err != nil {
			return err
		}
		switch a.Status {
		case domain.StatusAvailable:
		case domain.StatusAllocated:
			if !req.Force {
				return fmt.Errorf("%w: %s", domain.ErrAlreadyAllocated, a.IP)
			}
		case domain.StatusReserved:
			return fmt.Errorf("%w: %s", domain.ErrAlreadyReserved, a.IP)
		default:
			return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, a.IP, a.Status)
		}
		if _, err := tx.ActiveReservationForIP(ctx, a.IP); err == nil {
			return fmt.Errorf("%w: active reservation exists for %s", domain.ErrAlreadyReserved, a.IP)
		}

		before := audit.AddressFields(a)
		a.Status = domain.StatusReserved
		a.Device.AssignedTo = req.AssignedTo
		a.Device.Description = req.Reason
		a.AllocatedAt = now
		a.AllocatedBy = req.Actor
		if err := tx.UpdateAddress(ctx, &a); err != nil {
			return err
		}

		r := domain.Reservation{
			SubnetID:   a.SubnetID,
			IP:         a.IP,
			Actor:      req.Actor,
			AssignedTo: req.AssignedTo,
			Reason:     req.Reason,
			Start:      start,
			End:        req.End,
			Active:     true,
			Priority:   priority,
		}
		if err := tx.CreateReservation(ctx, &r); err != nil {
			return err
		}
		ev := audit.NewEvent(now, req.Actor, "address.reserve", audit.KindAddress,
			a.IP.String(), before, audit.AddressFields(a))
		if err := tx.AppendAudit(ctx, ev); err != nil {
			return err
		}
		outAddr, outRes = a, r
		return nil
	})
	if err != nil {
		return domain.Address{}, domain.Reservation{}, err
	}
	e.notify(outAddr.SubnetID)
	return outAddr, outRes, nil
}

func (e *Engine) Release(ctx context.Context, req domain.ReleaseRequest) (domain.Address, error) {
	if done, res, err := e.idem.lookup(req.RequestID); done {
		return res.addr, err
	}
	addr, err := e.release(ctx, req)
	e.idem.record(req.RequestID, idemResult{addr: addr}, err)
	return addr, err
}

func (e *Engine) release(ctx context.Context, req domain.ReleaseRequest) (domain.Address, error) {
	subnetID, err := e.subnetOf(ctx, req.IP)
	if err != nil {
		return domain.Address{}, err
	}
	release, err := e.acquire(subnetID)
	if err != nil {
		return domain.Address{}, err
	}
	defer release()

	var out domain.Address
	err = e.store.Update(ctx, func(tx domain.Tx) error {
		if err := tx.Lock(ctx, lockKeyIP(req.IP)); err != nil {
			return err
		}
		a, err := tx.AddressByIP(ctx, req.IP)
		if err != nil {
			return err
		}
		if a.Status != domain.StatusAllocated && a.Status != domain.StatusReserved {
			return fmt.Errorf("%w: cannot release %s address %s", domain.ErrInvalidTransition, a.Status, a.IP)
		}
		before := audit.AddressFields(a)
		clearAssignment(&a)
		if err := tx.UpdateAddress(ctx, &a); err != nil {
			return err
		}
		// Reservations stay on record for history, inactive.
		if _, err := tx.DeactivateReservationsForIP(ctx, a.IP); err != nil {
			return err
		}
		ev := audit.NewEvent(e.clock.Now(), req.Actor, "address.release", audit.KindAddress,
			a.IP.String(), before, audit.AddressFields(a))
		if err := tx.AppendAudit(ctx, ev); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Address{}, err
	}
	e.notify(out.SubnetID)
	return out, nil
}

// ActivateReservation re-arms an inactive reservation, moving its
// address back to RESERVED. The address must be AVAILABLE.
func (e *Engine) ActivateReservation(ctx context.Context, id int64, actor string) (domain.Reservation, error) {
	var out domain.Reservation
	var subnetID int64
	err := e.store.Update(ctx, func(tx domain.Tx) error {
		r, err := tx.ReservationByID(ctx, id)
		if err != nil {
			return err
		}
		if r.Active {
			out = r
			subnetID = r.SubnetID
			return nil
		}
		if err := tx.Lock(ctx, lockKeyIP(r.IP)); err != nil {
			return err
		}
		a, err := tx.AddressByIP(ctx, r.IP)
		if err != nil {
			return err
		}
		if a.Status != domain.StatusAvailable {
			return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, a.IP, a.Status)
		}
		if _, err := tx.ActiveReservationForIP(ctx, r.IP); err == nil {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyReserved, r.IP)
		}

		before := audit.AddressFields(a)
		now := e.clock.Now()
		a.Status = domain.StatusReserved
		a.Device.AssignedTo = r.AssignedTo
		a.Device.Description = r.Reason
		a.AllocatedAt = now
		a.AllocatedBy = actor
		if err := tx.UpdateAddress(ctx, &a); err != nil {
			return err
		}
		r.Active = true
		if err := tx.UpdateReservation(ctx, &r); err != nil {
			return err
		}
		ev := audit.NewEvent(now, actor, "reservation.activate", audit.KindReservation,
			strconv.FormatInt(r.ID, 10), before, audit.ReservationFields(r))
		if err := tx.AppendAudit(ctx, ev); err != nil {
			return err
		}
		out = r
		subnetID = r.SubnetID
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	e.notify(subnetID)
	return out, nil
}

// DeactivateReservation stands down an active reservation and returns
// its address to AVAILABLE. Expiry cleanup uses the same path.
func (e *Engine) DeactivateReservation(ctx context.Context, id int64, actor string) (domain.Reservation, error) {
	var out domain.Reservation
	var subnetID int64
	err := e.store.Update(ctx, func(tx domain.Tx) error {
		r, err := tx.ReservationByID(ctx, id)
		if err != nil {
			return err
		}
		if !r.Active {
			out = r
			subnetID = r.SubnetID
			return nil
		}
		if err := tx.Lock(ctx, lockKeyIP(r.IP)); err != nil {
			return err
		}
		r.Active = false
		if err := tx.UpdateReservation(ctx, &r); err != nil {
			return err
		}
		a, err := tx.AddressByIP(ctx, r.IP)
		if err != nil {
			return err
		}
		before := audit.AddressFields(a)
		// Only a RESERVED address flips back; an allocated one (the
		// holder claimed it) is left alone.
		if a.Status == domain.StatusReserved {
			clearAssignment(&a)
			if err := tx.UpdateAddress(ctx, &a); err != nil {
				return err
			}
		}
		ev := audit.NewEvent(e.clock.Now(), actor, "reservation.deactivate", audit.KindReservation,
			strconv.FormatInt(r.ID, 10), before, audit.ReservationFields(r))
		if err := tx.AppendAudit(ctx, ev); err != nil {
			return err
		}
		out = r
		subnetID = r.SubnetID
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	e.notify(subnetID)
	return out, nil
}

// MarkConflict moves every address in the group to CONFLICT, recording
// the prior status for later resolution.
func (e *Engine) MarkConflict(ctx context.Context, group domain.ConflictGroup, actor string) error {
	if len(group.Addresses) == 0 {
		return nil
	}
	keys := make([]string, len(group.Addresses))
	ips := make([]string, len(group.Addresses))
	for i, a := range group.Addresses {
		keys[i] = lockKeyIP(a.IP)
		ips[i] = a.IP.String()
	}
	var subnetIDs []int64
	err := e.store.Update(ctx, func(tx domain.Tx) error {
		subnetIDs = subnetIDs[:0]
		if err := tx.Lock(ctx, keys...); err != nil {
			return err
		}
		now := e.clock.Now()
		for _, member := range group.Addresses {
			a, err := tx.AddressByIP(ctx, member.IP)
			if err != nil {
				return err
			}
			if a.Status == domain.StatusConflict {
				continue
			}
			a.PriorStatus = a.Status
			a.Status = domain.StatusConflict
			if err := tx.UpdateAddress(ctx, &a); err != nil {
				return err
			}
			subnetIDs = append(subnetIDs, a.SubnetID)
		}
		// Duplicate-address groups carry no MAC; key the event on the
		// first member so it stays attributable either way.
		fields := map[string]any{"reason": group.Reason, "addresses": ips}
		if group.MAC != "" {
			fields["mac"] = group.MAC
		}
		ev := audit.NewEvent(now, actor, "conflict.mark", audit.KindAddress,
			ips[0], nil, fields)
		return tx.AppendAudit(ctx, ev)
	})
	if err != nil {
		return err
	}
	for _, id := range subnetIDs {
		e.notify(id)
	}
	return nil
}

// ResolveConflict restores the winner to its pre-conflict status and
// releases the other group members to AVAILABLE.
func (e *Engine) ResolveConflict(ctx context.Context, winner netip.Addr, others []netip.Addr, actor string) (domain.Address, error) {
	keys := []string{lockKeyIP(winner)}
	for _, ip := range others {
		keys = append(keys, lockKeyIP(ip))
	}
	var out domain.Address
	var subnetIDs []int64
	err := e.store.Update(ctx, func(tx domain.Tx) error {
		subnetIDs = subnetIDs[:0]
		if err := tx.Lock(ctx, keys...); err != nil {
			return err
		}
		w, err := tx.AddressByIP(ctx, winner)
		if err != nil {
			return err
		}
		if w.Status != domain.StatusConflict {
			return fmt.Errorf("%w: %s is %s, not %s", domain.ErrInvalidTransition, w.IP, w.Status, domain.StatusConflict)
		}
		before := audit.AddressFields(w)
		restored := w.PriorStatus
		if restored == "" {
			restored = domain.StatusAvailable
		}
		w.Status = restored
		w.PriorStatus = ""
		if restored == domain.StatusAvailable {
			clearAssignment(&w)
		}
		if err := tx.UpdateAddress(ctx, &w); err != nil {
			return err
		}
		subnetIDs = append(subnetIDs, w.SubnetID)

		for _, ip := range others {
			a, err := tx.AddressByIP(ctx, ip)
			if err != nil {
				return err
			}
			if a.Status != domain.StatusConflict {
				continue
			}
			clearAssignment(&a)
			a.PriorStatus = ""
			if err := tx.UpdateAddress(ctx, &a); err != nil {
				return err
			}
			if _, err := tx.DeactivateReservationsForIP(ctx, a.IP); err != nil {
				return err
			}
			subnetIDs = append(subnetIDs, a.SubnetID)
		}
		ev := audit.NewEvent(e.clock.Now(), actor, "conflict.resolve", audit.KindAddress,
			w.IP.String(), before, audit.AddressFields(w))
		if err := tx.AppendAudit(ctx, ev); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return domain.Address{}, err
	}
	for _, id := range subnetIDs {
		e.notify(id)
	}
	return out, nil
}

func clearAssignment(a *domain.Address) {
	a.Status = domain.StatusAvailable
	a.Device = domain.DeviceAttrs{}
	a.AllocatedAt = time.Time{}
	a.AllocatedBy = ""
}
