// Package reservation manages time-bounded holds on addresses. Status
// flips go through the lifecycle engine; this package adds the window
// bookkeeping, listing, extension, and expiry cleanup on top.
package reservation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hexa-net/ipamd/internal/audit"
	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/engine"
)

// cleanupBatch bounds one sweep iteration so the background task can
// yield between batches.
const cleanupBatch = 100

type Manager struct {
	store  domain.Store
	clock  domain.Clock
	engine engine.Service
}

func NewManager(store domain.Store, clock domain.Clock, eng engine.Service) *Manager {
	return &Manager{store: store, clock: clock, engine: eng}
}

// Create reserves the address and records the hold in one engine
// transaction. Concurrent proposals for the same address race on the
// per-address lock; the loser sees RESERVED and fails.
func (m *Manager) Create(ctx context.Context, req domain.ReserveRequest) (domain.Reservation, error) {
	_, r, err := m.engine.Reserve(ctx, req)
	return r, err
}

func (m *Manager) Get(ctx context.Context, id int64) (domain.Reservation, error) {
	var r domain.Reservation
	err := m.store.View(ctx, func(tx domain.Tx) error {
		var err error
		r, err = tx.ReservationByID(ctx, id)
		return err
	})
	return r, err
}

func (m *Manager) List(ctx context.Context, f domain.ReservationFilter) ([]domain.Reservation, error) {
	var out []domain.Reservation
	err := m.store.View(ctx, func(tx domain.Tx) error {
		var err error
		out, err = tx.Reservations(ctx, f)
		return err
	})
	return out, err
}

func (m *Manager) Activate(ctx context.Context, id int64, actor string) (domain.Reservation, error) {
	return m.engine.ActivateReservation(ctx, id, actor)
}

func (m *Manager) Deactivate(ctx context.Context, id int64, actor string) (domain.Reservation, error) {
	return m.engine.DeactivateReservation(ctx, id, actor)
}

// Extend pushes the end date out. The new end must be strictly later
// than both the current end and now; permanent reservations have
// nothing to extend.
func (m *Manager) Extend(ctx context.Context, id int64, newEnd time.Time, actor string) (domain.Reservation, error) {
	var out domain.Reservation
	err := m.store.Update(ctx, func(tx domain.Tx) error {
		r, err := tx.ReservationByID(ctx, id)
		if err != nil {
			return err
		}
		if r.End.IsZero() {
			return fmt.Errorf("%w: reservation %d is permanent", domain.ErrInvalidRange, id)
		}
		now := m.clock.Now()
		if !newEnd.After(r.End) || !newEnd.After(now) {
			return fmt.Errorf("%w: new end must be after current end and after now", domain.ErrInvalidRange)
		}
		before := audit.ReservationFields(r)
		r.End = newEnd
		if err := tx.UpdateReservation(ctx, &r); err != nil {
			return err
		}
		ev := audit.NewEvent(now, actor, "reservation.extend", audit.KindReservation,
			strconv.FormatInt(id, 10), before, audit.ReservationFields(r))
		if err := tx.AppendAudit(ctx, ev); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return out, nil
}

// Delete removes the reservation record. An active reservation is
// stood down first so its address returns to AVAILABLE.
func (m *Manager) Delete(ctx context.Context, id int64, actor string) error {
	r, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Active {
		if _, err := m.engine.DeactivateReservation(ctx, id, actor); err != nil {
			return err
		}
	}
	return m.store.Update(ctx, func(tx domain.Tx) error {
		if err := tx.DeleteReservation(ctx, id); err != nil {
			return err
		}
		ev := audit.NewEvent(m.clock.Now(), actor, "reservation.delete", audit.KindReservation,
			strconv.FormatInt(id, 10), audit.ReservationFields(r), nil)
		return tx.AppendAudit(ctx, ev)
	})
}

// CleanupExpired deactivates reservations whose window has passed,
// in batches, checking ctx between batches. Returns how many were
// stood down.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var batch []domain.Reservation
		err := m.store.View(ctx, func(tx domain.Tx) error {
			var err error
			batch, err = tx.ExpiredReservations(ctx, m.clock.Now(), cleanupBatch)
			return err
		})
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		for _, r := range batch {
			if _, err := m.engine.DeactivateReservation(ctx, r.ID, "system"); err != nil {
				return total, err
			}
			total++
		}
		if len(batch) < cleanupBatch {
			return total, nil
		}
	}
}
