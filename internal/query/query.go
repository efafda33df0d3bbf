// Package query implements the search side of the core: it validates
// and normalizes filter, sort and page inputs, and guarantees the
// paging contract (a total order with the numeric address as the
// always-present tiebreaker, so pages never duplicate a row while the
// data is static).
package query

import (
	"context"
	"fmt"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/ipaddr"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

type Engine struct {
	store domain.Store
}

func NewEngine(store domain.Store) *Engine {
	return &Engine{store: store}
}

// Search runs one fully-specified filter+sort+page request. The filter
// must be re-sent on every page; the engine never remembers state
// between calls.
func (e *Engine) Search(ctx context.Context, f domain.AddressFilter, s domain.Sort, p domain.Page) (domain.PagedAddresses, error) {
	if err := ValidateFilter(f); err != nil {
		return domain.PagedAddresses{}, err
	}
	s = NormalizeSort(s)
	p = ClampPage(p)

	var out domain.PagedAddresses
	err := e.store.View(ctx, func(tx domain.Tx) error {
		var err error
		out, err = tx.SearchAddresses(ctx, f, s, p)
		return err
	})
	if err != nil {
		return domain.PagedAddresses{}, err
	}
	return out, nil
}

// ValidateFilter rejects filters that cannot be evaluated.
func ValidateFilter(f domain.AddressFilter) error {
	if f.IPRange != nil {
		lo, hi := f.IPRange.Lo, f.IPRange.Hi
		if !lo.IsValid() || !hi.IsValid() {
			return fmt.Errorf("%w: range endpoints must be valid addresses", domain.ErrInvalidRange)
		}
		if ipaddr.Compare(lo, hi) > 0 {
			return fmt.Errorf("%w: lo %s above hi %s", domain.ErrInvalidRange, lo, hi)
		}
	}
	for _, st := range f.Statuses {
		switch st {
		case domain.StatusAvailable, domain.StatusAllocated, domain.StatusReserved, domain.StatusConflict:
		default:
			return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRange, st)
		}
	}
	if f.AllocatedAfter != nil && f.AllocatedBefore != nil && f.AllocatedBefore.Before(*f.AllocatedAfter) {
		return fmt.Errorf("%w: allocated_between bounds inverted", domain.ErrInvalidRange)
	}
	return nil
}

// NormalizeSort fills the default sort (address ascending) and rejects
// nothing: unknown fields fall back to address order.
func NormalizeSort(s domain.Sort) domain.Sort {
	switch s.Field {
	case domain.SortByAddress, domain.SortByAllocatedAt, domain.SortByCreatedAt,
		domain.SortByHostname, domain.SortByStatus:
	default:
		s.Field = domain.SortByAddress
	}
	return s
}

// ClampPage bounds skip and limit so a query can never touch an
// unbounded number of rows.
func ClampPage(p domain.Page) domain.Page {
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}
