package engine

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/hexa-net/ipamd/internal/domain"
)

type loggingService struct {
	logger *slog.Logger
	next   Service
}

// NewLoggingService decorates a lifecycle service with structured
// logging. Failed mutations are reported here; the in-transaction
// audit row cannot survive the rollback that the failure causes.
func NewLoggingService(logger *slog.Logger, next Service) Service {
	if logger == nil || next == nil {
		return next
	}
	return &loggingService{logger: logger, next: next}
}

func (s *loggingService) Allocate(ctx context.Context, req domain.AllocateRequest) (domain.Address, error) {
	a, err := s.next.Allocate(ctx, req)
	if err != nil {
		s.logger.ErrorContext(ctx, "allocate failed", "actor", req.Actor, "subnet_id", req.SubnetID, "err", err.Error())
		return domain.Address{}, err
	}
	s.logger.InfoContext(ctx, "address allocated", "ip", a.IP.String(), "subnet_id", a.SubnetID, "actor", req.Actor)
	return a, nil
}

func (s *loggingService) BulkAllocate(ctx context.Context, req domain.BulkAllocateRequest) ([]domain.Address, error) {
	addrs, err := s.next.BulkAllocate(ctx, req)
	if err != nil {
		s.logger.ErrorContext(ctx, "bulk allocate failed", "actor", req.Actor, "subnet_id", req.SubnetID, "count", req.Count, "err", err.Error())
		return nil, err
	}
	s.logger.InfoContext(ctx, "bulk allocated", "subnet_id", req.SubnetID, "count", len(addrs), "actor", req.Actor)
	return addrs, nil
}

func (s *loggingService) Reserve(ctx context.Context, req domain.ReserveRequest) (domain.Address, domain.Reservation, error) {
	a, r, err := s.next.Reserve(ctx, req)
	if err != nil {
		s.logger.ErrorContext(ctx, "reserve failed", "ip", req.IP.String(), "actor", req.Actor, "err", err.Error())
		return domain.Address{}, domain.Reservation{}, err
	}
	s.logger.InfoContext(ctx, "address reserved", "ip", a.IP.String(), "reservation_id", r.ID, "actor", req.Actor)
	return a, r, nil
}

func (s *loggingService) Release(ctx context.Context, req domain.ReleaseRequest) (domain.Address, error) {
	a, err := s.next.Release(ctx, req)
	if err != nil {
		s.logger.ErrorContext(ctx, "release failed", "ip", req.IP.String(), "actor", req.Actor, "err", err.Error())
		return domain.Address{}, err
	}
	s.logger.InfoContext(ctx, "address released", "ip", a.IP.String(), "actor", req.Actor)
	return a, nil
}

func (s *loggingService) ActivateReservation(ctx context.Context, id int64, actor string) (domain.Reservation, error) {
	r, err := s.next.ActivateReservation(ctx, id, actor)
	if err != nil {
		s.logger.ErrorContext(ctx, "activate reservation failed", "reservation_id", id, "actor", actor, "err", err.Error())
		return domain.Reservation{}, err
	}
	s.logger.DebugContext(ctx, "reservation activated", "reservation_id", id, "ip", r.IP.String())
	return r, nil
}

func (s *loggingService) DeactivateReservation(ctx context.Context, id int64, actor string) (domain.Reservation, error) {
	r, err := s.next.DeactivateReservation(ctx, id, actor)
	if err != nil {
		s.logger.ErrorContext(ctx, "deactivate reservation failed", "reservation_id", id, "actor", actor, "err", err.Error())
		return domain.Reservation{}, err
	}
	s.logger.DebugContext(ctx, "reservation deactivated", "reservation_id", id, "ip", r.IP.String())
	return r, nil
}

func (s *loggingService) MarkConflict(ctx context.Context, group domain.ConflictGroup, actor string) error {
	err := s.next.MarkConflict(ctx, group, actor)
	if err != nil {
		s.logger.ErrorContext(ctx, "mark conflict failed", "reason", group.Reason, "mac", group.MAC, "err", err.Error())
		return err
	}
	s.logger.InfoContext(ctx, "conflict marked", "reason", group.Reason, "mac", group.MAC, "size", len(group.Addresses))
	return nil
}

func (s *loggingService) ResolveConflict(ctx context.Context, winner netip.Addr, others []netip.Addr, actor string) (domain.Address, error) {
	a, err := s.next.ResolveConflict(ctx, winner, others, actor)
	if err != nil {
		s.logger.ErrorContext(ctx, "resolve conflict failed", "winner", winner.String(), "actor", actor, "err", err.Error())
		return domain.Address{}, err
	}
	s.logger.InfoContext(ctx, "conflict resolved", "winner", a.IP.String(), "restored", string(a.Status), "actor", actor)
	return a, nil
}
