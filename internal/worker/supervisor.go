// Package worker runs the periodic background tasks: the conflict
// sweep and the reservation expiry cleanup. Both run on independent
// tickers under one errgroup and stop cooperatively when the parent
// context is cancelled.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
	"golang.org/x/sync/errgroup"
)

// systemActor is recorded on audit events produced by background
// sweeps.
const systemActor = "system"

type ConflictScanner interface {
	Detect(ctx context.Context, subnetID *int64, actor string) ([]domain.ConflictGroup, error)
}

type ReservationSweeper interface {
	CleanupExpired(ctx context.Context) (int, error)
}

type Config struct {
	ConflictScanInterval       time.Duration
	ReservationCleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConflictScanInterval <= 0 {
		c.ConflictScanInterval = 5 * time.Minute
	}
	if c.ReservationCleanupInterval <= 0 {
		c.ReservationCleanupInterval = 5 * time.Minute
	}
	return c
}

type Supervisor struct {
	cfg     Config
	scanner ConflictScanner
	sweeper ReservationSweeper
	logger  *slog.Logger
}

func NewSupervisor(cfg Config, scanner ConflictScanner, sweeper ReservationSweeper, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg.withDefaults(), scanner: scanner, sweeper: sweeper, logger: logger}
}

// Run blocks until ctx is cancelled. Task errors are logged, not
// fatal; a failed sweep retries on the next tick.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.loop(ctx, "conflict_scan", s.cfg.ConflictScanInterval, s.scanConflicts)
	})
	g.Go(func() error {
		return s.loop(ctx, "reservation_cleanup", s.cfg.ReservationCleanupInterval, s.cleanupReservations)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) loop(ctx context.Context, name string, interval time.Duration, task func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := task(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.ErrorContext(ctx, "background task failed", "task", name, "error", err)
			}
		}
	}
}

func (s *Supervisor) scanConflicts(ctx context.Context) error {
	groups, err := s.scanner.Detect(ctx, nil, systemActor)
	if err != nil {
		return err
	}
	if len(groups) > 0 {
		s.logger.InfoContext(ctx, "conflict scan finished", "groups", len(groups))
	}
	return nil
}

func (s *Supervisor) cleanupReservations(ctx context.Context) error {
	n, err := s.sweeper.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired reservations cleaned up", "count", n)
	}
	return nil
}
