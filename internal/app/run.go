// Package app wires the core services together: the Postgres store,
// the lifecycle engine with its commit hook into the stats cache, the
// subnet registry, the reservation manager, the conflict detector, the
// query engine, and the background worker supervisor.
package app

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/hexa-net/ipamd/internal/conflict"
	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/engine"
	"github.com/hexa-net/ipamd/internal/postgres"
	"github.com/hexa-net/ipamd/internal/query"
	"github.com/hexa-net/ipamd/internal/registry"
	"github.com/hexa-net/ipamd/internal/reservation"
	"github.com/hexa-net/ipamd/internal/stats"
	"github.com/hexa-net/ipamd/internal/worker"
)

// Services holds the wired core. Embedders (an HTTP or gRPC surface)
// call into these; Run drives the background workers on top.
type Services struct {
	Registry     *registry.Registry
	Engine       engine.Service
	Reservations *reservation.Manager
	Conflicts    *conflict.Detector
	Query        *query.Engine
	Stats        *stats.Aggregator
}

func NewLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// Build wires the services against the given store.
func Build(cfg Config, store domain.Store, logger *slog.Logger) *Services {
	clock := domain.SystemClock{}

	agg := stats.NewAggregator(store, clock, cfg.StatsCacheTTL())

	eng := engine.New(store, clock, engine.Config{
		BulkMax:        cfg.BulkAllocateMax,
		PerSubnetLimit: cfg.PerSubnetConcurrency,
	})
	eng.OnCommit(agg.Invalidate)
	svc := engine.NewLoggingService(logger, eng)

	return &Services{
		Registry:     registry.New(store, clock, agg, cfg.MaxSubnetHosts),
		Engine:       svc,
		Reservations: reservation.NewManager(store, clock, svc),
		Conflicts:    conflict.NewDetector(store, svc),
		Query:        query.NewEngine(store),
		Stats:        agg,
	}
}

// Run connects to Postgres, applies migrations, wires the services,
// and runs the background workers until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	logger := NewLogger(cfg)

	pool, err := postgres.NewPool(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}

	store := postgres.NewStore(pool, cfg.LockTimeout())
	svcs := Build(cfg, store, logger)

	sup := worker.NewSupervisor(worker.Config{
		ConflictScanInterval:       cfg.ConflictScanInterval(),
		ReservationCleanupInterval: cfg.ReservationCleanup(),
	}, svcs.Conflicts, svcs.Reservations, logger)

	logger.InfoContext(ctx, "ipamd started",
		"conflict_scan_interval", cfg.ConflictScanInterval(),
		"reservation_cleanup_interval", cfg.ReservationCleanup())

	err = sup.Run(ctx)
	logger.InfoContext(ctx, "ipamd stopped")
	return err
}
