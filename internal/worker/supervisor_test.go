package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
)

type stubScanner struct {
	calls atomic.Int64
	err   error
}

func (s *stubScanner) Detect(ctx context.Context, subnetID *int64, actor string) ([]domain.ConflictGroup, error) {
	s.calls.Add(1)
	if subnetID != nil {
		return nil, errors.New("sweep must cover the whole address space")
	}
	if actor != systemActor {
		return nil, errors.New("sweep must run as system")
	}
	return nil, s.err
}

type stubSweeper struct {
	calls atomic.Int64
	err   error
}

func (s *stubSweeper) CleanupExpired(ctx context.Context) (int, error) {
	s.calls.Add(1)
	return 0, s.err
}

func TestSupervisorRunsBothTasksAndStopsOnCancel(t *testing.T) {
	scanner := &stubScanner{}
	sweeper := &stubSweeper{}
	sup := NewSupervisor(Config{
		ConflictScanInterval:       5 * time.Millisecond,
		ReservationCleanupInterval: 5 * time.Millisecond,
	}, scanner, sweeper, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for scanner.calls.Load() < 2 || sweeper.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("tasks did not run: scans=%d sweeps=%d", scanner.calls.Load(), sweeper.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestSupervisorKeepsRunningAfterTaskError(t *testing.T) {
	scanner := &stubScanner{err: errors.New("scan failed")}
	sweeper := &stubSweeper{}
	sup := NewSupervisor(Config{
		ConflictScanInterval:       5 * time.Millisecond,
		ReservationCleanupInterval: 5 * time.Millisecond,
	}, scanner, sweeper, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for scanner.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("failing task was not retried: scans=%d", scanner.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.ConflictScanInterval != 5*time.Minute {
		t.Fatalf("unexpected conflict scan default: %v", cfg.ConflictScanInterval)
	}
	if cfg.ReservationCleanupInterval != 5*time.Minute {
		t.Fatalf("unexpected cleanup default: %v", cfg.ReservationCleanupInterval)
	}
}
