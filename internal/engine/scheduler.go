package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// Scheduler runs one decision cycle per owner on a fixed interval. Cycles
// are cooperative, not reentrant: a process-local in-flight token skips the
// tick when the owner's previous cycle is still running, and a distributed
// lock keeps two processes off the same owner.
type Scheduler struct {
	orchestrator *Orchestrator
	locks        domain.LockManager
	owners       []string
	interval     time.Duration
	lockTTL      time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewScheduler creates a scheduler over the given owners.
func NewScheduler(orchestrator *Orchestrator, locks domain.LockManager, owners []string, interval, lockTTL time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		locks:        locks,
		owners:       owners,
		interval:     interval,
		lockTTL:      lockTTL,
		logger:       logger.With(slog.String("component", "scheduler")),
		inFlight:     map[string]bool{},
	}
}

// Run ticks until the context is cancelled. An immediate first tick runs at
// startup so a restart mid-session does not wait a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.Int("owners", len(s.owners)),
		slog.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fans one cycle out per owner. Owners run concurrently; a slow owner
// never delays the others.
func (s *Scheduler) tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, owner := range s.owners {
		owner := owner
		if !s.tryAcquire(owner) {
			s.logger.Debug("previous cycle still running, skipping tick",
				slog.String("owner_id", owner),
			)
			continue
		}
		g.Go(func() error {
			defer s.release(owner)
			s.runOwner(gctx, owner)
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("tick failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) runOwner(ctx context.Context, owner string) {
	unlock, err := s.locks.Acquire(ctx, "cycle:"+owner, s.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		s.logger.Debug("owner cycle locked by another process",
			slog.String("owner_id", owner),
		)
		return
	}
	if err != nil {
		s.logger.Error("lock acquire failed",
			slog.String("owner_id", owner),
			slog.String("error", err.Error()),
		)
		return
	}
	defer unlock()

	if _, err := s.orchestrator.RunCycle(ctx, owner); err != nil {
		s.logger.Warn("cycle ended with error",
			slog.String("owner_id", owner),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) tryAcquire(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[owner] {
		return false
	}
	s.inFlight[owner] = true
	return true
}

func (s *Scheduler) release(owner string) {
	s.mu.Lock()
	delete(s.inFlight, owner)
	s.mu.Unlock()
}
