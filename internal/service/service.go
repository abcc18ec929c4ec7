package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"otc-reconciler/internal/engine"
	"otc-reconciler/internal/lock"
	"otc-reconciler/internal/scheduler"
	"otc-reconciler/internal/storage"
)

// ErrSweepLocked means another instance holds the sweep advisory lock.
var ErrSweepLocked = errors.New("sweep already running on another instance")

// Trigger names who started a sweep.
const (
	TriggerSchedule = "schedule"
	TriggerHTTP     = "http"
	TriggerCLI      = "cli"
)

// Reconciler is the engine surface the service drives.
type Reconciler interface {
	ReconcileOne(ctx context.Context, id string) (engine.Result, error)
	ReconcileAll(ctx context.Context) (engine.Summary, error)
	HealthCheck() engine.Health
}

// Options configure the service.
type Options struct {
	// AdvisoryLockKey serializes sweeps across instances; 0 disables it.
	AdvisoryLockKey int64
	// LockTimeout bounds the wait for a connection to take the sweep lock;
	// zero uses lock.DefaultAcquireTimeout.
	LockTimeout time.Duration
}

// Service 负责调度对账并记录每次扫描。
type Service struct {
	scheduler *scheduler.Scheduler
	engine    Reconciler
	runs      storage.RunStore
	locker    storage.AdvisoryLocker
	lockKey   int64
	lockWait  time.Duration
	logger    zerolog.Logger
}

// New constructs the reconciliation service. sched may be nil for one-shot
// use; runs may be nil when sweep history is not kept.
func New(opts Options, sched *scheduler.Scheduler, eng Reconciler, runs storage.RunStore, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := runs.(storage.AdvisoryLocker); ok {
		locker = l
	}

	if opts.LockTimeout <= 0 {
		opts.LockTimeout = lock.DefaultAcquireTimeout
	}

	return &Service{
		scheduler: sched,
		engine:    eng,
		runs:      runs,
		locker:    locker,
		lockKey:   opts.AdvisoryLockKey,
		lockWait:  opts.LockTimeout,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the periodic sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.tick)
}

func (s *Service) tick(ctx context.Context, at time.Time) error {
	_, err := s.Sweep(ctx, TriggerSchedule)
	if errors.Is(err, ErrSweepLocked) {
		s.logger.Debug().Time("at", at).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	return err
}

// Sweep 执行一次全量对账并持久化结果。
func (s *Service) Sweep(ctx context.Context, trigger string) (engine.Summary, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return engine.Summary{}, err
	}
	if !proceed {
		return engine.Summary{}, ErrSweepLocked
	}
	if unlock != nil {
		defer unlock()
	}

	sum, err := s.engine.ReconcileAll(ctx)
	if err != nil {
		return sum, fmt.Errorf("reconcile all: %w", err)
	}

	if s.runs != nil {
		run := storage.Run{
			ID:         sum.RunID,
			Trigger:    trigger,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
			Attempted:  sum.Attempted,
			Updated:    sum.Updated,
			Failed:     sum.Failed,
			Skipped:    sum.Skipped,
			Drifted:    sum.Drifted,
		}
		// sweep history is best effort; the reconciliations already happened
		if err := s.runs.InsertRun(context.WithoutCancel(ctx), run); err != nil {
			s.logger.Error().Err(err).Str("run_id", sum.RunID.String()).Msg("failed to persist sweep run")
		}
	}
	return sum, nil
}

// ReconcileQuote reconciles a single quote on demand.
func (s *Service) ReconcileQuote(ctx context.Context, id string) (engine.Result, error) {
	return s.engine.ReconcileOne(ctx, id)
}

// Health returns the engine's counters.
func (s *Service) Health() engine.Health {
	return s.engine.HealthCheck()
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := lock.TryWithin(ctx, s.lockWait, func(ctx context.Context) (func(), bool, error) {
		return s.locker.TryAdvisoryLock(ctx, s.lockKey)
	})
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
