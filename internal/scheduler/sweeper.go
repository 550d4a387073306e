package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"paylifecycle/internal/app/reconcile"
	"paylifecycle/internal/domain"
)

type CandidateSource interface {
	SweepCandidates(ctx context.Context, minAge time.Duration, limit int) ([]domain.Payment, error)
}

type BulkPoller interface {
	BulkPoll(ctx context.Context, ids []string, untilTerminal bool) (*reconcile.BulkPollResult, error)
}

type Config struct {
	Interval    time.Duration
	MinAge      time.Duration
	MaxPayments int
}

type SweepSummary struct {
	Candidates int
	Polled     int
	Updated    int
	Errors     int
}

// Sweeper periodically reconciles payments whose webhook never arrived.
type Sweeper struct {
	candidates CandidateSource
	poller     BulkPoller
	cfg        Config
	logger     *zap.Logger
	scheduler  gocron.Scheduler
}

func NewSweeper(candidates CandidateSource, poller BulkPoller, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.MaxPayments < 1 {
		cfg.MaxPayments = 100
	}
	return &Sweeper{
		candidates: candidates,
		poller:     poller,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "ReconcileSweeper")),
	}
}

// Sweep polls every candidate once, in chunks of reconcile.MaxBulkPoll.
// A failed chunk is logged and the sweep moves on.
func (s *Sweeper) Sweep(ctx context.Context) (SweepSummary, error) {
	var summary SweepSummary

	payments, err := s.candidates.SweepCandidates(ctx, s.cfg.MinAge, s.cfg.MaxPayments)
	if err != nil {
		return summary, fmt.Errorf("failed to list sweep candidates: %w", err)
	}
	summary.Candidates = len(payments)
	if len(payments) == 0 {
		s.logger.Debug("No payments need reconciliation")
		return summary, nil
	}

	ids := make([]string, len(payments))
	for i, p := range payments {
		ids[i] = p.ID
	}

	for start := 0; start < len(ids); start += reconcile.MaxBulkPoll {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		end := min(start+reconcile.MaxBulkPoll, len(ids))
		res, err := s.poller.BulkPoll(ctx, ids[start:end], false)
		if err != nil {
			s.logger.Error("Bulk poll chunk failed", zap.Int("chunk_start", start), zap.Error(err))
			summary.Errors += end - start
			continue
		}
		summary.Polled += res.SuccessfulPolls
		summary.Updated += res.PaymentsUpdated
		summary.Errors += res.Errors
	}

	s.logger.Info("Reconciliation sweep finished",
		zap.Int("candidates", summary.Candidates),
		zap.Int("polled", summary.Polled),
		zap.Int("updated", summary.Updated),
		zap.Int("errors", summary.Errors))
	return summary, nil
}

// Start schedules Sweep every cfg.Interval. Runs never overlap: a run that
// is still busy when the next one is due pushes it back.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Reconciliation sweep failed", zap.Error(err))
			}
		}),
		gocron.WithName("reconcile-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule sweep job: %w", err)
	}
	s.scheduler = sched
	sched.Start()
	s.logger.Info("Reconciliation sweep scheduled",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("min_age", s.cfg.MinAge))
	return nil
}

func (s *Sweeper) Shutdown() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}
