// Package scheduler drives the periodic maintenance jobs: daily margin
// reconciliation, monthly rollups, billing-cycle resets, throttle cleanup,
// and burn-rate sample pruning. A redis lock keeps multi-replica deployments
// from running the batch twice.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	admissiondomain "github.com/smallbiznis/ptmeter/internal/admission/domain"
	"github.com/smallbiznis/ptmeter/internal/clock"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
	"github.com/smallbiznis/ptmeter/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/ptmeter/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockKey = "ptmeter:scheduler:run"

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB                *gorm.DB
	Log               *zap.Logger
	Clock             clock.Clock
	AccountSvc        accountdomain.Service
	AdmissionSvc      admissiondomain.Service
	ReconciliationSvc reconciliationdomain.Service
	Locker            *ratelimit.Locker `optional:"true"`
	Config            Config            `optional:"true"`
}

type Scheduler struct {
	db                *gorm.DB
	log               *zap.Logger
	cfg               Config
	clock             clock.Clock
	accountSvc        accountdomain.Service
	admissionSvc      admissiondomain.Service
	reconciliationSvc reconciliationdomain.Service
	locker            *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil ||
		p.AccountSvc == nil || p.AdmissionSvc == nil || p.ReconciliationSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:                p.DB,
		log:               p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:               p.Config.withDefaults(),
		clock:             p.Clock,
		accountSvc:        p.AccountSvc,
		admissionSvc:      p.AdmissionSvc,
		reconciliationSvc: p.ReconciliationSvc,
		locker:            p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	err := fn(ctx)
	log.Debug("job finished", zap.Duration("elapsed", s.clock.Now().Sub(start)))
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout: log and let the next tick pick up the
	// remainder instead of failing the whole run.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(parent, lockKey, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("scheduler lock unavailable, skipping run", zap.Error(err))
			return nil
		}
		if !ok {
			s.log.Debug("another replica holds the scheduler lock")
			return nil
		}
		defer func() {
			if err := s.locker.Release(parent, lockKey, token); err != nil {
				s.log.Warn("failed to release scheduler lock", zap.Error(err))
			}
		}()
	}

	var err error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"reconcile_day", func(ctx context.Context) error {
			return s.runJob(ctx, "reconcile_day", 2*time.Minute, s.ReconcileDayJob)
		}},
		{"rollup_month", func(ctx context.Context) error {
			return s.runJob(ctx, "rollup_month", 5*time.Minute, s.RollupMonthJob)
		}},
		{"cycle_reset", func(ctx context.Context) error {
			return s.runJob(ctx, "cycle_reset", 2*time.Minute, s.CycleResetJob)
		}},
		{"clear_throttles", func(ctx context.Context) error {
			return s.runJob(ctx, "clear_throttles", 30*time.Second, s.ClearThrottlesJob)
		}},
		{"prune_samples", func(ctx context.Context) error {
			return s.runJob(ctx, "prune_samples", 30*time.Second, s.PruneSamplesJob)
		}},
	}
	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ReconcileDayJob settles yesterday's margin. Forward-dated retries are
// harmless: the day upserts idempotently.
func (s *Scheduler) ReconcileDayJob(ctx context.Context) error {
	yesterday := s.clock.Now().Add(-24 * time.Hour)
	_, err := s.reconciliationSvc.ReconcileDay(ctx, yesterday)
	return err
}

// RollupMonthJob refreshes the current month's summary for every user with
// consumption this month.
func (s *Scheduler) RollupMonthJob(ctx context.Context) error {
	now := s.clock.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var userIDs []string
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT user_id
		 FROM ledger_entries
		 WHERE transaction_type = ? AND created_at >= ?
		 LIMIT ?`,
		ledgerdomain.TransactionConsumption, monthStart, s.cfg.BatchSize,
	).Scan(&userIDs).Error
	if err != nil {
		return err
	}

	var jobErr error
	for _, userID := range userIDs {
		if _, err := s.reconciliationSvc.RollupMonth(ctx, userID, now.Year(), now.Month()); err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("rollup %s: %w", userID, err))
		}
	}
	return jobErr
}

// CycleResetJob rolls accounts whose billing cycle has lapsed onto a fresh
// grant.
func (s *Scheduler) CycleResetJob(ctx context.Context) error {
	now := s.clock.Now()

	var userIDs []string
	err := s.db.WithContext(ctx).Raw(
		`SELECT user_id
		 FROM accounts
		 WHERE billing_cycle_end <= ?
		 ORDER BY billing_cycle_end ASC
		 LIMIT ?`,
		now, s.cfg.BatchSize,
	).Scan(&userIDs).Error
	if err != nil {
		return err
	}

	var jobErr error
	for _, userID := range userIDs {
		if _, err := s.accountSvc.ResetCycle(ctx, userID); err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("cycle reset %s: %w", userID, err))
		}
	}
	return jobErr
}

func (s *Scheduler) ClearThrottlesJob(ctx context.Context) error {
	cleared, err := s.admissionSvc.ClearExpiredThrottles(ctx)
	if err != nil {
		return err
	}
	if cleared > 0 {
		s.log.Info("expired throttles cleared", zap.Int64("count", cleared))
	}
	return nil
}

func (s *Scheduler) PruneSamplesJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.SampleRetention)
	pruned, err := s.admissionSvc.PruneSamples(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.Info("burn-rate samples pruned", zap.Int64("count", pruned))
	}
	return nil
}
