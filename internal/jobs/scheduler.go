// Package jobs runs the periodic maintenance work of the marketplace.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"agrimarket/internal/chainsync"
)

type EscrowReleaser interface {
	ReleaseDue(ctx context.Context, now time.Time) (int, error)
}

type PaymentExpirer interface {
	ExpireStale(ctx context.Context, before time.Time) (int, error)
}

type DriftChecker interface {
	Check(ctx context.Context) (chainsync.Report, error)
}

type Config struct {
	EscrowSchedule  string
	MonitorSchedule string
	// PendingTTL is how long a payment may stay pending before it expires.
	PendingTTL time.Duration
	Timeout    time.Duration
	Logger     logrus.FieldLogger
}

// Scheduler owns the cron runner. Monitor is optional.
type Scheduler struct {
	cfg      Config
	cron     *cron.Cron
	escrow   EscrowReleaser
	payments PaymentExpirer
	monitor  DriftChecker
	now      func() time.Time
}

func NewScheduler(cfg Config, escrow EscrowReleaser, payments PaymentExpirer, monitor DriftChecker) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 30 * time.Minute
	}

	cronLogger := cron.PrintfLogger(cfg.Logger)
	s := &Scheduler{
		cfg: cfg,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		escrow:   escrow,
		payments: payments,
		monitor:  monitor,
		now:      time.Now,
	}

	if cfg.EscrowSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.EscrowSchedule, s.job("escrow", s.RunEscrow)); err != nil {
			return nil, fmt.Errorf("escrow schedule %q: %w", cfg.EscrowSchedule, err)
		}
	}
	if monitor != nil && cfg.MonitorSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.MonitorSchedule, s.job("ledger monitor", s.RunMonitor)); err != nil {
			return nil, fmt.Errorf("monitor schedule %q: %w", cfg.MonitorSchedule, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.cfg.Logger.Infof("scheduler started with %d jobs", len(s.cron.Entries()))
}

// Stop prevents new runs and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		s.cfg.Logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs still running: %w", ctx.Err())
	}
}

// RunEscrow releases escrows past their window and expires stale payments.
func (s *Scheduler) RunEscrow(ctx context.Context) error {
	now := s.now().UTC()
	var errs []error

	released, err := s.escrow.ReleaseDue(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("release due escrows: %w", err))
	}
	expired, err := s.payments.ExpireStale(ctx, now.Add(-s.cfg.PendingTTL))
	if err != nil {
		errs = append(errs, fmt.Errorf("expire stale payments: %w", err))
	}
	if released > 0 || expired > 0 {
		s.cfg.Logger.WithFields(logrus.Fields{
			"released": released,
			"expired":  expired,
		}).Info("escrow job finished")
	}
	return errors.Join(errs...)
}

func (s *Scheduler) RunMonitor(ctx context.Context) error {
	if s.monitor == nil {
		return nil
	}
	_, err := s.monitor.Check(ctx)
	return err
}

func (s *Scheduler) job(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		started := time.Now()
		if err := run(ctx); err != nil {
			s.cfg.Logger.WithField("job", name).Errorf("job failed: %v", err)
			return
		}
		s.cfg.Logger.WithField("job", name).Debugf("job done in %s", time.Since(started))
	}
}
