// Package scheduler runs the two recurring background sweeps: expiring
// overdue approval requests and evaluating recent deployments for
// regressions. Each sweep runs on its own ticker with at-most-one
// concurrency; a failed run is logged and the loop continues.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/promptpilot/promptpilot/internal/approval"
	"github.com/promptpilot/promptpilot/internal/config"
	"github.com/promptpilot/promptpilot/internal/deploy"
	"github.com/promptpilot/promptpilot/internal/regression"
	"github.com/promptpilot/promptpilot/internal/store"
)

// monitorGracePeriod keeps very fresh deployments out of the monitor sweep
// so they accumulate some traffic first.
const monitorGracePeriod = 5 * time.Minute

// Scheduler owns the background sweep loops.
type Scheduler struct {
	store    store.Store
	approval *approval.Service
	detector *regression.Detector
	ctrl     *deploy.Controller
	cfg      func() config.Config
	logger   *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// New creates a scheduler.
func New(
	s store.Store,
	approvalSvc *approval.Service,
	detector *regression.Detector,
	ctrl *deploy.Controller,
	cfg func() config.Config,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		approval: approvalSvc,
		detector: detector,
		ctrl:     ctrl,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler.Scheduler"),
		done:     make(chan struct{}),
	}
}

// Start launches both sweep loops.
func (s *Scheduler) Start() {
	cfg := s.cfg()
	s.wg.Add(2)
	go s.loop("approval-expiry", cfg.Scheduler.ExpirySweepInterval, s.SweepExpiredApprovals)
	go s.loop("deployment-monitor", cfg.Scheduler.MonitorSweepInterval, s.SweepDeployments)
	s.logger.Info("scheduler started",
		"expiry_interval", cfg.Scheduler.ExpirySweepInterval,
		"monitor_interval", cfg.Scheduler.MonitorSweepInterval,
	)
}

// Stop halts the loops and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// loop runs fn on every tick. Sweeps execute inline on the loop goroutine,
// so two runs of the same sweep never overlap.
func (s *Scheduler) loop(name string, interval time.Duration, fn func(ctx context.Context) error) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := fn(ctx); err != nil {
				s.logger.Error("sweep failed", "sweep", name, "error", err)
			}
			cancel()
		}
	}
}

// SweepExpiredApprovals expires pending approval requests whose deadline
// has passed.
func (s *Scheduler) SweepExpiredApprovals(ctx context.Context) error {
	n, err := s.approval.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("expired approval requests", "count", n)
	}
	return nil
}

// SweepDeployments evaluates active, not-yet-flagged deployments whose
// observation window is maturing, and rolls back the ones whose report
// demands it.
func (s *Scheduler) SweepDeployments(ctx context.Context) error {
	cfg := s.cfg()
	now := time.Now().UTC()
	since := now.Add(-cfg.Regression.EvaluationWindow())
	until := now.Add(-monitorGracePeriod)

	deployments, err := s.store.ListDeploymentsForMonitor(ctx, since, until)
	if err != nil {
		return err
	}

	for _, dep := range deployments {
		report, err := s.detector.Evaluate(ctx, dep.ID)
		if err != nil {
			// One bad deployment must not starve the rest of the sweep.
			s.logger.Error("monitor evaluation failed", "deployment_id", dep.ID, "error", err)
			continue
		}
		if !report.AutoRollbackTriggered {
			continue
		}
		if _, err := s.ctrl.AutoRollback(ctx, dep.ID, report.Severity+" regression detected by monitor"); err != nil {
			s.logger.Error("auto rollback failed", "deployment_id", dep.ID, "error", err)
		}
	}
	return nil
}
