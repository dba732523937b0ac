/**
 * @description
 * Cron scheduler setup for the reconciliation and artifact repair jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/forgepay/payroll-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ReconcileCronSpec, s.jobs.ReconcileStaleSettlements); err != nil {
		s.logger.Error("failed to schedule settlement reconciliation job", "error", err)
	} else {
		s.logger.Info("scheduled settlement reconciliation job", "schedule", s.config.ReconcileCronSpec)
	}

	if _, err := s.cron.AddFunc(s.config.ArtifactRepairCronSpec, s.jobs.RepairArtifacts); err != nil {
		s.logger.Error("failed to schedule artifact repair job", "error", err)
	} else {
		s.logger.Info("scheduled artifact repair job", "schedule", s.config.ArtifactRepairCronSpec)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
