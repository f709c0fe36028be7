package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/config"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/relay"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/storage"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/utils"
)

// Scheduler owns the background cron jobs: queue draining, retention sweeps
// and expired silence resets.
type Scheduler struct {
	cron    *cron.Cron
	cfg     *config.Config
	drainer *relay.Drainer
	queue   storage.QueueRepo
	dedup   storage.DedupRepo
}

// New builds the scheduler. Nothing runs until Start.
func New(cfg *config.Config, drainer *relay.Drainer, queue storage.QueueRepo, dedup storage.DedupRepo) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		cfg:     cfg,
		drainer: drainer,
		queue:   queue,
		dedup:   dedup,
	}
}

// Start registers and launches all cron jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"drain", s.cfg.Scheduler.DrainSpec, s.runDrain},
		{"cleanup", s.cfg.Scheduler.CleanupSpec, s.runCleanup},
		{"silence_sweep", s.cfg.Scheduler.SilenceSweepSpec, s.runSilenceSweep},
	}

	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			defer utils.RecoverWithLog(ctx, "scheduled "+job.name)
			job.run(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to register %s job with spec %q: %w", job.name, job.spec, err)
		}
		logger.Log.Info("Registered scheduled job",
			zap.String("job", job.name),
			zap.String("spec", job.spec))
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		logger.Log.Warn("Timed out waiting for scheduled jobs to finish")
	}
}

func (s *Scheduler) runDrain(ctx context.Context) {
	sent, err := s.drainer.Drain(ctx)
	if err != nil {
		logger.FromContext(ctx).Error("Scheduled drain failed", zap.Error(err))
		return
	}
	if sent > 0 {
		logger.FromContext(ctx).Info("Scheduled drain delivered notifications", zap.Int("sent", sent))
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	log := logger.FromContext(ctx)

	if n, err := s.queue.CleanOld(ctx, s.cfg.Retention.QueueDays); err != nil {
		log.Error("Queue retention sweep failed", zap.Error(err))
	} else if n > 0 {
		log.Info("Removed old terminal queue rows", zap.Int64("deleted", n))
	}

	if n, err := s.queue.PurgeAged(ctx, s.cfg.Retention.PurgeDays); err != nil {
		log.Error("Queue purge failed", zap.Error(err))
	} else if n > 0 {
		log.Warn("Purged aged queue rows regardless of state", zap.Int64("deleted", n))
	}

	if n, err := s.dedup.CleanOld(ctx, s.cfg.Retention.DedupDays); err != nil {
		log.Error("Dedup retention sweep failed", zap.Error(err))
	} else if n > 0 {
		log.Info("Removed old dedup records", zap.Int64("deleted", n))
	}
}

func (s *Scheduler) runSilenceSweep(ctx context.Context) {
	n, err := s.dedup.CleanExpiredSilence(ctx)
	if err != nil {
		logger.FromContext(ctx).Error("Silence sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.FromContext(ctx).Info("Reset expired silence windows", zap.Int64("reset", n))
	}
}
