package relay

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/config"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/observer"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/sender"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/storage"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
)

// Drainer is the delivery side of the pipeline: it claims due jobs from the
// queue and pushes each one through the sender, serially, spacing sends by
// SendInterval. Jobs are independent; one failing send never aborts the batch.
type Drainer struct {
	cfg    config.NotifierConfig
	queue  storage.QueueRepo
	sender sender.Sender
}

// NewDrainer wires the delivery loop together.
func NewDrainer(cfg config.NotifierConfig, queue storage.QueueRepo, snd sender.Sender) *Drainer {
	return &Drainer{cfg: cfg, queue: queue, sender: snd}
}

// Drain runs one claim-and-deliver pass and returns the number of jobs sent.
// Overlapping invocations are safe: claiming marks rows PROCESSING atomically,
// so two drains never hold the same job.
func (d *Drainer) Drain(ctx context.Context) (int, error) {
	if !d.cfg.Enabled || !d.sender.Configured() {
		return 0, nil
	}

	runID := uuid.NewString()
	log := logger.FromContext(ctx).With(zap.String("drain_run_id", runID))
	ctx = logger.WithLogger(ctx, log)

	start := time.Now()
	defer func() {
		observer.ObserveDrainDuration(time.Since(start))
	}()

	jobs, err := d.queue.ClaimDue(ctx, d.cfg.BatchLimit, d.cfg.LockTimeout)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	log.Info("Draining delivery queue", zap.Int("claimed", len(jobs)))

	sent := 0
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			log.Warn("Drain interrupted, remaining jobs stay claimed until lock timeout",
				zap.Int("remaining", len(jobs)-i))
			return sent, err
		}

		outcome := d.deliver(ctx, job.ChatID, job.Message)
		if outcome.OK {
			finalized, err := d.queue.MarkSent(ctx, job.ID)
			switch {
			case err != nil:
				log.Error("Failed to mark job sent", zap.Int64("job_id", job.ID), zap.Error(err))
			case finalized:
				sent++
			default:
				log.Warn("Job was already finalized elsewhere, not counting the send",
					zap.Int64("job_id", job.ID))
			}
		} else {
			log.Warn("Delivery attempt failed",
				zap.Int64("job_id", job.ID),
				zap.String("chat_id", job.ChatID),
				zap.Int("attempts", job.Attempts+1),
				zap.Bool("retryable", outcome.Retryable),
				zap.String("reason", outcome.Description))
			if err := d.queue.MarkFailed(ctx, job.ID, outcome.Description, outcome.Retryable,
				d.cfg.MaxAttempts, d.cfg.BaseRetryDelay, d.cfg.MaxRetryDelay); err != nil {
				log.Error("Failed to mark job failed", zap.Int64("job_id", job.ID), zap.Error(err))
			}
		}

		if i < len(jobs)-1 && d.cfg.SendInterval > 0 {
			select {
			case <-time.After(d.cfg.SendInterval):
			case <-ctx.Done():
			}
		}
	}

	log.Info("Drain run finished", zap.Int("sent", sent), zap.Int("claimed", len(jobs)))
	return sent, nil
}

// deliver invokes the sender with panic isolation. A panicking send is
// recorded as a retryable failure so the job reschedules instead of staying
// stuck in PROCESSING until the lock timeout.
func (d *Drainer) deliver(ctx context.Context, chatID, message string) (outcome sender.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("[panic] Recovered from panic during delivery send",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			outcome = sender.Outcome{Description: "panic during send", Retryable: true}
		}
	}()
	return d.sender.Send(ctx, chatID, message)
}
