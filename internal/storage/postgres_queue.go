package storage

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/apperrors"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/observer"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/validator"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
)

const claimDueSQL = `
UPDATE delivery_jobs
SET status = 'PROCESSING', updated_at = NOW()
WHERE id IN (
    SELECT id FROM delivery_jobs
    WHERE (status = 'PENDING' AND (scheduled_at IS NULL OR scheduled_at <= NOW()))
       OR (status = 'PROCESSING' AND updated_at <= NOW() - make_interval(secs => ?))
    ORDER BY id ASC
    LIMIT ?
    FOR UPDATE SKIP LOCKED
)
RETURNING id, event_key, chat_id, message, payload, attempts, status, last_error, scheduled_at, created_at, updated_at`

// Enqueue inserts one PENDING delivery job and returns its id.
func (r *QueueStore) Enqueue(ctx context.Context, job model.DeliveryJob) (int64, error) {
	if err := validator.Validate(&job); err != nil {
		return 0, apperrors.NewPermanent(apperrors.ErrValidation, "invalid delivery job: %v", err)
	}
	job.Status = model.JobPending

	operation := func() error {
		return r.db.WithContext(ctx).Create(&job).Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "Enqueue", operation); err != nil {
		logger.FromContext(ctx).Error("Failed to enqueue delivery job after retries",
			zap.String("event_key", job.EventKey),
			zap.String("chat_id", job.ChatID),
			zap.Error(err))
		return 0, wrapDatabaseError(err, "enqueue")
	}

	observer.IncJobsEnqueued()
	logger.FromContext(ctx).Debug("Delivery job enqueued",
		zap.Int64("job_id", job.ID),
		zap.String("event_key", job.EventKey),
		zap.String("chat_id", job.ChatID))
	return job.ID, nil
}

// ClaimDue atomically claims up to limit due jobs, oldest first, marking them
// PROCESSING in the same statement. PROCESSING rows whose updated_at is older
// than lockTimeout are treated as abandoned and become claimable again.
func (r *QueueStore) ClaimDue(ctx context.Context, limit int, lockTimeout time.Duration) ([]model.DeliveryJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	var jobs []model.DeliveryJob
	operation := func() error {
		jobs = jobs[:0]
		return r.db.WithContext(ctx).Raw(claimDueSQL, lockTimeout.Seconds(), limit).Scan(&jobs).Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "ClaimDue", operation); err != nil {
		return nil, wrapDatabaseError(err, "claim due jobs")
	}

	// RETURNING does not preserve the subquery's ORDER BY, so re-sort to keep
	// delivery FIFO within the batch.
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	observer.SetQueueClaimed(len(jobs))
	return jobs, nil
}

// MarkSent finalizes a job as delivered. Calling it again on an already
// terminal row is a no-op, not an error; the returned bool reports whether
// this call actually flipped the row so no-ops are not counted as sends.
func (r *QueueStore) MarkSent(ctx context.Context, id int64) (bool, error) {
	var updated bool
	operation := func() error {
		res := r.db.WithContext(ctx).Exec(
			`UPDATE delivery_jobs SET status = 'SENT', updated_at = NOW() WHERE id = ? AND status NOT IN ('SENT','FAILED')`,
			id,
		)
		updated = res.RowsAffected > 0
		return res.Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "MarkSent", operation); err != nil {
		return false, wrapDatabaseError(err, "mark sent")
	}
	if updated {
		observer.IncJobsSent()
	}
	return updated, nil
}

// MarkFailed records a failed send: attempts+1, then either terminal FAILED
// (non-retryable or attempts exhausted) or PENDING rescheduled with
// exponential backoff. Terminal rows are left untouched.
func (r *QueueStore) MarkFailed(ctx context.Context, id int64, errMsg string, retryable bool, maxAttempts int, baseDelay, maxDelay time.Duration) error {
	operation := func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row model.DeliveryJob
			res := tx.Raw(`SELECT id, attempts, status FROM delivery_jobs WHERE id = ? FOR UPDATE`, id).Scan(&row)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperrors.ErrNotFound
			}
			if row.Terminal() {
				// Already finalized by a previous invocation. Nothing to do.
				return nil
			}

			attempts := row.Attempts + 1
			if !retryable || attempts >= maxAttempts {
				return tx.Exec(
					`UPDATE delivery_jobs SET attempts = ?, status = 'FAILED', last_error = ?, scheduled_at = NULL, updated_at = NOW() WHERE id = ?`,
					attempts, errMsg, id,
				).Error
			}

			delay := backoffDelay(attempts, baseDelay, maxDelay)
			return tx.Exec(
				`UPDATE delivery_jobs SET attempts = ?, status = 'PENDING', last_error = ?, scheduled_at = NOW() + make_interval(secs => ?), updated_at = NOW() WHERE id = ?`,
				attempts, errMsg, delay.Seconds(), id,
			).Error
		})
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "MarkFailed", operation); err != nil {
		if apperrors.IsNotFoundError(err) {
			return err
		}
		return wrapDatabaseError(err, "mark failed")
	}
	observer.IncJobsFailed(retryable)
	return nil
}

// backoffDelay returns baseDelay * 2^(attempts-1), optionally capped.
func backoffDelay(attempts int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempts <= 1 {
		if maxDelay > 0 && baseDelay > maxDelay {
			return maxDelay
		}
		return baseDelay
	}
	delay := baseDelay * time.Duration(1<<uint(attempts-1))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// RetryStale resets FAILED rows older than maxAge back to PENDING, keeping
// their attempt count. Rows that already exhausted maxAttempts stay FAILED.
// This is the operator-triggered bulk un-fail, not the automatic backoff.
func (r *QueueStore) RetryStale(ctx context.Context, maxAge time.Duration, maxAttempts int) (int64, error) {
	var count int64
	operation := func() error {
		res := r.db.WithContext(ctx).Exec(
			`UPDATE delivery_jobs SET status = 'PENDING', scheduled_at = NULL, last_error = NULL, updated_at = NOW() WHERE status = 'FAILED' AND updated_at <= NOW() - make_interval(secs => ?) AND attempts < ?`,
			maxAge.Seconds(), maxAttempts,
		)
		count = res.RowsAffected
		return res.Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "RetryStale", operation); err != nil {
		return 0, wrapDatabaseError(err, "retry stale jobs")
	}
	return count, nil
}

// CleanOld deletes terminal rows (SENT or FAILED) older than the cutoff.
func (r *QueueStore) CleanOld(ctx context.Context, daysOld int) (int64, error) {
	var count int64
	operation := func() error {
		res := r.db.WithContext(ctx).Exec(
			`DELETE FROM delivery_jobs WHERE status IN ('SENT','FAILED') AND created_at <= NOW() - make_interval(days => ?)`,
			daysOld,
		)
		count = res.RowsAffected
		return res.Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "CleanOldJobs", operation); err != nil {
		return 0, wrapDatabaseError(err, "clean old jobs")
	}
	return count, nil
}

// PurgeAged deletes rows older than the cutoff regardless of state. The
// unconditional safety net behind CleanOld.
func (r *QueueStore) PurgeAged(ctx context.Context, daysOld int) (int64, error) {
	var count int64
	operation := func() error {
		res := r.db.WithContext(ctx).Exec(
			`DELETE FROM delivery_jobs WHERE created_at <= NOW() - make_interval(days => ?)`,
			daysOld,
		)
		count = res.RowsAffected
		return res.Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "PurgeAgedJobs", operation); err != nil {
		return 0, wrapDatabaseError(err, "purge aged jobs")
	}
	return count, nil
}

// Clear deletes queue rows, optionally restricted to one status. An empty
// status clears everything.
func (r *QueueStore) Clear(ctx context.Context, status model.JobStatus) (int64, error) {
	var count int64
	operation := func() error {
		q := `DELETE FROM delivery_jobs`
		args := []interface{}{}
		if status != "" {
			q += ` WHERE status = ?`
			args = append(args, string(status))
		}
		res := r.db.WithContext(ctx).Exec(q, args...)
		count = res.RowsAffected
		return res.Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "ClearQueue", operation); err != nil {
		return 0, wrapDatabaseError(err, "clear queue")
	}
	return count, nil
}

// Recent returns the newest queue rows for the admin view.
func (r *QueueStore) Recent(ctx context.Context, limit int) ([]model.DeliveryJob, error) {
	var jobs []model.DeliveryJob
	operation := func() error {
		jobs = jobs[:0]
		return r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&jobs).Error
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	if err := retryableOperation(ctx, readPolicy, "RecentJobs", operation); err != nil {
		return nil, wrapDatabaseError(err, "recent jobs")
	}
	return jobs, nil
}

type statusCount struct {
	Status model.JobStatus `gorm:"column:status"`
	Cnt    int64           `gorm:"column:cnt"`
}

// CountByStatus aggregates queue row counts for the stats reporter.
func (r *QueueStore) CountByStatus(ctx context.Context) (model.QueueStats, error) {
	var rows []statusCount
	operation := func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).Raw(`SELECT status, COUNT(*) AS cnt FROM delivery_jobs GROUP BY status`).Scan(&rows).Error
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	if err := retryableOperation(ctx, readPolicy, "CountByStatus", operation); err != nil {
		return model.QueueStats{}, wrapDatabaseError(err, "count by status")
	}

	var stats model.QueueStats
	for _, row := range rows {
		switch row.Status {
		case model.JobPending:
			stats.Pending = row.Cnt
		case model.JobProcessing:
			stats.Processing = row.Cnt
		case model.JobSent:
			stats.Sent = row.Cnt
		case model.JobFailed:
			stats.Failed = row.Cnt
		}
		stats.Total += row.Cnt
	}
	return stats, nil
}
