package storage

import (
	"context"
	"time"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
)

// QueueRepo defines delivery queue storage operations.
//
// ClaimDue is the concurrency primitive of the whole engine: it must select and
// mark rows PROCESSING atomically so that overlapping drain invocations never
// hand out the same row twice.
type QueueRepo interface {
	Enqueue(ctx context.Context, job model.DeliveryJob) (int64, error)
	ClaimDue(ctx context.Context, limit int, lockTimeout time.Duration) ([]model.DeliveryJob, error)
	MarkSent(ctx context.Context, id int64) (bool, error)
	MarkFailed(ctx context.Context, id int64, errMsg string, retryable bool, maxAttempts int, baseDelay, maxDelay time.Duration) error
	RetryStale(ctx context.Context, maxAge time.Duration, maxAttempts int) (int64, error)
	CleanOld(ctx context.Context, daysOld int) (int64, error)
	PurgeAged(ctx context.Context, daysOld int) (int64, error)
	Clear(ctx context.Context, status model.JobStatus) (int64, error)
	Recent(ctx context.Context, limit int) ([]model.DeliveryJob, error)
	CountByStatus(ctx context.Context) (model.QueueStats, error)
}

// DedupRepo defines dedup/silence storage operations.
//
// ShouldNotify both decides and records: a true return guarantees a matching
// DedupRecord exists by the time the caller enqueues anything.
type DedupRepo interface {
	ShouldNotify(ctx context.Context, ev model.AuditEvent, silenceUntil *time.Time) (bool, error)
	SetSilence(ctx context.Context, eventType string, duration time.Duration) (int64, error)
	ClearSilence(ctx context.Context, eventType string) (int64, error)
	IsTypeSilenced(ctx context.Context, eventType string) (bool, error)
	CleanExpiredSilence(ctx context.Context) (int64, error)
	CleanOld(ctx context.Context, daysOld int) (int64, error)
	Stats(ctx context.Context, topN int) (model.DedupStats, error)
}
