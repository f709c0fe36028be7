package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/observer"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
)

const dedupBlockedSQL = `SELECT EXISTS (SELECT 1 FROM dedup_records WHERE event_hash = ? AND (silence_until IS NULL OR silence_until > NOW())) AS blocked`

const dedupUpsertSQL = `
INSERT INTO dedup_records (event_hash, event_type, item_id, description, created_at, silence_until)
VALUES (?, ?, ?, ?, NOW(), ?)
ON CONFLICT (event_hash) DO UPDATE SET silence_until = EXCLUDED.silence_until`

// ShouldNotify decides whether the event's fingerprint may be notified and, if
// so, records it in the same transaction. A record with NULL silence_until or
// one still inside its window blocks the fingerprint; an expired window lets
// exactly one notification through and refreshes the record in place (the
// event_hash unique index makes the insert an upsert).
func (r *DedupStore) ShouldNotify(ctx context.Context, ev model.AuditEvent, silenceUntil *time.Time) (bool, error) {
	hash := ev.Fingerprint()
	allowed := false

	operation := func() error {
		allowed = false
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var blocked bool
			if err := tx.Raw(dedupBlockedSQL, hash).Scan(&blocked).Error; err != nil {
				return err
			}
			if blocked {
				return nil
			}
			if err := tx.Exec(dedupUpsertSQL, hash, ev.Type, ev.ItemID, ev.Description, silenceUntil).Error; err != nil {
				return err
			}
			allowed = true
			return nil
		})
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "ShouldNotify", operation); err != nil {
		logger.FromContext(ctx).Error("Dedup check failed after retries",
			zap.String("event_type", ev.Type),
			zap.String("event_hash", hash),
			zap.Error(err))
		return false, wrapDatabaseError(err, "dedup check")
	}

	if !allowed {
		observer.IncEventsSuppressed(ev.Type)
	}
	return allowed, nil
}

// SetSilence puts every record of the given event type under a silence window.
// Mass mute by type, not by fingerprint.
func (r *DedupStore) SetSilence(ctx context.Context, eventType string, duration time.Duration) (int64, error) {
	var count int64
	operation := func() error {
		res := r.db.WithContext(ctx).Exec(
			`UPDATE dedup_records SET silence_until = NOW() + make_interval(secs => ?) WHERE event_type = ?`,
			duration.Seconds(), eventType,
		)
		count = res.RowsAffected
		return res.Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "SetSilence", operation); err != nil {
		return 0, wrapDatabaseError(err, "set silence")
	}
	return count, nil
}

// ClearSilence removes the silence window from every record of the given type.
func (r *DedupStore) ClearSilence(ctx context.Context, eventType string) (int64, error) {
	var count int64
	operation := func() error {
		res := r.db.WithContext(ctx).Exec(
			`UPDATE dedup_records SET silence_until = NULL WHERE event_type = ? AND silence_until IS NOT NULL`,
			eventType,
		)
		count = res.RowsAffected
		return res.Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "ClearSilence", operation); err != nil {
		return 0, wrapDatabaseError(err, "clear silence")
	}
	return count, nil
}

// IsTypeSilenced reports whether any record of the given type holds an
// unexpired silence window.
func (r *DedupStore) IsTypeSilenced(ctx context.Context, eventType string) (bool, error) {
	var silenced bool
	operation := func() error {
		return r.db.WithContext(ctx).Raw(
			`SELECT EXISTS (SELECT 1 FROM dedup_records WHERE event_type = ? AND silence_until IS NOT NULL AND silence_until > NOW()) AS silenced`,
			eventType,
		).Scan(&silenced).Error
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	if err := retryableOperation(ctx, readPolicy, "IsTypeSilenced", operation); err != nil {
		return false, wrapDatabaseError(err, "silence lookup")
	}
	return silenced, nil
}

// CleanExpiredSilence nulls out elapsed silence windows. The affected records
// keep blocking their fingerprints afterwards; only CleanOld removes them.
func (r *DedupStore) CleanExpiredSilence(ctx context.Context) (int64, error) {
	var count int64
	operation := func() error {
		res := r.db.WithContext(ctx).Exec(
			`UPDATE dedup_records SET silence_until = NULL WHERE silence_until IS NOT NULL AND silence_until <= NOW()`,
		)
		count = res.RowsAffected
		return res.Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "CleanExpiredSilence", operation); err != nil {
		return 0, wrapDatabaseError(err, "clean expired silence")
	}
	return count, nil
}

// CleanOld hard-deletes dedup records older than the cutoff, independent of
// silence state.
func (r *DedupStore) CleanOld(ctx context.Context, daysOld int) (int64, error) {
	var count int64
	operation := func() error {
		res := r.db.WithContext(ctx).Exec(
			`DELETE FROM dedup_records WHERE created_at <= NOW() - make_interval(days => ?)`,
			daysOld,
		)
		count = res.RowsAffected
		return res.Error
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	if err := retryableOperation(ctx, commitPolicy, "CleanOldDedup", operation); err != nil {
		return 0, wrapDatabaseError(err, "clean old dedup records")
	}
	return count, nil
}

// Stats aggregates dedup record counts and the most frequent event types.
func (r *DedupStore) Stats(ctx context.Context, topN int) (model.DedupStats, error) {
	var stats model.DedupStats
	operation := func() error {
		stats = model.DedupStats{}
		if err := r.db.WithContext(ctx).Raw(`SELECT COUNT(*) FROM dedup_records`).Scan(&stats.TotalRecords).Error; err != nil {
			return err
		}
		if err := r.db.WithContext(ctx).Raw(
			`SELECT COUNT(*) FROM dedup_records WHERE silence_until IS NOT NULL AND silence_until > NOW()`,
		).Scan(&stats.ActiveSilences).Error; err != nil {
			return err
		}
		return r.db.WithContext(ctx).Raw(
			`SELECT event_type, COUNT(*) AS cnt FROM dedup_records GROUP BY event_type ORDER BY cnt DESC LIMIT ?`,
			topN,
		).Scan(&stats.TopEventTypes).Error
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	if err := retryableOperation(ctx, readPolicy, "DedupStats", operation); err != nil {
		return model.DedupStats{}, wrapDatabaseError(err, "dedup stats")
	}
	return stats, nil
}
