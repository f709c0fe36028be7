package relay

import (
	"context"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/observer"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/storage"
)

// How many of the most frequent event types the report includes.
const topEventTypes = 10

// Reporter assembles the read-only operational snapshot served by the admin
// surfaces.
type Reporter struct {
	queue storage.QueueRepo
	dedup storage.DedupRepo
}

// NewReporter builds a Reporter over both stores.
func NewReporter(queue storage.QueueRepo, dedup storage.DedupRepo) *Reporter {
	return &Reporter{queue: queue, dedup: dedup}
}

// Report gathers queue and dedup statistics. It reads both stores without
// locking, so the numbers are a point-in-time approximation.
func (r *Reporter) Report(ctx context.Context) (model.StatsReport, error) {
	queueStats, err := r.queue.CountByStatus(ctx)
	if err != nil {
		return model.StatsReport{}, err
	}
	observer.SetQueuePending(queueStats.Pending)

	dedupStats, err := r.dedup.Stats(ctx, topEventTypes)
	if err != nil {
		return model.StatsReport{}, err
	}

	return model.StatsReport{Queue: queueStats, Dedup: dedupStats}, nil
}

// RecentJobs exposes the newest queue rows for the admin CLI.
func (r *Reporter) RecentJobs(ctx context.Context, limit int) ([]model.DeliveryJob, error) {
	return r.queue.Recent(ctx, limit)
}
