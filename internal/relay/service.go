package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/classifier"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/config"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/storage"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/utils"
)

// Service is the intake side of the pipeline: it classifies an incoming audit
// event, consults the dedup store and fans delivery jobs out to the
// configured chats.
type Service struct {
	cfg        config.NotifierConfig
	classifier *classifier.Classifier
	queue      storage.QueueRepo
	dedup      storage.DedupRepo
}

// NewService wires the intake pipeline together.
func NewService(cfg config.NotifierConfig, cls *classifier.Classifier, queue storage.QueueRepo, dedup storage.DedupRepo) *Service {
	return &Service{
		cfg:        cfg,
		classifier: cls,
		queue:      queue,
		dedup:      dedup,
	}
}

// OnEvent processes one incoming audit event end to end: classify, dedup,
// render, enqueue per chat. It returns the number of jobs enqueued. A failure
// on one chat does not prevent enqueueing for the remaining chats; the last
// error is returned alongside the partial count.
func (s *Service) OnEvent(ctx context.Context, ev model.AuditEvent) (int, error) {
	log := logger.FromContext(ctx)

	if !s.cfg.Enabled {
		return 0, nil
	}
	if len(s.cfg.ChatIDs) == 0 {
		log.Debug("No chat ids configured, dropping event", zap.String("event_type", ev.Type))
		return 0, nil
	}

	if !s.classifier.IsNotifiable(ev) {
		return 0, nil
	}

	allowed, err := s.dedup.ShouldNotify(ctx, ev, s.silenceUntil())
	if err != nil {
		return 0, err
	}
	if !allowed {
		log.Debug("Event suppressed by dedup store",
			zap.String("event_type", ev.Type),
			zap.String("event_key", ev.Key()))
		return 0, nil
	}

	message := FormatMessage(ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		// The payload is diagnostic only. Enqueue without it rather than drop.
		log.Warn("Failed to marshal event payload", zap.Error(err))
		payload = nil
	}

	enqueued := 0
	var lastErr error
	for _, chatID := range s.cfg.ChatIDs {
		job := model.DeliveryJob{
			EventKey: ev.Key(),
			ChatID:   chatID,
			Message:  message,
			Payload:  datatypes.JSON(payload),
		}
		if _, err := s.queue.Enqueue(ctx, job); err != nil {
			log.Error("Failed to enqueue delivery job",
				zap.String("event_key", ev.Key()),
				zap.String("chat_id", chatID),
				zap.Error(err))
			lastErr = err
			continue
		}
		enqueued++
	}

	log.Info("Event accepted for delivery",
		zap.String("event_type", ev.Type),
		zap.String("event_key", ev.Key()),
		zap.Int("jobs_enqueued", enqueued))
	return enqueued, lastErr
}

// silenceUntil computes the silence window recorded with a new fingerprint.
// Only silence mode sets one; otherwise the record carries no window and the
// fingerprint stays blocked until the retention sweep removes it.
func (s *Service) silenceUntil() *time.Time {
	if !s.cfg.SilenceMode || s.cfg.SilenceDuration <= 0 {
		return nil
	}
	until := utils.Now().Add(s.cfg.SilenceDuration)
	return &until
}
