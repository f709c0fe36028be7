package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/validator"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/utils"
)

// EventHandler receives each decoded audit event. Returned errors are logged;
// the message is not redelivered, durability starts at the queue store.
type EventHandler func(ctx context.Context, ev model.AuditEvent) error

// Subscriber consumes audit events from a NATS subject within a queue group,
// so multiple relay instances share the stream instead of duplicating it.
type Subscriber struct {
	conn       *nats.Conn
	subject    string
	queueGroup string
	handler    EventHandler
	sub        *nats.Subscription
}

// NewSubscriber connects to NATS with reconnect handling.
func NewSubscriber(url, subject, queueGroup string, handler EventHandler) (*Subscriber, error) {
	opts := []nats.Option{
		nats.Name("telegram-notify-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	return &Subscriber{
		conn:       conn,
		subject:    subject,
		queueGroup: queueGroup,
		handler:    handler,
	}, nil
}

// Start subscribes and begins dispatching events to the handler. Malformed or
// invalid payloads are logged and dropped; they never reach the pipeline.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queueGroup, func(msg *nats.Msg) {
		s.dispatch(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub

	logger.Log.Info("Subscribed to audit event stream",
		zap.String("subject", s.subject),
		zap.String("queue_group", s.queueGroup))
	return nil
}

func (s *Subscriber) dispatch(ctx context.Context, msg *nats.Msg) {
	defer utils.RecoverWithLog(ctx, "audit event dispatch")

	log := logger.FromContext(ctx)

	var ev model.AuditEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Warn("Dropping malformed audit event",
			zap.String("subject", msg.Subject),
			zap.Int("bytes", len(msg.Data)),
			zap.Error(err))
		return
	}

	if err := validator.Validate(&ev); err != nil {
		log.Warn("Dropping invalid audit event",
			zap.String("event_type", ev.Type),
			zap.Error(err))
		return
	}

	if err := s.handler(ctx, ev); err != nil {
		log.Error("Audit event handler failed",
			zap.String("event_type", ev.Type),
			zap.String("event_key", ev.Key()),
			zap.Error(err))
	}
}

// Close drains the subscription and closes the connection. Draining lets
// in-flight handlers finish before the connection drops.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			logger.Log.Warn("Failed to drain NATS subscription", zap.Error(err))
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Drain(); err != nil {
			logger.Log.Warn("Failed to drain NATS connection", zap.Error(err))
			s.conn.Close()
		}
	}
}
