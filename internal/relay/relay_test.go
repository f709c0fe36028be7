package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/classifier"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/config"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/sender"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
)

func init() {
	_ = logger.Initialize("error")
}

// --- In-memory fakes ---

type fakeQueue struct {
	jobs       []model.DeliveryJob
	nextID     int64
	enqueueErr map[string]error // keyed by chat id
	claimed    []model.DeliveryJob
	sent       []int64
	failed     []failedCall
	markErr    error
	terminal   map[int64]bool // jobs already finalized by another drain
}

type failedCall struct {
	id        int64
	errMsg    string
	retryable bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{enqueueErr: map[string]error{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, job model.DeliveryJob) (int64, error) {
	if err := q.enqueueErr[job.ChatID]; err != nil {
		return 0, err
	}
	q.nextID++
	job.ID = q.nextID
	job.Status = model.JobPending
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

func (q *fakeQueue) ClaimDue(_ context.Context, limit int, _ time.Duration) ([]model.DeliveryJob, error) {
	if limit > len(q.claimed) {
		limit = len(q.claimed)
	}
	return q.claimed[:limit], nil
}

func (q *fakeQueue) MarkSent(_ context.Context, id int64) (bool, error) {
	if q.markErr != nil {
		return false, q.markErr
	}
	if q.terminal[id] {
		return false, nil
	}
	q.sent = append(q.sent, id)
	return true, nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id int64, errMsg string, retryable bool, _ int, _, _ time.Duration) error {
	q.failed = append(q.failed, failedCall{id: id, errMsg: errMsg, retryable: retryable})
	return nil
}

func (q *fakeQueue) RetryStale(context.Context, time.Duration, int) (int64, error) { return 0, nil }
func (q *fakeQueue) CleanOld(context.Context, int) (int64, error)                  { return 0, nil }
func (q *fakeQueue) PurgeAged(context.Context, int) (int64, error)                 { return 0, nil }
func (q *fakeQueue) Clear(context.Context, model.JobStatus) (int64, error)         { return 0, nil }
func (q *fakeQueue) Recent(context.Context, int) ([]model.DeliveryJob, error)      { return q.jobs, nil }
func (q *fakeQueue) CountByStatus(context.Context) (model.QueueStats, error) {
	return model.QueueStats{Pending: int64(len(q.jobs)), Total: int64(len(q.jobs))}, nil
}

type fakeDedup struct {
	allow        bool
	err          error
	lastSilence  *time.Time
	checkedCount int
}

func (d *fakeDedup) ShouldNotify(_ context.Context, _ model.AuditEvent, silenceUntil *time.Time) (bool, error) {
	d.checkedCount++
	d.lastSilence = silenceUntil
	return d.allow, d.err
}

func (d *fakeDedup) SetSilence(context.Context, string, time.Duration) (int64, error) { return 0, nil }
func (d *fakeDedup) ClearSilence(context.Context, string) (int64, error)              { return 0, nil }
func (d *fakeDedup) IsTypeSilenced(context.Context, string) (bool, error)             { return false, nil }
func (d *fakeDedup) CleanExpiredSilence(context.Context) (int64, error)               { return 0, nil }
func (d *fakeDedup) CleanOld(context.Context, int) (int64, error)                     { return 0, nil }
func (d *fakeDedup) Stats(context.Context, int) (model.DedupStats, error) {
	return model.DedupStats{}, nil
}

type fakeSender struct {
	configured bool
	outcomes   map[string]sender.Outcome
	sendPanics bool
	sentTo     []string
}

func (s *fakeSender) Send(_ context.Context, chatID, _ string) sender.Outcome {
	if s.sendPanics {
		panic("boom")
	}
	s.sentTo = append(s.sentTo, chatID)
	if o, ok := s.outcomes[chatID]; ok {
		return o
	}
	return sender.Outcome{OK: true}
}

func (s *fakeSender) SendToMany(ctx context.Context, chatIDs []string, text string) map[string]sender.Outcome {
	out := make(map[string]sender.Outcome, len(chatIDs))
	for _, id := range chatIDs {
		out[id] = s.Send(ctx, id, text)
	}
	return out
}

func (s *fakeSender) TestConnection(context.Context) error { return nil }
func (s *fakeSender) Configured() bool                     { return s.configured }

// --- Service tests ---

func serviceConfig() config.NotifierConfig {
	return config.NotifierConfig{
		Enabled:        true,
		ChatIDs:        []string{"chat-a", "chat-b"},
		AntiSpamWindow: 5 * time.Minute,
	}
}

func criticalEvent() model.AuditEvent {
	return model.AuditEvent{
		Type:        "SECURITY",
		ItemID:      "login-42",
		Description: "failed login attempt",
		Severity:    model.SeverityCritical,
		Timestamp:   time.Now().Unix(),
	}
}

func TestOnEvent_FansOutPerChat(t *testing.T) {
	cfg := serviceConfig()
	queue := newFakeQueue()
	dedup := &fakeDedup{allow: true}
	svc := NewService(cfg, classifier.New(cfg), queue, dedup)

	n, err := svc.OnEvent(context.Background(), criticalEvent())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, queue.jobs, 2)
	assert.Equal(t, "chat-a", queue.jobs[0].ChatID)
	assert.Equal(t, "chat-b", queue.jobs[1].ChatID)
	assert.Equal(t, queue.jobs[0].Message, queue.jobs[1].Message, "all chats receive the same rendered text")
	assert.Equal(t, "SECURITY_login-42", queue.jobs[0].EventKey)
	assert.NotEmpty(t, queue.jobs[0].Payload)
}

func TestOnEvent_DisabledIsNoop(t *testing.T) {
	cfg := serviceConfig()
	cfg.Enabled = false
	queue := newFakeQueue()
	dedup := &fakeDedup{allow: true}
	svc := NewService(cfg, classifier.New(cfg), queue, dedup)

	n, err := svc.OnEvent(context.Background(), criticalEvent())

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, dedup.checkedCount, "disabled service must not touch the dedup store")
}

func TestOnEvent_SuppressedByDedup(t *testing.T) {
	cfg := serviceConfig()
	queue := newFakeQueue()
	svc := NewService(cfg, classifier.New(cfg), queue, &fakeDedup{allow: false})

	n, err := svc.OnEvent(context.Background(), criticalEvent())

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, queue.jobs)
}

func TestOnEvent_NotNotifiableSkipsDedup(t *testing.T) {
	cfg := serviceConfig()
	queue := newFakeQueue()
	dedup := &fakeDedup{allow: true}
	svc := NewService(cfg, classifier.New(cfg), queue, dedup)

	ev := criticalEvent()
	ev.Severity = model.SeverityNone
	ev.Description = "routine maintenance completed"

	n, err := svc.OnEvent(context.Background(), ev)

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, dedup.checkedCount)
}

func TestOnEvent_PartialEnqueueFailure(t *testing.T) {
	cfg := serviceConfig()
	queue := newFakeQueue()
	queue.enqueueErr["chat-a"] = errors.New("insert rejected")
	svc := NewService(cfg, classifier.New(cfg), queue, &fakeDedup{allow: true})

	n, err := svc.OnEvent(context.Background(), criticalEvent())

	require.Error(t, err)
	assert.Equal(t, 1, n, "the healthy chat still gets its job")
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "chat-b", queue.jobs[0].ChatID)
}

func TestOnEvent_SilenceWindowSelection(t *testing.T) {
	t.Run("no window outside silence mode", func(t *testing.T) {
		// The record blocks the fingerprint until retention purges it.
		cfg := serviceConfig()
		dedup := &fakeDedup{allow: true}
		svc := NewService(cfg, classifier.New(cfg), newFakeQueue(), dedup)

		_, err := svc.OnEvent(context.Background(), criticalEvent())
		require.NoError(t, err)

		assert.Equal(t, 1, dedup.checkedCount)
		assert.Nil(t, dedup.lastSilence)
	})

	t.Run("silence mode extends the window", func(t *testing.T) {
		cfg := serviceConfig()
		cfg.SilenceMode = true
		cfg.SilenceDuration = 2 * time.Hour
		dedup := &fakeDedup{allow: true}
		svc := NewService(cfg, classifier.New(cfg), newFakeQueue(), dedup)

		_, err := svc.OnEvent(context.Background(), criticalEvent())
		require.NoError(t, err)

		require.NotNil(t, dedup.lastSilence)
		assert.WithinDuration(t, time.Now().Add(2*time.Hour), *dedup.lastSilence, 5*time.Second)
	})
}

// --- Drainer tests ---

func drainerConfig() config.NotifierConfig {
	return config.NotifierConfig{
		Enabled:        true,
		BatchLimit:     10,
		LockTimeout:    5 * time.Minute,
		MaxAttempts:    5,
		BaseRetryDelay: time.Minute,
		SendInterval:   time.Millisecond,
	}
}

func claimedJob(id int64, chatID string) model.DeliveryJob {
	return model.DeliveryJob{
		ID:       id,
		EventKey: "SECURITY_x",
		ChatID:   chatID,
		Message:  "msg",
		Status:   model.JobProcessing,
	}
}

func TestDrain_SendsAndFinalizes(t *testing.T) {
	queue := newFakeQueue()
	queue.claimed = []model.DeliveryJob{claimedJob(1, "a"), claimedJob(2, "b")}
	snd := &fakeSender{configured: true}
	d := NewDrainer(drainerConfig(), queue, snd)

	sent, err := d.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []int64{1, 2}, queue.sent)
	assert.Empty(t, queue.failed)
}

func TestDrain_RetryableFailureIsRecorded(t *testing.T) {
	queue := newFakeQueue()
	queue.claimed = []model.DeliveryJob{claimedJob(1, "a"), claimedJob(2, "b")}
	snd := &fakeSender{
		configured: true,
		outcomes: map[string]sender.Outcome{
			"a": {Description: "too many requests", Retryable: true},
		},
	}
	d := NewDrainer(drainerConfig(), queue, snd)

	sent, err := d.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, queue.failed, 1)
	assert.Equal(t, int64(1), queue.failed[0].id)
	assert.True(t, queue.failed[0].retryable)
	assert.Equal(t, "too many requests", queue.failed[0].errMsg)
}

func TestDrain_NonRetryableFailure(t *testing.T) {
	queue := newFakeQueue()
	queue.claimed = []model.DeliveryJob{claimedJob(1, "blocked")}
	snd := &fakeSender{
		configured: true,
		outcomes: map[string]sender.Outcome{
			"blocked": {ErrorCode: 403, Description: "bot was blocked", Retryable: false},
		},
	}
	d := NewDrainer(drainerConfig(), queue, snd)

	sent, err := d.Drain(context.Background())

	require.NoError(t, err)
	assert.Zero(t, sent)
	require.Len(t, queue.failed, 1)
	assert.False(t, queue.failed[0].retryable)
}

func TestDrain_DisabledOrUnconfigured(t *testing.T) {
	queue := newFakeQueue()
	queue.claimed = []model.DeliveryJob{claimedJob(1, "a")}

	t.Run("disabled", func(t *testing.T) {
		cfg := drainerConfig()
		cfg.Enabled = false
		d := NewDrainer(cfg, queue, &fakeSender{configured: true})
		sent, err := d.Drain(context.Background())
		require.NoError(t, err)
		assert.Zero(t, sent)
	})

	t.Run("no token", func(t *testing.T) {
		d := NewDrainer(drainerConfig(), queue, &fakeSender{configured: false})
		sent, err := d.Drain(context.Background())
		require.NoError(t, err)
		assert.Zero(t, sent)
	})
}

func TestDrain_AlreadyFinalizedJobNotCountedAsSent(t *testing.T) {
	queue := newFakeQueue()
	queue.claimed = []model.DeliveryJob{claimedJob(1, "a"), claimedJob(2, "b")}
	queue.terminal = map[int64]bool{1: true}
	d := NewDrainer(drainerConfig(), queue, &fakeSender{configured: true})

	sent, err := d.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []int64{2}, queue.sent)
	assert.Empty(t, queue.failed)
}

func TestDrain_PanicInSenderBecomesRetryableFailure(t *testing.T) {
	queue := newFakeQueue()
	queue.claimed = []model.DeliveryJob{claimedJob(1, "a")}
	d := NewDrainer(drainerConfig(), queue, &fakeSender{configured: true, sendPanics: true})

	sent, err := d.Drain(context.Background())

	require.NoError(t, err)
	assert.Zero(t, sent)
	require.Len(t, queue.failed, 1)
	assert.True(t, queue.failed[0].retryable)
	assert.Contains(t, queue.failed[0].errMsg, "panic")
}

func TestDrain_BatchLimitRespected(t *testing.T) {
	queue := newFakeQueue()
	for i := int64(1); i <= 5; i++ {
		queue.claimed = append(queue.claimed, claimedJob(i, "a"))
	}
	cfg := drainerConfig()
	cfg.BatchLimit = 3
	d := NewDrainer(cfg, queue, &fakeSender{configured: true})

	sent, err := d.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, sent)
}

// --- Formatter tests ---

func TestFormatMessage(t *testing.T) {
	ev := model.AuditEvent{
		Type:        "SECURITY",
		ItemID:      "login-42",
		Description: "failed login attempt",
		Severity:    model.SeverityCritical,
		RemoteAddr:  "203.0.113.7",
		RequestURI:  "/admin/login",
		UserID:      1001,
		SiteID:      "s1",
		Timestamp:   time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC).Unix(),
	}

	msg := FormatMessage(ev)

	assert.True(t, strings.HasPrefix(msg, "🚨 *SECURITY*"))
	assert.Contains(t, msg, "CRITICAL")
	assert.Contains(t, msg, "failed login attempt")
	assert.Contains(t, msg, "Item: `login-42`")
	assert.Contains(t, msg, "URL: `/admin/login`")
	assert.Contains(t, msg, "IP: `203.0.113.7`")
	assert.Contains(t, msg, "User: `1001`")
	assert.Contains(t, msg, "Site: `s1`")
	assert.Contains(t, msg, "2026-02-01T12:00:00Z")
}

func TestFormatMessage_TruncatesDescription(t *testing.T) {
	ev := model.AuditEvent{
		Type:        "ERROR",
		Description: strings.Repeat("x", maxDescriptionLength+200),
	}

	msg := FormatMessage(ev)

	assert.Contains(t, msg, strings.Repeat("x", maxDescriptionLength)+"...")
	assert.NotContains(t, msg, strings.Repeat("x", maxDescriptionLength+1))
}

func TestFormatMessage_OmitsEmptyFields(t *testing.T) {
	ev := model.AuditEvent{Type: "MAIN", Description: "error occurred"}

	msg := FormatMessage(ev)

	assert.NotContains(t, msg, "Item:")
	assert.NotContains(t, msg, "URL:")
	assert.NotContains(t, msg, "IP:")
	assert.NotContains(t, msg, "User:")
	assert.NotContains(t, msg, "Site:")
}
