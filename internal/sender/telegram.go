package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/apperrors"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/config"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/observer"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
)

// Telegram caps message text at 4096 characters.
const maxMessageLength = 4096

// Outcome is the result of one delivery attempt. Retryable tells the queue
// whether the attempt may be rescheduled.
type Outcome struct {
	OK          bool
	ErrorCode   int
	Description string
	Retryable   bool
}

// Sender delivers rendered messages to a chat endpoint.
type Sender interface {
	Send(ctx context.Context, chatID, text string) Outcome
	SendToMany(ctx context.Context, chatIDs []string, text string) map[string]Outcome
	TestConnection(ctx context.Context) error
	Configured() bool
}

// TelegramSender talks to the Telegram Bot API over plain HTTP.
type TelegramSender struct {
	token      string
	apiBaseURL string
	client     *http.Client
	limiter    *rate.Limiter
}

// NewTelegramSender builds a sender from the notifier configuration. The rate
// limiter paces multi-chat fan-out to one request per SendInterval.
func NewTelegramSender(cfg config.NotifierConfig) *TelegramSender {
	interval := cfg.SendInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TelegramSender{
		token:      cfg.BotToken,
		apiBaseURL: cfg.APIBaseURL,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Configured reports whether a bot token is present.
func (s *TelegramSender) Configured() bool {
	return s.token != ""
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

// Send delivers one message to one chat. Messages over the Telegram length
// limit are truncated with a trailing ellipsis rather than rejected.
func (s *TelegramSender) Send(ctx context.Context, chatID, text string) Outcome {
	if !s.Configured() {
		return Outcome{Description: "bot token not configured", Retryable: false}
	}

	start := time.Now()
	outcome := s.doSend(ctx, chatID, truncate(text))

	var sendErr error
	if !outcome.OK {
		sendErr = fmt.Errorf("telegram send failed: %s", outcome.Description)
	}
	observer.ObserveSendDuration(time.Since(start), sendErr)

	return outcome
}

func (s *TelegramSender) doSend(ctx context.Context, chatID, text string) Outcome {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return Outcome{Description: fmt.Sprintf("marshal request: %v", err), Retryable: false}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBaseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Description: fmt.Sprintf("build request: %v", err), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Network level failures are always worth a retry.
		return Outcome{Description: fmt.Sprintf("http request: %v", err), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{Description: fmt.Sprintf("read response: %v", err), Retryable: true}
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Outcome{
			ErrorCode:   resp.StatusCode,
			Description: fmt.Sprintf("unexpected response (status %d): %v", resp.StatusCode, err),
			Retryable:   resp.StatusCode >= 500,
		}
	}

	if apiResp.OK {
		return Outcome{OK: true}
	}

	code := apiResp.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}
	return Outcome{
		ErrorCode:   code,
		Description: apiResp.Description,
		Retryable:   isRetryableCode(code),
	}
}

// SendToMany fans one message out to several chats, pacing requests through
// the rate limiter. One chat failing does not stop the rest.
func (s *TelegramSender) SendToMany(ctx context.Context, chatIDs []string, text string) map[string]Outcome {
	results := make(map[string]Outcome, len(chatIDs))
	for _, chatID := range chatIDs {
		if err := s.limiter.Wait(ctx); err != nil {
			results[chatID] = Outcome{Description: fmt.Sprintf("rate limiter: %v", err), Retryable: true}
			continue
		}
		outcome := s.Send(ctx, chatID, text)
		results[chatID] = outcome
		if !outcome.OK {
			logger.FromContext(ctx).Warn("Telegram send failed",
				zap.String("chat_id", chatID),
				zap.Int("error_code", outcome.ErrorCode),
				zap.String("description", outcome.Description))
		}
	}
	return results
}

// TestConnection calls getMe to verify the token against the live API.
func (s *TelegramSender) TestConnection(ctx context.Context) error {
	if !s.Configured() {
		return apperrors.NewPermanent(apperrors.ErrConfiguration, "bot token not configured")
	}

	url := fmt.Sprintf("%s/bot%s/getMe", s.apiBaseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build getMe request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("getMe request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read getMe response: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return fmt.Errorf("decode getMe response (status %d): %w", resp.StatusCode, err)
	}
	if !apiResp.OK {
		return apperrors.NewPermanent(apperrors.ErrUnauthorized, "getMe rejected: %s (code %d)", apiResp.Description, apiResp.ErrorCode)
	}
	return nil
}

// isRetryableCode classifies Telegram API error codes. Bad requests and auth
// failures will never succeed on retry; everything else (429, 5xx) might.
func isRetryableCode(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false
	default:
		return true
	}
}

// truncate enforces the Telegram message length cap, counting runes so a
// multibyte description never splits mid-character.
func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxMessageLength {
		return text
	}
	return string(runes[:maxMessageLength-3]) + "..."
}
