// Package notify delivers outbound messages: the Telegram sink behind
// the abstract Notifier, and the health-ping dedup for operational
// failures.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/domain"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig holds the Bot API credentials
type TelegramConfig struct {
	BotToken string
	ChatID   string
	BaseURL  string // Overridable for tests
	Timeout  time.Duration
}

// Telegram implements domain.Notifier over the Bot API. Delivery is
// best-effort: callers treat Send errors as non-fatal.
type Telegram struct {
	http   *resty.Client
	token  string
	chatID string
	log    zerolog.Logger
}

// NewTelegram creates the sink
func NewTelegram(cfg TelegramConfig, log zerolog.Logger) *Telegram {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})

	return &Telegram{
		http:   httpClient,
		token:  cfg.BotToken,
		chatID: cfg.ChatID,
		log:    log.With().Str("component", "telegram").Logger(),
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send implements domain.Notifier
func (t *Telegram) Send(ctx context.Context, payload domain.NotificationPayload) error {
	var out telegramResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": t.chatID,
			"text":    payload.Text,
		}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram rejected message: status %d: %s", resp.StatusCode(), out.Description)
	}

	t.log.Debug().Int("chars", len(payload.Text)).Msg("Notification delivered")
	return nil
}
