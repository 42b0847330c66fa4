// Package notify provides Notifier implementations for internal/alerts (C7).
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram posts alert-rule firings to a single Telegram chat. It satisfies
// alerts.Notifier without importing internal/alerts, the way
// alerts.BreakerView keeps runtimepool out of alerts' imports.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram dials the Telegram bot API with token and targets chatID for
// every alert notification.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram init: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

// Notify sends one message formatted as "[ruleType] message" to the
// configured chat. It never returns an error to the caller — a delivery
// failure is logged, since a dead notification channel must not block the
// alert tick that triggered it.
func (t *Telegram) Notify(ctx context.Context, ruleType, message string) error {
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(ruleType, message))
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("notify_telegram_send_failed", "rule_type", ruleType, "error", err)
	}
	return nil
}

func formatAlert(ruleType, message string) string {
	return fmt.Sprintf("[%s] %s", ruleType, message)
}
