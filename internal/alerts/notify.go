package alerts

import (
	"context"
	"log/slog"
)

// LogNotifier is the default Notifier: it logs the firing and does nothing
// else. internal/notify.Telegram is the optional richer implementation.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, ruleType, message string) error {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Warn("alert_rule_fired", "rule_type", ruleType, "message", message)
	return nil
}
