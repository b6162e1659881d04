package pipeline

import (
	"context"
	"log/slog"

	"github.com/claimflow/claimflow/internal/config"
	"github.com/claimflow/claimflow/internal/event"
	"github.com/claimflow/claimflow/internal/notify"
)

// Notification turns a validation-completed event into one notification.
type Notification struct {
	cfg      *config.Config
	notifier Notifier
	logger   *slog.Logger
}

func NewNotification(cfg *config.Config, notifier Notifier, logger *slog.Logger) *Notification {
	return &Notification{cfg: cfg, notifier: notifier, logger: logger.With("stage", config.StageNotification)}
}

func (n *Notification) Handle(ctx context.Context, payload []byte) error {
	_, err := n.Notify(ctx, payload)
	return err
}

// Notify publishes the notification for one domain event and returns the
// publisher's message id. It publishes at most once per call.
func (n *Notification) Notify(ctx context.Context, payload []byte) (string, error) {
	if err := n.cfg.Require(config.StageNotification); err != nil {
		return "", err
	}
	e, err := event.ParseDomainEvent(payload)
	if err != nil {
		return "", err
	}
	log := n.logger.With("invocation_id", e.InvocationID())

	m, err := notify.NewMessage(e.Detail)
	if err != nil {
		return "", err
	}
	id, err := n.notifier.Publish(ctx, m)
	if err != nil {
		log.Error("publish notification failed", "error", err)
		return "", err
	}
	log.Info("notification published", "message_id", id)
	return id, nil
}
