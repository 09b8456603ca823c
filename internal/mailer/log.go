package mailer

import (
	"context"
	"log/slog"

	"github.com/Popie52/notifyqueue/internal/model"
)

// Log writes notifications to a logger instead of delivering them.
type Log struct {
	log *slog.Logger
}

var _ Mailer = (*Log)(nil)

func NewLog(l *slog.Logger) *Log {
	if l == nil {
		l = slog.Default()
	}
	return &Log{log: l.With("component", "mailer.log")}
}

func (m *Log) Send(ctx context.Context, n model.Notification) error {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	m.log.InfoContext(ctx, "mail delivered",
		"notification_id", n.ID,
		"recipient", n.Recipient,
		"subject", n.Subject,
		"body_bytes", len(n.Body),
	)
	return nil
}
