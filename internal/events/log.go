package events

import (
	"context"
	"log/slog"
)

// Log writes every event to a structured logger at debug level.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log.With("component", "events")}
}

func (l *Log) Publish(ctx context.Context, e Event) error {
	l.log.DebugContext(ctx, "job event",
		"kind", e.Kind,
		"job_id", e.JobID,
		"state", e.State,
		"attempts", e.Attempts,
		"worker", e.Worker,
	)
	return nil
}

func (l *Log) Close() error { return nil }
