// Package events publishes job lifecycle transitions to external subscribers.
package events

import (
	"context"
	"time"

	"github.com/Popie52/notifyqueue/internal/model"
	"github.com/Popie52/notifyqueue/internal/queue"
)

const DefaultPrefix = "notifyqueue"

// Event is the wire form of a queue.Transition.
type Event struct {
	Kind           queue.Kind  `json:"kind"`
	JobID          model.JobID `json:"job_id"`
	NotificationID string      `json:"notification_id"`
	Recipient      string      `json:"recipient"`
	State          model.State `json:"state"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	Worker         string      `json:"worker,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	NextRunAt      time.Time   `json:"next_run_at"`
	At             time.Time   `json:"at"`
}

func FromTransition(t queue.Transition) Event {
	return Event{
		Kind:           t.Kind,
		JobID:          t.Job.ID,
		NotificationID: t.Job.Notification.ID,
		Recipient:      t.Job.Notification.Recipient,
		State:          t.Job.State,
		Attempts:       t.Job.Attempts,
		MaxAttempts:    t.Job.MaxAttempts,
		Worker:         t.Job.Worker,
		LastError:      t.Job.LastError,
		NextRunAt:      t.Job.NextRunAt,
		At:             t.Job.UpdatedAt,
	}
}

// Subject is the routing key for kind under prefix, e.g. "notifyqueue.job.succeeded".
func Subject(prefix string, kind queue.Kind) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".job." + string(kind)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
