package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Popie52/notifyqueue/internal/queue"
)

const (
	DefaultRelayBuffer  = 256
	DefaultPublishLimit = 5 * time.Second
)

// Relay hands transitions from queue observers to a Publisher on its own
// goroutine. A full buffer drops the event instead of stalling the queue.
type Relay struct {
	pub Publisher
	ch  chan Event
	log *slog.Logger

	// mu orders enqueues against stop so the final drain sees every
	// accepted event.
	mu      sync.Mutex
	stopped bool
	dropped atomic.Uint64
}

func NewRelay(pub Publisher, buffer int, log *slog.Logger) *Relay {
	if buffer <= 0 {
		buffer = DefaultRelayBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		pub:  pub,
		ch:   make(chan Event, buffer),
		log:  log.With("component", "events"),
	}
}

// Observe is suitable for queue.WithObserver. Events observed after the relay
// stopped are dropped.
func (r *Relay) Observe(t queue.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- FromTransition(t):
	default:
		n := r.dropped.Add(1)
		r.log.Warn("event buffer full, dropping event", "kind", t.Kind, "job_id", t.Job.ID, "dropped_total", n)
	}
}

// Dropped reports how many events were discarded, either because the buffer
// was full or because the relay had stopped.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

// Run publishes buffered events until ctx is done, then publishes what is
// still buffered and closes the Publisher. Call it once.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.ch:
			r.publish(ctx, e)
		case <-ctx.Done():
			r.mu.Lock()
			r.stopped = true
			r.mu.Unlock()

			r.drain()
			if err := r.pub.Close(); err != nil {
				r.log.Error("close publisher", "error", err)
			}
			return
		}
	}
}

func (r *Relay) drain() {
	ctx := context.Background()
	for {
		select {
		case e := <-r.ch:
			r.publish(ctx, e)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultPublishLimit)
	defer cancel()

	if err := r.pub.Publish(ctx, e); err != nil {
		r.log.Error("publish event", "kind", e.Kind, "job_id", e.JobID, "error", err)
	}
}
