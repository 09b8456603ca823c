// Package queue holds pending and running notification jobs and arbitrates
// which worker owns a job at any moment.
//
// Every mutation is persisted to a store.JobStore before the in-memory state
// changes, so a failed write leaves the queue exactly as it was.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Popie52/notifyqueue/internal/clock"
	"github.com/Popie52/notifyqueue/internal/metrics"
	"github.com/Popie52/notifyqueue/internal/model"
	"github.com/Popie52/notifyqueue/internal/store"
)

var (
	ErrQueueClosed          = errors.New("queue closed")
	ErrQueueFull            = errors.New("queue full")
	ErrDuplicateJob         = errors.New("job already queued")
	ErrJobNotFound          = errors.New("job not found")
	ErrJobRunning           = errors.New("job is running")
	ErrJobFinished          = errors.New("job already finished")
	ErrLeaseLost            = errors.New("lease lost")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

const (
	DefaultLeaseTimeout = 30 * time.Second
	DefaultHistory      = 1024
)

type Option func(*Queue)

func WithStore(s store.JobStore) Option      { return func(q *Queue) { q.store = s } }
func WithClock(c clock.Clocker) Option       { return func(q *Queue) { q.clock = c } }
func WithMetrics(m metrics.MetricsFn) Option { return func(q *Queue) { q.metrics = m } }
func WithLogger(l *slog.Logger) Option       { return func(q *Queue) { q.log = l } }

// WithLeaseTimeout sets how long a running job may go without an update
// before ReclaimExpired hands it back to the pending set. Non-positive values
// keep DefaultLeaseTimeout.
func WithLeaseTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTimeout = d
		}
	}
}

// WithCapacity bounds pending+running jobs. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithHistory sets how many succeeded jobs stay visible to Get. Zero disables it.
func WithHistory(n int) Option {
	return func(q *Queue) { q.history = newHistory(n) }
}

// WithObserver registers fn to receive every transition. Observers run on the
// goroutine that caused the transition, after the queue lock is released.
func WithObserver(fn func(Transition)) Option {
	return func(q *Queue) { q.observers = append(q.observers, fn) }
}

type Queue struct {
	mu sync.Mutex

	ready   jobHeap
	delayed jobHeap
	live    map[model.JobID]*entry
	running map[model.JobID]*entry
	dead    map[model.JobID]model.Job
	history *history

	seq    uint64
	wake   chan struct{}
	closed bool

	store        store.JobStore
	clock        clock.Clocker
	metrics      metrics.MetricsFn
	log          *slog.Logger
	leaseTimeout time.Duration
	capacity     int
	observers    []func(Transition)
}

func New(opts ...Option) *Queue {
	q := &Queue{
		ready:        jobHeap{kind: inReady, less: byCreation},
		delayed:      jobHeap{kind: inDelayed, less: byRunAt},
		live:         make(map[model.JobID]*entry),
		running:      make(map[model.JobID]*entry),
		dead:         make(map[model.JobID]model.Job),
		history:      newHistory(DefaultHistory),
		wake:         make(chan struct{}),
		store:        store.Nop{},
		clock:        clock.New(),
		metrics:      metrics.Discard{},
		log:          slog.Default(),
		leaseTimeout: DefaultLeaseTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("component", "queue")
	return q
}

// Push admits a new pending job and assigns its sequence number. Failures are
// reported as *model.QueueUnavailableError.
func (q *Queue) Push(ctx context.Context, job model.Job) error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return &model.QueueUnavailableError{Err: ErrQueueClosed}
	}
	if _, ok := q.live[job.ID]; ok {
		q.mu.Unlock()
		return ErrDuplicateJob
	}
	if q.capacity > 0 && len(q.live) >= q.capacity {
		q.mu.Unlock()
		return &model.QueueUnavailableError{Err: ErrQueueFull}
	}

	now := q.clock.Now()
	q.seq++
	job.Seq = q.seq
	job.State = model.StatePending
	job.Lease = ""
	job.Worker = ""
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	job.UpdatedAt = now

	if err := q.store.Save(ctx, &job); err != nil {
		q.seq--
		q.mu.Unlock()
		return &model.QueueUnavailableError{Err: fmt.Errorf("persist job %s: %w", job.ID, err)}
	}

	e := &entry{job: job, index: -1}
	q.live[job.ID] = e
	heap.Push(&q.delayed, e)

	q.metrics.IncJobsSubmitted()
	q.metrics.IncQueueDepth()
	q.signal()
	q.mu.Unlock()

	q.emit(Transition{Kind: Enqueued, Job: job})
	return nil
}

// PopReady claims the earliest-created pending job eligible at now on behalf of
// an anonymous worker. See Claim.
func (q *Queue) PopReady(ctx context.Context, now time.Time) (model.Job, bool, error) {
	return q.Claim(ctx, "", now)
}

// Claim marks the earliest-created job whose NextRunAt <= now as running and
// returns it with a fresh lease. ok is false when nothing is eligible.
//
// now is expected not to go backwards between calls.
func (q *Queue) Claim(ctx context.Context, worker string, now time.Time) (model.Job, bool, error) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return model.Job{}, false, ErrQueueClosed
	}

	for e := q.delayed.peek(); e != nil && !e.job.NextRunAt.After(now); e = q.delayed.peek() {
		heap.Pop(&q.delayed)
		heap.Push(&q.ready, e)
	}

	if q.ready.Len() == 0 {
		q.mu.Unlock()
		return model.Job{}, false, nil
	}

	e := heap.Pop(&q.ready).(*entry)

	next := e.job
	next.State = model.StateRunning
	next.Lease = uuid.NewString()
	next.Worker = worker
	next.UpdatedAt = now

	if err := q.store.Save(ctx, &next); err != nil {
		heap.Push(&q.ready, e)
		q.mu.Unlock()
		return model.Job{}, false, fmt.Errorf("persist claim %s: %w", next.ID, err)
	}

	e.job = next
	q.running[next.ID] = e

	q.metrics.DecQueueDepth()
	q.metrics.IncInflight()
	q.mu.Unlock()

	q.emit(Transition{Kind: Claimed, Job: next})
	return next, true, nil
}

// held returns the entry for j if the caller's lease is still current.
// Caller holds q.mu.
func (q *Queue) held(j model.Job) (*entry, error) {
	e, ok := q.running[j.ID]
	if !ok || e.job.Lease == "" || e.job.Lease != j.Lease {
		return nil, fmt.Errorf("%w: job %s", ErrLeaseLost, j.ID)
	}
	return e, nil
}

// Ack records a successful attempt and removes the job from the live set.
func (q *Queue) Ack(ctx context.Context, j model.Job) error {
	q.mu.Lock()

	e, err := q.held(j)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	done := e.job
	done.Attempts++
	done.State = model.StateSucceeded
	done.UpdatedAt = q.clock.Now()
	done.Lease = ""

	if err := q.store.Remove(ctx, done.ID); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("remove job %s: %w", done.ID, err)
	}

	delete(q.running, done.ID)
	delete(q.live, done.ID)
	q.history.add(done)

	q.metrics.IncJobsCompleted()
	q.metrics.DecInflight()
	q.mu.Unlock()

	q.emit(Transition{Kind: Succeeded, Job: done})
	return nil
}

// Requeue records a failed attempt and schedules the job again after delay.
// It refuses when the next attempt would exceed MaxAttempts; the caller must
// dead-letter instead.
func (q *Queue) Requeue(ctx context.Context, j model.Job, delay time.Duration, cause error) error {
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()

	e, err := q.held(j)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if e.job.Attempts+1 >= e.job.MaxAttempts {
		q.mu.Unlock()
		return fmt.Errorf("%w: job %s after %d attempts", ErrRetryBudgetExhausted, j.ID, e.job.Attempts+1)
	}

	now := q.clock.Now()
	next := e.job
	next.Attempts++
	next.State = model.StatePending
	next.NextRunAt = now.Add(delay)
	next.UpdatedAt = now
	next.Lease = ""
	next.Worker = ""
	if cause != nil {
		next.LastError = cause.Error()
	}

	if err := q.store.Save(ctx, &next); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("persist retry %s: %w", next.ID, err)
	}

	e.job = next
	delete(q.running, next.ID)
	heap.Push(&q.delayed, e)

	q.metrics.IncJobsRetries()
	q.metrics.DecInflight()
	q.metrics.IncQueueDepth()
	q.signal()
	q.mu.Unlock()

	failed := next
	failed.State = model.StateFailed
	q.emit(Transition{Kind: Retried, Job: failed})
	return nil
}

// DeadLetter records the final attempt and parks the job for inspection. It is
// never retried.
func (q *Queue) DeadLetter(ctx context.Context, j model.Job, cause error) error {
	q.mu.Lock()

	e, err := q.held(j)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	next := e.job
	if next.Attempts < next.MaxAttempts {
		next.Attempts++
	}
	next.State = model.StateDeadLettered
	next.UpdatedAt = q.clock.Now()
	next.Lease = ""
	if cause != nil {
		next.LastError = cause.Error()
	}

	if err := q.store.Save(ctx, &next); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("persist dead letter %s: %w", next.ID, err)
	}

	delete(q.running, next.ID)
	delete(q.live, next.ID)
	q.dead[next.ID] = next

	q.metrics.IncJobsDead()
	q.metrics.DecInflight()
	q.mu.Unlock()

	q.emit(Transition{Kind: DeadLettered, Job: next})
	return nil
}

// Cancel drops a pending job. Running jobs cannot be cancelled; they finish or
// are reclaimed.
func (q *Queue) Cancel(ctx context.Context, id model.JobID) error {
	q.mu.Lock()

	e, ok := q.live[id]
	if !ok {
		_, isDead := q.dead[id]
		_, isDone := q.history.get(id)
		q.mu.Unlock()
		if isDead || isDone {
			return fmt.Errorf("%w: %s", ErrJobFinished, id)
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.job.State == model.StateRunning {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobRunning, id)
	}

	if err := q.store.Remove(ctx, id); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("remove job %s: %w", id, err)
	}

	switch e.where {
	case inReady:
		heap.Remove(&q.ready, e.index)
	case inDelayed:
		heap.Remove(&q.delayed, e.index)
	}
	delete(q.live, id)

	q.metrics.IncJobsCancelled()
	q.metrics.DecQueueDepth()
	q.mu.Unlock()

	q.emit(Transition{Kind: Cancelled, Job: e.job})
	return nil
}

// ReclaimExpired returns running jobs whose lease ran out to the pending set,
// eligible immediately. Attempts are left untouched: the attempt never
// finished. It returns how many jobs were reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()

	var (
		reclaimed []Transition
		errs      []error
	)
	for id, e := range q.running {
		if !e.job.LeaseExpired(now, q.leaseTimeout) {
			continue
		}

		next := e.job
		next.State = model.StatePending
		next.NextRunAt = now
		next.UpdatedAt = now
		next.Lease = ""
		next.Worker = ""

		if err := q.store.Save(ctx, &next); err != nil {
			errs = append(errs, fmt.Errorf("persist reclaim %s: %w", id, err))
			continue
		}

		e.job = next
		delete(q.running, id)
		heap.Push(&q.delayed, e)

		q.metrics.IncJobsReclaimed()
		q.metrics.DecInflight()
		q.metrics.IncQueueDepth()
		reclaimed = append(reclaimed, Transition{Kind: Reclaimed, Job: next})
	}
	if len(reclaimed) > 0 {
		q.signal()
	}
	q.mu.Unlock()

	if len(reclaimed) > 0 {
		q.log.Warn("reclaimed jobs with expired lease", "count", len(reclaimed), "lease_timeout", q.leaseTimeout)
	}
	q.emit(reclaimed...)
	return len(reclaimed), errors.Join(errs...)
}

// Restore loads persisted jobs. Pending jobs keep their schedule, running jobs
// lost their owner with the previous process and become pending again, dead
// letters are retained. Call it before any worker starts.
func (q *Queue) Restore(ctx context.Context) error {
	jobs, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var pending, running, dead int
	for _, j := range jobs {
		if j.Seq > q.seq {
			q.seq = j.Seq
		}
		if _, ok := q.live[j.ID]; ok {
			continue
		}

		switch j.State {
		case model.StateDeadLettered:
			q.dead[j.ID] = *j
			dead++
			continue
		case model.StateRunning:
			j.State = model.StatePending
			j.NextRunAt = now
			j.UpdatedAt = now
			j.Lease = ""
			j.Worker = ""
			if err := q.store.Save(ctx, j); err != nil {
				return fmt.Errorf("persist restored job %s: %w", j.ID, err)
			}
			running++
		case model.StatePending:
			pending++
		default:
			q.log.Warn("skipping stored job in unexpected state", "job_id", j.ID, "state", j.State)
			continue
		}

		e := &entry{job: *j, index: -1}
		q.live[j.ID] = e
		heap.Push(&q.delayed, e)
		q.metrics.IncQueueDepth()
	}
	q.signal()

	q.log.Info("restored jobs", "pending", pending, "recovered_running", running, "dead_lettered", dead)
	return nil
}

// Get returns the latest known snapshot of a job, including recently succeeded
// and dead-lettered ones.
func (q *Queue) Get(id model.JobID) (model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.live[id]; ok {
		return e.job, true
	}
	if j, ok := q.dead[id]; ok {
		return j, true
	}
	return q.history.get(id)
}

// DeadLetters lists dead-lettered jobs in submission order.
func (q *Queue) DeadLetters() []model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.Job, 0, len(q.dead))
	for _, j := range q.dead {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len reports pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

// Running reports jobs currently held by workers.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

func (q *Queue) LeaseTimeout() time.Duration { return q.leaseTimeout }

// Ready returns a channel closed the next time a job may have become
// claimable. Every waiter observes the close.
func (q *Queue) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

// Close stops admitting and handing out jobs. Holders may still Ack, Requeue or
// DeadLetter what they own.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal()
}

// signal wakes all waiters. Caller holds q.mu.
func (q *Queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) emit(ts ...Transition) {
	for _, t := range ts {
		for _, fn := range q.observers {
			fn(t)
		}
	}
}
