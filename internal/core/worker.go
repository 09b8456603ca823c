package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Popie52/notifyqueue/internal/clock"
	"github.com/Popie52/notifyqueue/internal/mailer"
	"github.com/Popie52/notifyqueue/internal/metrics"
	"github.com/Popie52/notifyqueue/internal/model"
	"github.com/Popie52/notifyqueue/internal/queue"
)

const (
	DefaultPollInterval  = time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultSendTimeout   = 30 * time.Second
)

type WorkerConfig struct {
	Backoff Backoff

	// SendTimeout bounds one Mailer.Send call. Zero means no bound.
	SendTimeout time.Duration
	// PollInterval is the longest a worker idles before checking the queue again.
	PollInterval time.Duration
	// SweepInterval is how often a worker reclaims jobs with an expired lease.
	SweepInterval time.Duration

	// Limiter paces sends across every worker sharing it. A token is taken
	// before a job is claimed, so waiting for one never eats into SendTimeout
	// or the lease. Nil means unlimited.
	Limiter *rate.Limiter

	Clock   clock.Clocker
	Metrics metrics.MetricsFn
	Logger  *slog.Logger
}

func (c *WorkerConfig) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Discard{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type Worker struct {
	name   string
	queue  *queue.Queue
	mailer mailer.Mailer
	cfg    WorkerConfig
	log    *slog.Logger

	lastSweep time.Time
}

func NewWorker(name string, q *queue.Queue, m mailer.Mailer, cfg WorkerConfig) *Worker {
	cfg.withDefaults()
	return &Worker{
		name:   name,
		queue:  q,
		mailer: m,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "worker", "worker", name),
	}
}

func (w *Worker) Name() string { return w.name }

// Run claims and processes jobs until ctx is cancelled or the queue is closed.
// A job already claimed when ctx is cancelled is still settled.
func (w *Worker) Run(ctx context.Context) {
	w.cfg.Metrics.IncActiveWorkers()
	defer w.cfg.Metrics.DecActiveWorkers()

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()

	w.log.Debug("worker started")
	defer w.log.Debug("worker stopped")

	// An idle worker keeps its unused token instead of taking one per poll.
	var token bool
	for {
		if ctx.Err() != nil {
			return
		}
		w.sweep(ctx)

		if !token {
			if err := w.throttle(ctx); err != nil {
				return
			}
			token = true
		}

		// Taken before Claim so a push between Claim and select is not missed.
		wake := w.queue.Ready()

		job, ok, err := w.queue.Claim(ctx, w.name, w.cfg.Clock.Now())
		switch {
		case errors.Is(err, queue.ErrQueueClosed):
			return
		case err != nil:
			w.log.Error("claim failed", "error", err)
		case ok:
			token = false
			w.process(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-poll.C:
		}
	}
}

// NewLimiter allows perSecond sends with bursts of burst. It returns nil, meaning
// unlimited, when perSecond is not positive.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// throttle blocks until the limiter grants a send. It fails only when ctx ends.
func (w *Worker) throttle(ctx context.Context) error {
	if w.cfg.Limiter == nil {
		return nil
	}
	return w.cfg.Limiter.Wait(ctx)
}

func (w *Worker) sweep(ctx context.Context) {
	now := w.cfg.Clock.Now()
	if !w.lastSweep.IsZero() && now.Sub(w.lastSweep) < w.cfg.SweepInterval {
		return
	}
	w.lastSweep = now

	if _, err := w.queue.ReclaimExpired(ctx, now); err != nil {
		w.log.Error("lease sweep failed", "error", err)
	}
}

func (w *Worker) process(ctx context.Context, job model.Job) {
	log := w.log.With("job_id", job.ID, "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts)
	log.Debug("processing job")

	// Settling must survive shutdown, so the job is worked on a context that
	// ignores ctx's cancellation.
	workCtx := context.WithoutCancel(ctx)
	sendCtx, cancel := workCtx, context.CancelFunc(func() {})
	if w.cfg.SendTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(workCtx, w.cfg.SendTimeout)
	}

	start := time.Now()
	err := w.send(sendCtx, job.Notification)
	cancel()
	w.cfg.Metrics.ObserveSend(time.Since(start))

	if serr := w.settle(workCtx, job, err, log); serr != nil {
		if errors.Is(serr, queue.ErrLeaseLost) {
			log.Warn("lease lost while sending, result discarded", "send_error", err)
			return
		}
		// The job stays running and is reclaimed once its lease expires.
		log.Error("settle failed", "error", serr, "send_error", err)
	}
}

// send shields the loop from a panicking Mailer; a panic counts as a transient failure.
func (w *Worker) send(ctx context.Context, n model.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = mailer.Transient(fmt.Errorf("mailer panic: %v", r))
		}
	}()
	return w.mailer.Send(ctx, n)
}

func (w *Worker) settle(ctx context.Context, job model.Job, sendErr error, log *slog.Logger) error {
	if sendErr == nil {
		if err := w.queue.Ack(ctx, job); err != nil {
			return err
		}
		log.Info("notification delivered", "recipient", job.Notification.Recipient)
		return nil
	}

	w.cfg.Metrics.IncJobsFailed()

	if mailer.IsPermanent(sendErr) {
		if err := w.queue.DeadLetter(ctx, job, sendErr); err != nil {
			return err
		}
		log.Warn("permanent failure, dead-lettered", "error", sendErr)
		return nil
	}

	if job.Attempts+1 < job.MaxAttempts {
		delay := w.cfg.Backoff.Delay(job.Attempts)
		if err := w.queue.Requeue(ctx, job, delay, sendErr); err != nil {
			return err
		}
		log.Info("transient failure, retry scheduled", "error", sendErr, "delay", delay)
		return nil
	}

	if err := w.queue.DeadLetter(ctx, job, sendErr); err != nil {
		return err
	}
	log.Warn("attempts exhausted, dead-lettered", "error", sendErr)
	return nil
}
