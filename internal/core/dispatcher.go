package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Popie52/notifyqueue/internal/clock"
	"github.com/Popie52/notifyqueue/internal/model"
	"github.com/Popie52/notifyqueue/internal/queue"
)

const DefaultMaxAttempts = 5

// Dispatcher turns submissions into queued jobs. Every accepted call enqueues
// exactly one new job; identical submissions are not merged.
type Dispatcher struct {
	queue       *queue.Queue
	validate    *validator.Validate
	clock       clock.Clocker
	maxAttempts int
	log         *slog.Logger
}

type submission struct {
	Recipient string `json:"recipient" validate:"required"`
	Subject   string `json:"subject" validate:"required"`
}

func NewDispatcher(q *queue.Queue, maxAttempts int, c clock.Clocker, log *slog.Logger) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if c == nil {
		c = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})

	return &Dispatcher{
		queue:       q,
		validate:    v,
		clock:       c,
		maxAttempts: maxAttempts,
		log:         log.With("component", "dispatcher"),
	}
}

type SubmitOption func(*model.Job)

// WithMaxAttempts overrides the configured attempt budget for one submission.
func WithMaxAttempts(n int) SubmitOption {
	return func(j *model.Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

func (d *Dispatcher) Submit(ctx context.Context, recipient, subject, body string, opts ...SubmitOption) (model.JobID, error) {
	return d.SubmitNotification(ctx, model.Notification{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	}, opts...)
}

// SubmitNotification validates n and enqueues it as a new pending job.
// It returns *model.ValidationError or *model.QueueUnavailableError; nothing is
// enqueued in either case.
func (d *Dispatcher) SubmitNotification(ctx context.Context, n model.Notification, opts ...SubmitOption) (model.JobID, error) {
	n.Recipient = strings.TrimSpace(n.Recipient)
	n.Subject = strings.TrimSpace(n.Subject)

	if err := d.check(n); err != nil {
		return "", err
	}

	now := d.clock.Now()
	if n.ID == "" {
		n.ID = newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	job := model.Job{
		ID:           model.JobID(newID()),
		Notification: n,
		Attempts:     0,
		MaxAttempts:  d.maxAttempts,
		NextRunAt:    now,
		State:        model.StatePending,
		CreatedAt:    now,
	}
	for _, opt := range opts {
		opt(&job)
	}

	if err := d.queue.Push(ctx, job); err != nil {
		if !model.IsQueueUnavailable(err) {
			err = &model.QueueUnavailableError{Err: err}
		}
		d.log.ErrorContext(ctx, "submit rejected", "job_id", job.ID, "error", err)
		return "", err
	}

	d.log.DebugContext(ctx, "job submitted", "job_id", job.ID, "max_attempts", job.MaxAttempts)
	return job.ID, nil
}

func (d *Dispatcher) check(n model.Notification) error {
	err := d.validate.Struct(submission{Recipient: n.Recipient, Subject: n.Subject})
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate submission: %w", err)
	}

	ve := model.NewValidationError()
	for _, fe := range fieldErrs {
		ve.Fields[fe.Field()] = "is " + fe.Tag()
	}
	return ve
}

// Cancel removes a pending job. Running jobs return queue.ErrJobRunning.
func (d *Dispatcher) Cancel(ctx context.Context, id model.JobID) error {
	return d.queue.Cancel(ctx, id)
}

// Status returns the latest snapshot of a job.
func (d *Dispatcher) Status(id model.JobID) (model.Job, error) {
	j, ok := d.queue.Get(id)
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	return j, nil
}

func (d *Dispatcher) DeadLetters() []model.Job {
	return d.queue.DeadLetters()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
