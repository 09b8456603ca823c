package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// OTel records the same measurements as Metrics through an OpenTelemetry meter.
type OTel struct {
	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	dead      metric.Int64Counter
	retries   metric.Int64Counter
	reclaimed metric.Int64Counter
	cancelled metric.Int64Counter

	queueDepth metric.Int64UpDownCounter
	inflight   metric.Int64UpDownCounter
	workers    metric.Int64UpDownCounter

	sendDuration metric.Float64Histogram
}

var _ MetricsFn = (*OTel)(nil)

func NewOTel(meter metric.Meter) (*OTel, error) {
	var (
		o   OTel
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.submitted, "notifyqueue.jobs.submitted", "Jobs accepted by the queue."},
		{&o.completed, "notifyqueue.jobs.completed", "Jobs delivered successfully."},
		{&o.failed, "notifyqueue.jobs.failed", "Delivery attempts that returned an error."},
		{&o.dead, "notifyqueue.jobs.dead_lettered", "Jobs moved to the dead-letter set."},
		{&o.retries, "notifyqueue.jobs.retries", "Jobs rescheduled after a failed attempt."},
		{&o.reclaimed, "notifyqueue.jobs.reclaimed", "Running jobs reclaimed after lease expiry."},
		{&o.cancelled, "notifyqueue.jobs.cancelled", "Pending jobs cancelled."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&o.queueDepth, "notifyqueue.queue.depth", "Pending jobs."},
		{&o.inflight, "notifyqueue.queue.inflight", "Running jobs."},
		{&o.workers, "notifyqueue.workers.active", "Running workers."},
	}
	for _, g := range gauges {
		if *g.dst, err = meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, err
		}
	}

	o.sendDuration, err = meter.Float64Histogram(
		"notifyqueue.mailer.send.duration",
		metric.WithDescription("Mailer.Send latency."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &o, nil
}

func (o *OTel) IncJobsSubmitted() { o.submitted.Add(context.Background(), 1) }
func (o *OTel) IncJobsCompleted() { o.completed.Add(context.Background(), 1) }
func (o *OTel) IncJobsFailed()    { o.failed.Add(context.Background(), 1) }
func (o *OTel) IncJobsDead()      { o.dead.Add(context.Background(), 1) }
func (o *OTel) IncJobsRetries()   { o.retries.Add(context.Background(), 1) }
func (o *OTel) IncJobsReclaimed() { o.reclaimed.Add(context.Background(), 1) }
func (o *OTel) IncJobsCancelled() { o.cancelled.Add(context.Background(), 1) }

func (o *OTel) IncActiveWorkers() { o.workers.Add(context.Background(), 1) }
func (o *OTel) DecActiveWorkers() { o.workers.Add(context.Background(), -1) }
func (o *OTel) IncQueueDepth()    { o.queueDepth.Add(context.Background(), 1) }
func (o *OTel) DecQueueDepth()    { o.queueDepth.Add(context.Background(), -1) }
func (o *OTel) IncInflight()      { o.inflight.Add(context.Background(), 1) }
func (o *OTel) DecInflight()      { o.inflight.Add(context.Background(), -1) }

func (o *OTel) ObserveSend(d time.Duration) {
	o.sendDuration.Record(context.Background(), d.Seconds())
}
