package metrics

import "time"

// Discard drops every measurement.
type Discard struct{}

var _ MetricsFn = Discard{}

func (Discard) IncJobsSubmitted()         {}
func (Discard) IncJobsCompleted()         {}
func (Discard) IncJobsFailed()            {}
func (Discard) IncJobsDead()              {}
func (Discard) IncJobsRetries()           {}
func (Discard) IncJobsReclaimed()         {}
func (Discard) IncJobsCancelled()         {}
func (Discard) IncActiveWorkers()         {}
func (Discard) DecActiveWorkers()         {}
func (Discard) IncQueueDepth()            {}
func (Discard) DecQueueDepth()            {}
func (Discard) IncInflight()              {}
func (Discard) DecInflight()              {}
func (Discard) ObserveSend(time.Duration) {}

// Multi forwards every measurement to each recorder in order.
type Multi []MetricsFn

var _ MetricsFn = Multi(nil)

func (m Multi) each(f func(MetricsFn)) {
	for _, r := range m {
		f(r)
	}
}

func (m Multi) IncJobsSubmitted() { m.each(MetricsFn.IncJobsSubmitted) }
func (m Multi) IncJobsCompleted() { m.each(MetricsFn.IncJobsCompleted) }
func (m Multi) IncJobsFailed()    { m.each(MetricsFn.IncJobsFailed) }
func (m Multi) IncJobsDead()      { m.each(MetricsFn.IncJobsDead) }
func (m Multi) IncJobsRetries()   { m.each(MetricsFn.IncJobsRetries) }
func (m Multi) IncJobsReclaimed() { m.each(MetricsFn.IncJobsReclaimed) }
func (m Multi) IncJobsCancelled() { m.each(MetricsFn.IncJobsCancelled) }
func (m Multi) IncActiveWorkers() { m.each(MetricsFn.IncActiveWorkers) }
func (m Multi) DecActiveWorkers() { m.each(MetricsFn.DecActiveWorkers) }
func (m Multi) IncQueueDepth()    { m.each(MetricsFn.IncQueueDepth) }
func (m Multi) DecQueueDepth()    { m.each(MetricsFn.DecQueueDepth) }
func (m Multi) IncInflight()      { m.each(MetricsFn.IncInflight) }
func (m Multi) DecInflight()      { m.each(MetricsFn.DecInflight) }

func (m Multi) ObserveSend(d time.Duration) {
	for _, r := range m {
		r.ObserveSend(d)
	}
}
