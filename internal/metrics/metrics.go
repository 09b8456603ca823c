package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

type MetricsFn interface {
	IncJobsSubmitted()
	IncJobsCompleted()
	IncJobsFailed()
	IncJobsDead()
	IncJobsRetries()
	IncJobsReclaimed()
	IncJobsCancelled()

	IncActiveWorkers()
	DecActiveWorkers()

	IncQueueDepth()
	DecQueueDepth()

	IncInflight()
	DecInflight()

	ObserveSend(d time.Duration)
}

type Metrics struct {
	// counters
	jobsSubmitted atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsFailed    atomic.Uint64
	jobsRetries   atomic.Uint64
	jobsDead      atomic.Uint64
	jobsReclaimed atomic.Uint64
	jobsCancelled atomic.Uint64

	sendCount   atomic.Uint64
	sendTotalMs atomic.Int64

	// gauges
	queueDepth atomic.Int64
	inflight   atomic.Int64
	activeW    atomic.Int64
}

var _ MetricsFn = (*Metrics)(nil)

func New() *Metrics {
	return &Metrics{}
}

// counters
func (m *Metrics) IncJobsSubmitted() { m.jobsSubmitted.Add(1) }
func (m *Metrics) IncJobsCompleted() { m.jobsCompleted.Add(1) }
func (m *Metrics) IncJobsFailed()    { m.jobsFailed.Add(1) }
func (m *Metrics) IncJobsDead()      { m.jobsDead.Add(1) }
func (m *Metrics) IncJobsRetries()   { m.jobsRetries.Add(1) }
func (m *Metrics) IncJobsReclaimed() { m.jobsReclaimed.Add(1) }
func (m *Metrics) IncJobsCancelled() { m.jobsCancelled.Add(1) }

func (m *Metrics) ObserveSend(d time.Duration) {
	m.sendCount.Add(1)
	m.sendTotalMs.Add(d.Milliseconds())
}

// gauges
func (m *Metrics) IncQueueDepth() { m.queueDepth.Add(1) }
func (m *Metrics) DecQueueDepth() { m.queueDepth.Add(-1) }

func (m *Metrics) IncInflight() { m.inflight.Add(1) }
func (m *Metrics) DecInflight() { m.inflight.Add(-1) }

func (m *Metrics) IncActiveWorkers() { m.activeW.Add(1) }
func (m *Metrics) DecActiveWorkers() { m.activeW.Add(-1) }

// Snapshot is a point-in-time copy of every counter and gauge.
type Snapshot struct {
	JobsSubmitted uint64 `json:"jobs_submitted_total"`
	JobsCompleted uint64 `json:"jobs_completed_total"`
	JobsRetries   uint64 `json:"jobs_retries_total"`
	JobsFailed    uint64 `json:"jobs_failed_total"`
	JobsDead      uint64 `json:"jobs_dead_total"`
	JobsReclaimed uint64 `json:"jobs_reclaimed_total"`
	JobsCancelled uint64 `json:"jobs_cancelled_total"`
	SendCount     uint64 `json:"send_total"`
	SendTotalMs   int64  `json:"send_duration_ms_total"`
	QueueDepth    int64  `json:"queue_depth"`
	Inflight      int64  `json:"inflight"`
	ActiveWorkers int64  `json:"active_workers"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		JobsSubmitted: m.jobsSubmitted.Load(),
		JobsCompleted: m.jobsCompleted.Load(),
		JobsRetries:   m.jobsRetries.Load(),
		JobsFailed:    m.jobsFailed.Load(),
		JobsDead:      m.jobsDead.Load(),
		JobsReclaimed: m.jobsReclaimed.Load(),
		JobsCancelled: m.jobsCancelled.Load(),
		SendCount:     m.sendCount.Load(),
		SendTotalMs:   m.sendTotalMs.Load(),
		QueueDepth:    m.queueDepth.Load(),
		Inflight:      m.inflight.Load(),
		ActiveWorkers: m.activeW.Load(),
	}
}

// Http handler

func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s := m.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w,
			"jobs_submitted_total %d\n"+
				"jobs_completed_total %d\n"+
				"jobs_retries_total %d\n"+
				"jobs_failed_total %d\n"+
				"jobs_dead_total %d\n"+
				"jobs_reclaimed_total %d\n"+
				"jobs_cancelled_total %d\n"+
				"send_total %d\n"+
				"send_duration_ms_total %d\n"+
				"queue_depth %d\n"+
				"inflight %d\n"+
				"active_workers %d\n",
			s.JobsSubmitted,
			s.JobsCompleted,
			s.JobsRetries,
			s.JobsFailed,
			s.JobsDead,
			s.JobsReclaimed,
			s.JobsCancelled,
			s.SendCount,
			s.SendTotalMs,
			s.QueueDepth,
			s.Inflight,
			s.ActiveWorkers,
		)
	})
}
