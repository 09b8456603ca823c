package queue

import "github.com/Popie52/notifyqueue/internal/model"

type Kind string

const (
	Enqueued     Kind = "enqueued"
	Claimed      Kind = "claimed"
	Succeeded    Kind = "succeeded"
	Retried      Kind = "retried"
	DeadLettered Kind = "dead_lettered"
	Cancelled    Kind = "cancelled"
	Reclaimed    Kind = "reclaimed"
)

// Transition is a job snapshot taken right after a state change.
type Transition struct {
	Kind Kind
	Job  model.Job
}

// history remembers the most recent succeeded jobs, oldest evicted first.
type history struct {
	limit int
	order []model.JobID
	jobs  map[model.JobID]model.Job
}

func newHistory(limit int) *history {
	if limit < 0 {
		limit = 0
	}
	return &history{limit: limit, jobs: make(map[model.JobID]model.Job)}
}

func (h *history) add(j model.Job) {
	if h.limit == 0 {
		return
	}
	if _, ok := h.jobs[j.ID]; !ok {
		h.order = append(h.order, j.ID)
	}
	h.jobs[j.ID] = j

	for len(h.order) > h.limit {
		delete(h.jobs, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) get(id model.JobID) (model.Job, bool) {
	j, ok := h.jobs[id]
	return j, ok
}
