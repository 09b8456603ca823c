package queue

import (
	"container/heap"

	"github.com/Popie52/notifyqueue/internal/model"
)

type heapKind uint8

const (
	inNone heapKind = iota
	inReady
	inDelayed
)

// entry is the queue's own record of a live job. index tracks its position in
// whichever heap currently holds it.
type entry struct {
	job   model.Job
	index int
	where heapKind
}

// jobHeap is a container/heap over entries with a pluggable order.
type jobHeap struct {
	items []*entry
	kind  heapKind
	less  func(a, b *model.Job) bool
}

var _ heap.Interface = (*jobHeap)(nil)

func (h *jobHeap) Len() int           { return len(h.items) }
func (h *jobHeap) Less(i, j int) bool { return h.less(&h.items[i].job, &h.items[j].job) }

func (h *jobHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.items)
	e.where = h.kind
	h.items = append(h.items, e)
}

func (h *jobHeap) Pop() any {
	old := h.items
	n := len(old)

	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	e.where = inNone

	h.items = old[:n-1]
	return e
}

func (h *jobHeap) peek() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// byCreation orders the ready set: earliest created first, submission order on ties.
func byCreation(a, b *model.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// byRunAt orders the delayed set by the time a job becomes eligible.
func byRunAt(a, b *model.Job) bool {
	if !a.NextRunAt.Equal(b.NextRunAt) {
		return a.NextRunAt.Before(b.NextRunAt)
	}
	return a.Seq < b.Seq
}
