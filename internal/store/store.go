package store

import (
	"context"
	"errors"
	"sort"

	"github.com/Popie52/notifyqueue/internal/model"
)

var ErrUnknownBackend = errors.New("store: unknown backend")

// JobStore persists job records keyed by JobID. Save is an upsert.
//
// Implementations must be safe for concurrent use; the queue serializes its own
// calls but stores may also be read by operators.
type JobStore interface {
	Save(ctx context.Context, job *model.Job) error

	Remove(ctx context.Context, id model.JobID) error

	Load(ctx context.Context) ([]*model.Job, error)

	Close() error
}

// Nop keeps nothing. Used when the queue runs purely in memory.
type Nop struct{}

var _ JobStore = Nop{}

func (Nop) Save(context.Context, *model.Job) error     { return nil }
func (Nop) Remove(context.Context, model.JobID) error  { return nil }
func (Nop) Load(context.Context) ([]*model.Job, error) { return nil, nil }
func (Nop) Close() error                               { return nil }

func sortBySeq(jobs []*model.Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
}
