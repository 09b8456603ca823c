package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/Popie52/notifyqueue/internal/mailer"
	"github.com/Popie52/notifyqueue/internal/queue"
)

// Pool runs a fixed set of workers against one queue.
type Pool struct {
	workers []*Worker
}

// NewPool builds n workers named "<prefix>-<i>".
func NewPool(n int, prefix string, q *queue.Queue, m mailer.Mailer, cfg WorkerConfig) *Pool {
	if n < 1 {
		n = 1
	}
	if prefix == "" {
		prefix = "worker"
	}

	p := &Pool{workers: make([]*Worker, 0, n)}
	for i := 1; i <= n; i++ {
		p.workers = append(p.workers, NewWorker(fmt.Sprintf("%s-%d", prefix, i), q, m, cfg))
	}
	return p
}

func (p *Pool) Size() int { return len(p.workers) }

// Run blocks until every worker has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	wg.Wait()
}
