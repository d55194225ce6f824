package server

import (
	"context"
	"sync"
)

// worker runs the message handling of every session assigned to it, one
// job at a time.
type worker struct {
	id   int
	jobs chan func()
	load int // guarded by Pool.mu
}

// Pool is a fixed set of workers. Sessions are assigned to the worker with
// the fewest sessions when they connect.
type Pool struct {
	mu      sync.Mutex
	workers []*worker
	wg      sync.WaitGroup
}

func NewPool(n, queue int) *Pool {
	n = max(n, 1)
	p := &Pool{workers: make([]*worker, n)}
	for i := range p.workers {
		p.workers[i] = &worker{id: i, jobs: make(chan func(), queue)}
	}
	return p
}

// Start runs the workers until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case job := <-w.jobs:
					job()
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Assign picks the least-loaded worker; ties go to the lowest id.
func (p *Pool) Assign() *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.load < best.load {
			best = w
		}
	}
	best.load++
	return best
}

func (p *Pool) Release(w *worker) {
	p.mu.Lock()
	w.load--
	p.mu.Unlock()
}

// Loads reports the session count of every worker.
func (p *Pool) Loads() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.load
	}
	return out
}

// submit queues job on w. It gives up when ctx is done.
func (w *worker) submit(ctx context.Context, job func()) bool {
	select {
	case w.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}
