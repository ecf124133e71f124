package background

import (
	"context"
	"sync"
	"sync/atomic"
)

// metrics tracks pool's operational counters
type metrics struct {
	active    atomic.Int64
	pending   atomic.Int64
	completed atomic.Int64
	cancelled atomic.Int64
	faulted   atomic.Int64
}

func (m *metrics) record(o Outcome) {
	switch o {
	case Completed:
		m.completed.Add(1)
	case CancelledEarly, CancelledMidRun:
		m.cancelled.Add(1)
	case Faulted:
		m.faulted.Add(1)
	}
}

// PoolStats is a snapshot of one pool's counters.
type PoolStats struct {
	Category   Category
	MaxThreads int
	Active     int64
	Pending    int64
	Completed  int64
	Cancelled  int64
	Faulted    int64
}

// pool runs jobs of one category on a fixed number of workers. Its queue is
// unbounded, push never blocks.
type pool struct {
	category Category
	size     int
	exec     func(*Job)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Job
	closed bool

	wg      sync.WaitGroup
	metrics metrics
}

func newPool(cfg PoolConfig, exec func(*Job)) *pool {
	p := &pool{
		category: cfg.Category,
		size:     cfg.threads(),
		exec:     exec,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pool) start() {
	for range p.size {
		p.wg.Go(p.worker)
	}
}

// push enqueues j, it returns false once the pool is stopped.
func (p *pool) push(j *Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, j)
	p.metrics.pending.Add(1)
	p.cond.Signal()
	return true
}

// stop closes the pool and returns the jobs no worker picked up yet.
// Running jobs are not waited for, see wait.
func (p *pool) stop() []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	discarded := p.queue
	p.queue = nil
	p.metrics.pending.Add(-int64(len(discarded)))
	p.cond.Broadcast()
	return discarded
}

// wait blocks until all workers returned or ctx is done.
func (p *pool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) worker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.metrics.pending.Add(-1)
		p.mu.Unlock()

		p.metrics.active.Add(1)
		p.exec(j)
		p.metrics.active.Add(-1)
	}
}

func (p *pool) stats() PoolStats {
	return PoolStats{
		Category:   p.category,
		MaxThreads: p.size,
		Active:     p.metrics.active.Load(),
		Pending:    p.metrics.pending.Load(),
		Completed:  p.metrics.completed.Load(),
		Cancelled:  p.metrics.cancelled.Load(),
		Faulted:    p.metrics.faulted.Load(),
	}
}
