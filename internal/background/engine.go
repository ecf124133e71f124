package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/viking-gps/bgpool/internal/log"
)

type engineState int

const (
	stateNew engineState = iota
	stateRunning
	stateClosed
)

// Engine executes submitted jobs on per category worker pools and keeps the
// registry of live jobs.
type Engine struct {
	pools     [numCategories]*pool
	reg       *registry
	listeners *listeners
	shutdown  atomic.Bool

	mu     sync.RWMutex
	state  engineState
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine with a pool for every enabled config. Without any
// config DefaultPoolConfigs is used.
func New(cfgs ...PoolConfig) (*Engine, error) {
	if len(cfgs) == 0 {
		cfgs = DefaultPoolConfigs()
	}

	e := &Engine{
		listeners: newListeners(),
	}
	e.reg = newRegistry(e.push, e.listeners)

	var seen [numCategories]bool
	for _, cfg := range cfgs {
		if !cfg.Category.valid() {
			return nil, fmt.Errorf("pool config: unknown %s", cfg.Category)
		}
		if seen[cfg.Category] {
			return nil, fmt.Errorf("pool config: duplicate category %s", cfg.Category)
		}
		seen[cfg.Category] = true
		if !cfg.Enabled {
			continue
		}
		e.pools[cfg.Category] = newPool(cfg, e.execute)
	}
	return e, nil
}

// Start launches the registry goroutine and the pool workers. ctx only
// provides values (log attributes) to the jobs, cancelling it does not stop
// the engine, use Shutdown for that.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateRunning:
		return errors.New("engine already started")
	case stateClosed:
		return ErrClosed
	}

	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go e.reg.run(e.ctx)
	for _, p := range e.activePools() {
		p.start()
		slog.DebugContext(ctx, "pool started", "category", p.category.String(), "max_threads", p.size)
	}
	e.state = stateRunning
	return nil
}

// Submit hands spec over to the pool of category cat. On error the engine did
// not take ownership of spec.Context and never calls its callbacks.
func Submit[T any](e *Engine, cat Category, spec Spec[T]) (Handle, error) {
	if spec.Run == nil {
		return Handle{}, fmt.Errorf("%w: job %q has no entry point", ErrSubmissionRejected, spec.Label)
	}
	return e.submit(newJob(cat, spec))
}

func (e *Engine) submit(j *Job) (Handle, error) {
	if !j.category.valid() {
		return Handle{}, fmt.Errorf("%w: unknown %s", ErrSubmissionRejected, j.category)
	}
	e.mu.RLock()
	state, ctx := e.state, e.ctx
	e.mu.RUnlock()
	if state != stateRunning {
		return Handle{}, fmt.Errorf("%w: engine is not running", ErrSubmissionRejected)
	}
	if e.pools[j.category] == nil {
		return Handle{}, fmt.Errorf("%w: %s", ErrCategoryDisabled, j.category)
	}

	j.reg = e.reg
	j.shutdown = &e.shutdown
	j.ctx, j.cancel = context.WithCancel(log.ContextAttrs(ctx,
		slog.String("job_id", j.id.String()),
		slog.String("job", j.label),
		slog.String("category", j.category.String()),
	))

	// submission never waits on the pool, only on the registry loop
	rep, err := e.reg.request(context.Background(), command{op: opSubmit, job: j})
	if err != nil {
		j.cancel()
		if errors.Is(err, ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
		}
		return Handle{}, err
	}
	return rep.handle, nil
}

// push is called by the registry loop once the row exists.
func (e *Engine) push(j *Job) error {
	p := e.pools[j.category]
	if p == nil {
		return fmt.Errorf("%w: %s", ErrCategoryDisabled, j.category)
	}
	if !p.push(j) {
		return fmt.Errorf("%w: %s pool stopped", ErrSubmissionRejected, j.category)
	}
	return nil
}

// execute runs on a pool worker.
func (e *Engine) execute(j *Job) {
	outcome := CancelledEarly
	if !j.stopped() {
		outcome = e.run(j)
	}
	j.setOutcome(outcome)
	e.pools[j.category].metrics.record(outcome)
	e.reg.finish(j)
}

func (e *Engine) run(j *Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(j.ctx, "job panicked", "panic", r, "stack", string(debug.Stack()))
			outcome = Faulted
		}
	}()

	slog.DebugContext(j.ctx, "job started")
	j.run(j)
	if j.stopped() {
		return CancelledMidRun
	}
	return Completed
}

// CancelJob sets the kill switch of the job and drops its row at once. The
// worker notices on its next TestCancel or ReportProgress.
func (e *Engine) CancelJob(ctx context.Context, h Handle) error {
	if err := e.running(); err != nil {
		return err
	}
	_, err := e.reg.request(ctx, command{op: opCancel, handle: h})
	return err
}

// CancelAll cancels every listed job.
func (e *Engine) CancelAll(ctx context.Context) error {
	if err := e.running(); err != nil {
		return err
	}
	_, err := e.reg.request(ctx, command{op: opCancelAll})
	return err
}

// Rows returns the listed jobs in submission order.
func (e *Engine) Rows(ctx context.Context) ([]Row, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	rep, err := e.reg.request(ctx, command{op: opSnapshot})
	return rep.rows, err
}

// Items returns the aggregate number of unfinished items.
func (e *Engine) Items(ctx context.Context) (int, error) {
	if err := e.running(); err != nil {
		return 0, err
	}
	rep, err := e.reg.request(ctx, command{op: opSnapshot})
	return rep.items, err
}

func (e *Engine) RegisterListener(l Listener) ListenerID {
	return e.listeners.add(l)
}

// UnregisterListener returns false if id was not registered.
func (e *Engine) UnregisterListener(id ListenerID) bool {
	return e.listeners.remove(id)
}

// Stats returns a snapshot of every enabled pool.
func (e *Engine) Stats() []PoolStats {
	pools := e.activePools()
	stats := make([]PoolStats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.stats())
	}
	return stats
}

// Shutdown raises the global stop flag, discards queued jobs and waits for the
// running ones until ctx is done. Discarded jobs are finished as
// CancelledEarly so their Cleanup still runs. Jobs which outlive ctx run
// their Cleanup on their own worker once they return.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	prev := e.state
	e.state = stateClosed
	e.mu.Unlock()
	if prev != stateRunning {
		return nil
	}

	e.shutdown.Store(true)
	e.cancel()

	pools := e.activePools()
	for _, p := range pools {
		discarded := p.stop()
		if len(discarded) > 0 {
			slog.InfoContext(e.ctx, "discarding queued jobs", "category", p.category.String(), "count", len(discarded))
		}
		for _, j := range discarded {
			j.setOutcome(CancelledEarly)
			p.metrics.record(CancelledEarly)
			e.reg.finish(j)
		}
	}

	var waitErr error
	for _, p := range pools {
		if err := p.wait(ctx); err != nil {
			waitErr = fmt.Errorf("waiting for running jobs: %w", err)
			break
		}
	}

	e.reg.stop()
	slog.DebugContext(e.ctx, "background engine stopped")
	return waitErr
}

func (e *Engine) running() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateRunning {
		return ErrClosed
	}
	return nil
}

func (e *Engine) activePools() []*pool {
	var pools []*pool
	for _, p := range e.pools {
		if p != nil {
			pools = append(pools, p)
		}
	}
	return pools
}
