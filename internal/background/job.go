package background

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Spec describes one unit of work. Context is owned by the engine once Submit
// succeeds and is handed back to Run, CancelCleanup and Cleanup.
type Spec[T any] struct {
	Label   string
	Items   int
	Context T
	// Run is the entry point, called on a worker goroutine.
	Run func(T, *Job)
	// Cleanup releases Context. It runs exactly once, whether the job
	// completed or was cancelled. It is usually called on the registry
	// goroutine and must not call back into the Engine.
	Cleanup func(T)
	// CancelCleanup runs when Run first observes its kill switch through
	// TestCancel or ReportProgress. It always runs before Cleanup.
	CancelCleanup func(T)
}

// Outcome is the terminal state of a job.
type Outcome int

const (
	Pending Outcome = iota
	Completed
	CancelledEarly
	CancelledMidRun
	Faulted
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case CancelledEarly:
		return "cancelled_early"
	case CancelledMidRun:
		return "cancelled_mid_run"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type phase int

const (
	phaseLive phase = iota
	phaseUnwinding
	phaseDead
)

// Job is the worker side handle of a submitted job.
type Job struct {
	id       uuid.UUID
	label    string
	category Category
	items    int
	handle   Handle

	run           func(*Job)
	cleanup       func()
	cancelCleanup func()

	reg      *registry
	shutdown *atomic.Bool
	killed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc

	// latest fraction as float64 bits, applied by the registry
	progress      atomic.Uint64
	progressDirty atomic.Bool

	mu      sync.Mutex
	phase   phase
	outcome Outcome
}

func newJob[T any](cat Category, spec Spec[T]) *Job {
	v := spec.Context
	j := &Job{
		id:       uuid.New(),
		label:    spec.Label,
		category: cat,
		items:    max(spec.Items, 0),
		run:      func(j *Job) { spec.Run(v, j) },
	}
	if spec.Cleanup != nil {
		j.cleanup = func() { spec.Cleanup(v) }
	}
	if spec.CancelCleanup != nil {
		j.cancelCleanup = func() { spec.CancelCleanup(v) }
	}
	return j
}

func (j *Job) ID() uuid.UUID      { return j.id }
func (j *Job) Label() string      { return j.label }
func (j *Job) Category() Category { return j.category }
func (j *Job) Handle() Handle     { return j.handle }

// Context is cancelled when the job is cancelled or the engine shuts down.
// Bodies doing blocking I/O should pass it along; it does not replace
// TestCancel.
func (j *Job) Context() context.Context { return j.ctx }

// TestCancel reports whether the job must stop now. The first call that
// observes the job's own kill switch runs CancelCleanup.
func (j *Job) TestCancel() bool {
	if j.shutdown.Load() {
		return true
	}
	if !j.killed.Load() {
		return false
	}
	j.unwind()
	return true
}

// ReportProgress records fraction (absolute value, capped at 1) as the
// displayed progress of the job and marks one item as done. It returns the
// same value as TestCancel.
func (j *Job) ReportProgress(fraction float64) bool {
	stop := j.TestCancel()
	if !j.killed.Load() {
		j.progress.Store(math.Float64bits(normalizeFraction(fraction)))
		j.progressDirty.Store(true)
	}
	j.reg.progress(j)
	return stop
}

func normalizeFraction(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Min(math.Abs(f), 1)
}

// stopped reports a cancellation without side effects.
func (j *Job) stopped() bool {
	return j.shutdown.Load() || j.killed.Load()
}

// kill sets the kill switch, registry goroutine only.
func (j *Job) kill() {
	j.killed.Store(true)
	j.cancel()
}

// unwind moves a live job to unwinding and runs CancelCleanup. Callbacks
// run under j.mu, so they must not call back into the job.
func (j *Job) unwind() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase != phaseLive {
		return
	}
	j.phase = phaseUnwinding
	if j.cancelCleanup != nil {
		j.cancelCleanup()
	}
}

// teardown moves the job to dead and runs Cleanup. It returns false if
// the job was already dead.
func (j *Job) teardown() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase == phaseDead {
		return false
	}
	j.phase = phaseDead
	j.cancel()
	if j.cleanup != nil {
		j.cleanup()
	}
	return true
}

func (j *Job) setOutcome(o Outcome) {
	j.mu.Lock()
	j.outcome = o
	j.mu.Unlock()
}

func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}
