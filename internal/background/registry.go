package background

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Row is one live job as displayed to the user.
type Row struct {
	Handle    Handle
	ID        uuid.UUID
	Label     string
	Category  Category
	Percent   float64
	Remaining int
}

type opKind int

const (
	opSubmit opKind = iota
	opProgress
	opFinish
	opCancel
	opCancelAll
	opSnapshot
)

type command struct {
	op     opKind
	job    *Job
	handle Handle
	reply  chan reply
}

type reply struct {
	handle Handle
	rows   []Row
	items  int
	err    error
}

// slot is an arena entry. It is occupied from submit until finish; listed
// is true while the job has a row.
type slot struct {
	gen       uint32
	job       *Job
	listed    bool
	percent   float64
	remaining int
}

type registry struct {
	cmds     chan command
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	push      func(*Job) error
	listeners *listeners

	// owned by run
	slots []slot
	free  []uint32
	order []uint32
	items int
}

func newRegistry(push func(*Job) error, ls *listeners) *registry {
	return &registry{
		cmds:      make(chan command),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		push:      push,
		listeners: ls,
	}
}

// run is the registry event loop, the only goroutine touching slots,
// order and items.
func (r *registry) run(ctx context.Context) {
	defer close(r.done)
	slog.DebugContext(ctx, "starting a job registry")
	for {
		select {
		case <-r.quit:
			return
		case c := <-r.cmds:
			r.handle(ctx, c)
		}
	}
}

func (r *registry) stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
	<-r.done
}

// send delivers c to the event loop, it returns false once the loop is gone.
func (r *registry) send(c command) bool {
	select {
	case r.cmds <- c:
		return true
	case <-r.done:
		return false
	}
}

func (r *registry) request(ctx context.Context, c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case r.cmds <- c:
	case <-r.done:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case rep := <-c.reply:
		return rep, rep.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (r *registry) progress(j *Job) {
	_ = r.send(command{op: opProgress, job: j})
}

// finish hands j to the event loop for teardown. When the loop already
// stopped, Cleanup runs on the calling goroutine.
func (r *registry) finish(j *Job) {
	if !r.send(command{op: opFinish, job: j}) {
		j.teardown()
	}
}

func (r *registry) handle(ctx context.Context, c command) {
	var rep reply
	switch c.op {
	case opSubmit:
		rep.handle, rep.err = r.handleSubmit(c.job)
	case opProgress:
		r.handleProgress(c.job)
	case opFinish:
		r.handleFinish(c.job)
	case opCancel:
		rep.err = r.handleCancel(c.handle)
	case opCancelAll:
		r.handleCancelAll()
	case opSnapshot:
		rep.rows = r.rows()
		rep.items = r.items
	default:
		slog.WarnContext(ctx, "registry operation not supported: ignoring", "op", c.op)
	}
	if c.reply != nil {
		c.reply <- rep
	}
}

func (r *registry) handleSubmit(j *Job) (Handle, error) {
	idx := r.alloc()
	s := &r.slots[idx]
	s.gen = nextGen(s.gen)
	s.job = j
	s.listed = true
	s.percent = 0
	s.remaining = j.items
	j.handle = Handle{index: idx, gen: s.gen}
	r.order = append(r.order, idx)

	if err := r.push(j); err != nil {
		r.unlist(idx)
		s.job = nil
		r.free = append(r.free, idx)
		return Handle{}, err
	}

	r.items += j.items
	slog.DebugContext(j.ctx, "job submitted", "handle", j.handle.String(), "items", j.items)
	r.broadcast()
	return j.handle, nil
}

func (r *registry) handleProgress(j *Job) {
	s := r.slotOf(j)
	if s == nil {
		return
	}
	if s.remaining > 0 {
		s.remaining--
		r.items--
	}
	if s.listed && j.progressDirty.Swap(false) {
		s.percent = math.Float64frombits(j.progress.Load()) * 100
	}
	r.broadcast()
}

func (r *registry) handleFinish(j *Job) {
	s := r.slotOf(j)
	if s == nil {
		j.teardown()
		return
	}
	rest := s.remaining
	s.remaining = 0
	r.items -= rest

	j.teardown()

	idx := j.handle.index
	if s.listed {
		r.unlist(idx)
	}
	s.job = nil
	r.free = append(r.free, idx)

	outcome := j.Outcome()
	if outcome == Completed {
		slog.DebugContext(j.ctx, "job finished", "outcome", outcome.String())
	} else {
		slog.InfoContext(j.ctx, "job finished", "outcome", outcome.String(), "unreported_items", rest)
	}
	if rest > 0 {
		r.broadcast()
	}
}

func (r *registry) handleCancel(h Handle) error {
	s := r.lookup(h)
	if s == nil {
		return ErrStaleHandle
	}
	j := s.job
	j.kill()
	r.unlist(h.index)
	slog.InfoContext(j.ctx, "job cancelled")
	r.broadcast()
	return nil
}

func (r *registry) handleCancelAll() {
	if len(r.order) == 0 {
		return
	}
	for _, idx := range slices.Clone(r.order) {
		s := &r.slots[idx]
		s.job.kill()
		r.unlist(idx)
	}
	r.broadcast()
}

func (r *registry) rows() []Row {
	rows := make([]Row, 0, len(r.order))
	for _, idx := range r.order {
		s := r.slots[idx]
		rows = append(rows, Row{
			Handle:    Handle{index: idx, gen: s.gen},
			ID:        s.job.id,
			Label:     s.job.label,
			Category:  s.job.category,
			Percent:   s.percent,
			Remaining: s.remaining,
		})
	}
	return rows
}

func (r *registry) alloc() uint32 {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx
	}
	r.slots = append(r.slots, slot{})
	return uint32(len(r.slots) - 1)
}

// unlist releases the row of slot idx and invalidates its handle.
func (r *registry) unlist(idx uint32) {
	s := &r.slots[idx]
	s.listed = false
	s.gen = nextGen(s.gen)
	if i := slices.Index(r.order, idx); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// lookup returns the listed slot h points to.
func (r *registry) lookup(h Handle) *slot {
	if h.IsZero() || int(h.index) >= len(r.slots) {
		return nil
	}
	s := &r.slots[h.index]
	if s.gen != h.gen || !s.listed {
		return nil
	}
	return s
}

// slotOf returns the slot still occupied by j, listed or not.
func (r *registry) slotOf(j *Job) *slot {
	idx := j.handle.index
	if int(idx) >= len(r.slots) || r.slots[idx].job != j {
		return nil
	}
	return &r.slots[idx]
}

func (r *registry) broadcast() {
	r.listeners.notify(r.items)
}

func nextGen(g uint32) uint32 {
	g++
	if g == 0 {
		g = 1
	}
	return g
}
