// Package parallel runs a function over an input sequence with bounded
// concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs mapFunc over the input in parallel. Results are yielded in
// completion order, not input order. Cancelling the parent context stops the
// iteration, mapFuncs still running see a cancelled context.
//
//	for d, err := range parallel.NewMap(ctx, 4, fn).Iter(parallel.Slice(input)) {}
type Map[E, D any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	gctx    context.Context
	mapped  chan result[D]
	mapFunc func(context.Context, E) (D, error)
}

// NewMap returns a Map running at most limit mapFuncs at once.
func NewMap[E, D any](parent context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	limit = max(limit, 1)
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	// one extra slot for the feeding goroutine
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		ctx:     ctx,
		cancel:  cancel,
		g:       g,
		gctx:    gctx,
		mapped:  make(chan result[D], limit),
		mapFunc: mapFunc,
	}
}

// feed starts a mapFunc per input element. Input errors are passed
// through as results.
func (m *Map[E, D]) feed(seq iter.Seq2[E, error]) {
	m.g.Go(func() error {
		for elem, err := range seq {
			if m.gctx.Err() != nil {
				return m.gctx.Err()
			}
			if err != nil {
				var zero D
				if !m.send(result[D]{d: zero, e: err}) {
					return m.gctx.Err()
				}
				continue
			}
			m.g.Go(func() error {
				d, err := m.mapFunc(m.gctx, elem)
				if !m.send(result[D]{d: d, e: err}) {
					return m.gctx.Err()
				}
				return nil
			})
		}
		return nil
	})
}

func (m *Map[E, D]) send(r result[D]) bool {
	select {
	case <-m.gctx.Done():
		return false
	case m.mapped <- r:
		return true
	}
}

// Iter consumes seq and yields the mapped values. Breaking out of the loop
// cancels the remaining work and waits for the running mapFuncs to return.
func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		finished := make(chan struct{})
		defer func() {
			m.cancel()
			<-finished
		}()
		m.feed(seq)

		go func() {
			_ = m.g.Wait()
			close(m.mapped)
			close(finished)
		}()

		for r := range m.mapped {
			if m.ctx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

// Slice adapts a slice to the input of Iter.
func Slice[E any](s []E) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		for _, e := range s {
			if !yield(e, nil) {
				return
			}
		}
	}
}
