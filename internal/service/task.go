package service

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/model"
)

var ErrCancelled = errors.New("job cancelled")

// Task is a job body ready to be submitted. On a failed Submit the task
// releases its resources itself.
type Task interface {
	Name() string
	Submit(e *background.Engine, cat background.Category) (background.Handle, error)
}

// DoneFunc receives the error of a finished task, nil on success. It is
// called from the job's Cleanup and must not block or call the engine.
type DoneFunc func(name string, err error)

// NewTask builds the task of plan entry job.
func NewTask(job model.Job, client *http.Client, done DoneFunc) (Task, error) {
	switch {
	case job.Kind == model.KindFetch && job.Fetch != nil:
		return NewFetch(job.Name, *job.Fetch, client, done)
	case job.Kind == model.KindDigest && job.Digest != nil:
		return NewDigest(job.Name, *job.Digest, done)
	case job.Kind == model.KindExec && job.Exec != nil:
		return NewExec(job.Name, *job.Exec, done)
	default:
		return nil, fmt.Errorf("job %s: unsupported kind %q", job.Name, job.Kind)
	}
}

// outcome collects what happened to one task run.
type outcome struct {
	name string
	done DoneFunc

	mu      sync.Mutex
	started bool
	errs    []error
}

func (o *outcome) start() {
	o.mu.Lock()
	o.started = true
	o.mu.Unlock()
}

func (o *outcome) fail(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

// Err returns the joined errors, ErrCancelled if the task never ran.
func (o *outcome) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return ErrCancelled
	}
	return errors.Join(o.errs...)
}

func (o *outcome) finish() {
	if o.done != nil {
		o.done(o.name, o.Err())
	}
}

func (o *outcome) Name() string {
	return o.name
}
