package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/model"
)

var ErrUnknownJob = errors.New("unknown job")

// Supervisor submits the jobs of a plan to an engine.
type Supervisor struct {
	engine   *background.Engine
	plan     model.Plan
	oneshot  bool
	client   *http.Client
	stdout   io.Writer
	stdoutMx sync.Mutex

	mu      sync.Mutex
	running map[string]*entry
	errs    []error
	idle    chan struct{}
}

// entry is a submitted, unfinished plan job.
type entry struct {
	handle background.Handle
}

type Option func(*Supervisor)

// WithOneshot makes Do return once every plan job finished. Schedules are
// ignored.
func WithOneshot(oneshot bool) Option {
	return func(s *Supervisor) { s.oneshot = oneshot }
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Supervisor) { s.client = client }
}

// WithStdout receives the output of exec jobs.
func WithStdout(w io.Writer) Option {
	return func(s *Supervisor) { s.stdout = w }
}

func NewSupervisor(engine *background.Engine, plan model.Plan, opts ...Option) *Supervisor {
	s := &Supervisor{
		engine:  engine,
		plan:    plan,
		client:  http.DefaultClient,
		running: make(map[string]*entry),
		idle:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Do submits every plan job once.
//
// Modes:
//   - Oneshot: returns when all submitted jobs are finished, with their
//     joined errors, or the first submission error.
//   - Other: scheduled jobs are re-submitted by gocron, a job still running
//     is not submitted again. Errors are only logged; runs until ctx is done.
//
// When ctx is done every running job is cancelled and Do returns nil.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "jobs", len(s.plan.Jobs), "oneshot", s.oneshot)

	if !s.oneshot {
		scheduler, err := s.newScheduler(ctx)
		if err != nil {
			return err
		}
		if scheduler != nil {
			scheduler.Start()
			defer func() {
				err := scheduler.Shutdown()
				if err != nil {
					slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
				}
			}()
		}
	}

	for _, job := range s.plan.Jobs {
		err := s.submit(ctx, job)
		if err == nil {
			continue
		}
		if s.oneshot {
			return err
		}
		slog.ErrorContext(ctx, "submit failed", "job", job.Name, "error", err)
	}

	if s.oneshot {
		return s.waitIdle(ctx)
	}
	<-ctx.Done()
	s.cancelAll(ctx)
	return nil
}

// Cancel cancels the running instance of the plan job name.
func (s *Supervisor) Cancel(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.running[name]
	var h background.Handle
	if ok {
		h = e.handle
	}
	s.mu.Unlock()
	if !ok || h.IsZero() {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.engine.CancelJob(ctx, h)
}

// Running returns the number of submitted, unfinished jobs.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Supervisor) waitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		n := len(s.running)
		if n == 0 {
			err := errors.Join(s.errs...)
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.cancelAll(ctx)
			return nil
		case <-s.idle:
		}
	}
}

func (s *Supervisor) cancelAll(ctx context.Context) {
	err := s.engine.CancelAll(context.WithoutCancel(ctx))
	if err != nil {
		slog.DebugContext(ctx, "cancelling running jobs", "error", err)
	}
}

func (s *Supervisor) submit(ctx context.Context, job model.Job) error {
	cat, err := background.ParseCategory(job.CategoryName())
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	if _, ok := s.running[job.Name]; ok {
		s.mu.Unlock()
		slog.WarnContext(ctx, "job still running: skipping", "job", job.Name)
		return nil
	}
	e := &entry{}
	s.running[job.Name] = e
	s.mu.Unlock()

	task, err := NewTask(job, s.client, func(name string, err error) {
		s.finished(name, e, err)
	})
	if err != nil {
		s.forget(job.Name, e)
		return err
	}
	if ex, ok := task.(*Exec); ok && s.stdout != nil {
		ex.WithStdout(s.stdout, &s.stdoutMx)
	}

	h, err := task.Submit(s.engine, cat)
	if err != nil {
		s.forget(job.Name, e)
		return fmt.Errorf("submitting %s: %w", job.Name, err)
	}

	s.mu.Lock()
	if s.running[job.Name] == e {
		e.handle = h
	}
	s.mu.Unlock()
	slog.InfoContext(ctx, "job submitted", "job", job.Name, "category", cat.String(), "handle", h.String())
	return nil
}

func (s *Supervisor) forget(name string, e *entry) {
	s.mu.Lock()
	if s.running[name] == e {
		delete(s.running, name)
	}
	s.mu.Unlock()
	s.signalIdle()
}

// finished runs on the registry goroutine, it must not block.
func (s *Supervisor) finished(name string, e *entry, err error) {
	s.mu.Lock()
	if s.running[name] == e {
		delete(s.running, name)
	}
	if err != nil && s.oneshot {
		s.errs = append(s.errs, fmt.Errorf("job %s: %w", name, err))
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("job failed", "job", name, "error", err)
	} else {
		slog.Info("job done", "job", name)
	}
	s.signalIdle()
}

func (s *Supervisor) signalIdle() {
	select {
	case s.idle <- struct{}{}:
	default:
	}
}

func (s *Supervisor) newScheduler(ctx context.Context) (gocron.Scheduler, error) {
	var scheduled []model.Job
	for _, job := range s.plan.Jobs {
		if job.Schedule != nil {
			scheduled = append(scheduled, job)
		}
	}
	if len(scheduled) == 0 {
		return nil, nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	for _, job := range scheduled {
		def, err := jobDefinition(ctx, *job.Schedule)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("job %s: %w", job.Name, err)
		}
		_, err = sched.NewJob(
			def,
			gocron.NewTask(func() {
				if err := s.submit(ctx, job); err != nil {
					slog.ErrorContext(ctx, "scheduled submit failed", "job", job.Name, "error", err)
				}
			}),
			gocron.WithName(job.Name),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("initializing gocron job %s: %w", job.Name, err)
		}
	}
	return sched, nil
}

func jobDefinition(ctx context.Context, cfg model.Schedule) (gocron.JobDefinition, error) {
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing schedule.cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
		return gocron.CronJob(cfg.Cron, false), nil
	case cfg.Every != "":
		d, err := model.ParseISODuration(cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing schedule.every: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("schedule.every must be positive, got %s", d)
		}
		slog.DebugContext(ctx, "successfully parsed", "every", d.String())
		return gocron.DurationJob(d), nil
	default:
		return nil, errors.New("both cron and every are empty")
	}
}
