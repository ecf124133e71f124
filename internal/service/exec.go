package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/model"
)

// Exec runs an external command as a single item job. Cancelling the job
// kills the process.
type Exec struct {
	outcome
	cmd    Command
	runner *Runner
	stdout io.Writer
	mu     *sync.Mutex
}

func NewExec(name string, cfg model.Exec, done DoneFunc) (*Exec, error) {
	cmd, err := NewCommand(cfg)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}
	return &Exec{
		outcome: outcome{name: name, done: done},
		cmd:     cmd,
		runner:  NewRunner(),
	}, nil
}

// WithStdout copies the captured stdout of a successful run to w. Tasks
// sharing w must share mu.
func (e *Exec) WithStdout(w io.Writer, mu *sync.Mutex) *Exec {
	e.stdout = w
	e.mu = mu
	return e
}

func (e *Exec) Submit(eng *background.Engine, cat background.Category) (background.Handle, error) {
	return background.Submit(eng, cat, background.Spec[*Exec]{
		Label:   e.name,
		Items:   1,
		Context: e,
		Run:     (*Exec).run,
		Cleanup: (*Exec).finish,
	})
}

func (e *Exec) run(j *background.Job) {
	e.start()
	ctx := j.Context()
	err := e.runner.Start(ctx, e.cmd, func(ctx context.Context, line string) {
		slog.InfoContext(ctx, "stderr", "line", line)
	})
	if err != nil {
		e.fail(err)
		return
	}

	res := <-e.runner.WaitChan()
	if j.TestCancel() {
		e.fail(ErrCancelled)
		return
	}
	if res.Err != nil {
		e.fail(fmt.Errorf("%s: %w", res.Path, res.Err))
	} else {
		slog.DebugContext(ctx, "command finished",
			"path", res.Path,
			"exit_code", res.State.ExitCode(),
			"duration", res.Stopped.Sub(res.Started).String(),
			"stdout_bytes", res.Stdout.Len(),
		)
		e.writeStdout(res)
	}
	j.ReportProgress(1)
}

func (e *Exec) writeStdout(res Result) {
	if e.stdout == nil || res.Stdout == nil {
		return
	}
	if e.mu != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	if _, err := e.stdout.Write(res.Stdout.Bytes()); err != nil {
		e.fail(err)
	}
}
