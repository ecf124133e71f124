package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/viking-gps/bgpool/internal/model"
)

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
)

const waitDelay = 2 * time.Second

type StderrFunc func(ctx context.Context, line string)

// Runner runs one external command at a time.
type Runner struct {
	mx         sync.Mutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// NewCommand converts a plan entry. Env keys are upper cased and values
// starting with $ are expanded.
func NewCommand(cfg model.Exec) (Command, error) {
	timeout, err := cfg.Duration()
	if err != nil {
		return Command{}, err
	}
	var env []string
	if len(cfg.Env) > 0 {
		env = make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			if strings.HasPrefix(v, "$") {
				v = os.ExpandEnv(v)
			}
			env = append(env, strings.ToUpper(k)+"="+v)
		}
	}
	return Command{
		Path:    cfg.Path,
		Args:    cfg.Args,
		Env:     env,
		Timeout: timeout,
	}, nil
}

type Result struct {
	Path    string
	Args    []string
	Env     []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Start runs the process and returns ErrInProgress or an exec error, otherwise
// nil. It does NOT wait for the command to finish, use WaitChan for that.
// Cancelling ctx kills the process.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Env:  append([]string(nil), proto.Env...),
	}

	r.cancelFunc = nil
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	// children may keep stdout open after the process got killed
	cmd.WaitDelay = waitDelay
	if len(r.result.Env) > 0 {
		cmd.Env = r.result.Env
	}
	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			r.stopTimer()
			return err
		}
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.stopTimer()
		return err
	}
	r.cmd = cmd

	var stderrDone chan struct{}
	if stderr != nil {
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			processStderr(ctx, stderr, stderrFunc)
		}()
	}
	go r.wait(cmd, stderrDone)
	return nil
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

// wait reads stderr to the end before cmd.Wait closes the pipe.
func (r *Runner) wait(cmd *exec.Cmd, stderrDone <-chan struct{}) {
	if stderrDone != nil {
		<-stderrDone
	}
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.stopTimer()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

func (r *Runner) stopTimer() {
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.cancelFunc = nil
	}
}

// WaitChan returns a channel receiving the result of the running command.
// If no command runs, the last result is delivered at once. The channel is
// closed after the result.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Result returns the last command result, with ErrNotStarted if nothing
// ran yet.
func (r *Runner) Result() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}
