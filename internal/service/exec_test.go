package service_test

import (
	"bytes"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/model"
	"github.com/viking-gps/bgpool/internal/service"

	"github.com/stretchr/testify/require"
)

func TestExec(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	t.Run("stdout", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t)
		done, ch := doneChan()
		var buf bytes.Buffer
		var mu sync.Mutex

		task, err := service.NewExec("hello", model.Exec{
			Path:    sh,
			Args:    []string{"-c", "echo hello"},
			Timeout: "5s",
		}, done)
		require.NoError(t, err)
		_, err = task.WithStdout(&buf, &mu).Submit(e, background.Render)
		require.NoError(t, err)
		require.NoError(t, waitDone(t, ch))
		require.Equal(t, "hello\n", buf.String())
	})

	t.Run("exit code", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t)
		done, ch := doneChan()
		task, err := service.NewExec("fail", model.Exec{
			Path:    sh,
			Args:    []string{"-c", "exit 3"},
			Timeout: "5s",
		}, done)
		require.NoError(t, err)
		_, err = task.Submit(e, background.Render)
		require.NoError(t, err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, waitDone(t, ch), &exitErr)
		require.Equal(t, 3, exitErr.ExitCode())
	})

	t.Run("cancel kills the process", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t)
		done, ch := doneChan()
		task, err := service.NewExec("sleep", model.Exec{
			Path:    sh,
			Args:    []string{"-c", "exec sleep 30"},
			Timeout: "1m",
		}, done)
		require.NoError(t, err)
		h, err := task.Submit(e, background.Render)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			stats := e.Stats()
			for _, s := range stats {
				if s.Category == background.Render {
					return s.Active == 1
				}
			}
			return false
		}, 5*time.Second, 10*time.Millisecond)

		start := time.Now()
		require.NoError(t, e.CancelJob(t.Context(), h))
		require.ErrorIs(t, waitDone(t, ch), service.ErrCancelled)
		require.Less(t, time.Since(start), 10*time.Second)
	})
}
