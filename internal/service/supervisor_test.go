package service_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/model"
	"github.com/viking-gps/bgpool/internal/service"
	"github.com/viking-gps/bgpool/internal/settings"

	"github.com/stretchr/testify/require"
)

func TestSupervisor(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	t.Run("oneshot", func(t *testing.T) {
		t.Parallel()
		data := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(data, "a"), []byte("a"), 0644))
		output := filepath.Join(t.TempDir(), "sums.txt")

		plan := model.Plan{Jobs: []model.Job{
			{Name: "sums", Kind: model.KindDigest, Digest: &model.Digest{Paths: []string{data}, Output: output}},
			{Name: "echo", Kind: model.KindExec, Exec: &model.Exec{Path: sh, Args: []string{"-c", "echo stdout"}, Timeout: "5s"}},
		}}

		var stdout bytes.Buffer
		s := service.NewSupervisor(newEngine(t), plan, service.WithOneshot(true), service.WithStdout(&stdout))
		require.NoError(t, s.Do(t.Context()))
		require.Zero(t, s.Running())
		require.Equal(t, "stdout\n", stdout.String())
		require.FileExists(t, output)
	})

	t.Run("oneshot errors", func(t *testing.T) {
		t.Parallel()
		plan := model.Plan{Jobs: []model.Job{
			{Name: "fail", Kind: model.KindExec, Exec: &model.Exec{Path: sh, Args: []string{"-c", "exit 1"}, Timeout: "5s"}},
			{Name: "ok", Kind: model.KindExec, Exec: &model.Exec{Path: sh, Args: []string{"-c", "true"}, Timeout: "5s"}},
		}}
		s := service.NewSupervisor(newEngine(t), plan, service.WithOneshot(true))
		err := s.Do(t.Context())
		require.Error(t, err)
		require.ErrorContains(t, err, "job fail: ")
		require.NotContains(t, err.Error(), "job ok")
	})

	t.Run("oneshot default settings", func(t *testing.T) {
		t.Parallel()
		plan, err := model.LoadPlan(strings.NewReader(`
version: 0
jobs:
  - name: hello
    kind: exec
    exec:
      path: ` + sh + `
      args: ["-c", "echo hello"]
`))
		require.NoError(t, err)

		var stdout bytes.Buffer
		e := newEngine(t, settings.Default().PoolConfigs()...)
		s := service.NewSupervisor(e, *plan, service.WithOneshot(true), service.WithStdout(&stdout))
		require.NoError(t, s.Do(t.Context()))
		require.Equal(t, "hello\n", stdout.String())

		plan.Jobs[0].Category = "render"
		s = service.NewSupervisor(e, *plan, service.WithOneshot(true))
		require.ErrorIs(t, s.Do(t.Context()), background.ErrCategoryDisabled)
	})

	t.Run("oneshot submit error", func(t *testing.T) {
		t.Parallel()
		plan := model.Plan{Jobs: []model.Job{
			{Name: "gpu", Kind: model.KindExec, Category: "gpu", Exec: &model.Exec{Path: sh}},
		}}
		s := service.NewSupervisor(newEngine(t), plan, service.WithOneshot(true))
		require.ErrorContains(t, s.Do(t.Context()), "job gpu: ")
	})

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()
		plan := model.Plan{Jobs: []model.Job{
			{Name: "sleep", Kind: model.KindExec, Exec: &model.Exec{Path: sh, Args: []string{"-c", "exec sleep 30"}, Timeout: "1m"}},
		}}
		s := service.NewSupervisor(newEngine(t), plan, service.WithOneshot(true))

		var wg sync.WaitGroup
		var doErr error
		wg.Go(func() {
			doErr = s.Do(t.Context())
		})
		require.Eventually(t, func() bool {
			return s.Cancel(t.Context(), "sleep") == nil
		}, 5*time.Second, 10*time.Millisecond)
		wg.Wait()
		require.ErrorIs(t, doErr, service.ErrCancelled)
		require.ErrorIs(t, s.Cancel(t.Context(), "sleep"), service.ErrUnknownJob)
	})

	t.Run("scheduled", func(t *testing.T) {
		t.Parallel()
		if testing.Short() {
			t.Skip("scheduled runs take seconds")
		}
		marks := filepath.Join(t.TempDir(), "marks")
		plan := model.Plan{Jobs: []model.Job{
			{
				Name:     "mark",
				Kind:     model.KindExec,
				Exec:     &model.Exec{Path: sh, Args: []string{"-c", "echo x >> " + marks}, Timeout: "5s"},
				Schedule: &model.Schedule{Every: "PT1S"},
			},
		}}
		s := service.NewSupervisor(newEngine(t), plan)
		ctx, cancel := context.WithTimeout(t.Context(), 2500*time.Millisecond)
		defer cancel()
		require.NoError(t, s.Do(ctx))

		b, err := os.ReadFile(marks)
		require.NoError(t, err)
		// the initial submission plus two scheduled ones
		require.GreaterOrEqual(t, strings.Count(string(b), "x"), 2)
	})

	t.Run("bad schedule", func(t *testing.T) {
		t.Parallel()
		plan := model.Plan{Jobs: []model.Job{
			{Name: "a", Kind: model.KindExec, Exec: &model.Exec{Path: sh}, Schedule: &model.Schedule{Every: "P2M"}},
		}}
		s := service.NewSupervisor(newEngine(t), plan)
		require.ErrorIs(t, s.Do(t.Context()), model.ErrISOFormat)
	})
}
