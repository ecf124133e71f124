package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/service"

	"github.com/stretchr/testify/require"
)

// newEngine enables every category unless cfgs are given.
func newEngine(t *testing.T, cfgs ...background.PoolConfig) *background.Engine {
	t.Helper()
	if len(cfgs) == 0 {
		cfgs = []background.PoolConfig{
			{Category: background.Remote, MaxThreads: 2, Enabled: true},
			{Category: background.Local, MaxThreads: 2, Enabled: true},
			{Category: background.Render, MaxThreads: 1, Enabled: true},
		}
	}
	e, err := background.New(cfgs...)
	require.NoError(t, err)
	require.NoError(t, e.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Shutdown(ctx))
	})
	return e
}

// doneChan returns a DoneFunc delivering the task error to the channel.
func doneChan() (service.DoneFunc, <-chan error) {
	ch := make(chan error, 1)
	return func(_ string, err error) {
		ch <- err
	}, ch
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("task not finished in time")
		return nil
	}
}
