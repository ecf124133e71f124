package service_test

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/viking-gps/bgpool/internal/background"
	"github.com/viking-gps/bgpool/internal/model"
	"github.com/viking-gps/bgpool/internal/service"

	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "beta",
	}
	for name, content := range files {
		path := filepath.Join(dir, "data", filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	var testCases = []struct {
		scenario string
		given    string
		sum      func(string) string
	}{
		{"sha256", model.AlgorithmSHA256, func(s string) string {
			h := sha256.Sum256([]byte(s))
			return hex.EncodeToString(h[:])
		}},
		{"md5", model.AlgorithmMD5, func(s string) string {
			h := md5.Sum([]byte(s))
			return hex.EncodeToString(h[:])
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			e := newEngine(t)
			done, ch := doneChan()
			output := filepath.Join(t.TempDir(), "out", "sums.txt")

			digest, err := service.NewDigest("sums", model.Digest{
				Paths:     []string{filepath.Join(dir, "data")},
				Algorithm: tc.given,
				Output:    output,
			}, done)
			require.NoError(t, err)
			_, err = digest.Submit(e, background.Local)
			require.NoError(t, err)
			require.NoError(t, waitDone(t, ch))

			b, err := os.ReadFile(output)
			require.NoError(t, err)
			lines := strings.Split(strings.TrimSpace(string(b)), "\n")
			var want []string
			for name, content := range files {
				want = append(want, fmt.Sprintf("%s  %s", tc.sum(content), filepath.Join(dir, "data", filepath.FromSlash(name))))
			}
			slices.Sort(lines)
			slices.Sort(want)
			require.Equal(t, want, lines)
		})
	}
}

func TestDigestErrors(t *testing.T) {
	t.Parallel()
	t.Run("missing path", func(t *testing.T) {
		_, err := service.NewDigest("sums", model.Digest{
			Paths:  []string{filepath.Join(t.TempDir(), "missing")},
			Output: filepath.Join(t.TempDir(), "sums.txt"),
		}, nil)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("algorithm", func(t *testing.T) {
		_, err := service.NewDigest("sums", model.Digest{
			Paths:     []string{t.TempDir()},
			Algorithm: "crc32",
			Output:    filepath.Join(t.TempDir(), "sums.txt"),
		}, nil)
		require.EqualError(t, err, `job sums: unsupported algorithm "crc32"`)
	})
}

func TestDigestCancelledEarly(t *testing.T) {
	t.Parallel()
	e, err := background.New(background.PoolConfig{Category: background.Local, MaxThreads: 1, Enabled: true})
	require.NoError(t, err)
	require.NoError(t, e.Start(t.Context()))

	data := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(data, "x"), []byte("x"), 0644))

	// keep the only worker busy until shutdown
	block := make(chan struct{})
	_, err = background.Submit(e, background.Local, background.Spec[chan struct{}]{
		Label:   "blocker",
		Context: block,
		Run: func(block chan struct{}, j *background.Job) {
			close(block)
			for !j.TestCancel() {
				<-j.Context().Done()
			}
		},
	})
	require.NoError(t, err)
	<-block

	done, ch := doneChan()
	output := filepath.Join(t.TempDir(), "sums.txt")
	digest, err := service.NewDigest("sums", model.Digest{Paths: []string{data}, Output: output}, done)
	require.NoError(t, err)
	_, err = digest.Submit(e, background.Local)
	require.NoError(t, err)
	require.FileExists(t, output)

	require.NoError(t, e.Shutdown(t.Context()))
	require.ErrorIs(t, waitDone(t, ch), service.ErrCancelled)
	require.NoFileExists(t, output)
}
