package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/viking-gps/bgpool/internal/model"

	"github.com/stretchr/testify/require"
)

func TestLoadPlan(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
jobs:
  - name: tiles
    kind: fetch
    fetch:
      urls:
        - https://tile.example.com/1/0/0.png
        - https://tile.example.com/1/0/1.png
      dir: ./tiles
    schedule:
      every: PT10M
  - name: checksums
    kind: digest
    category: local
    digest:
      paths: [./tiles]
      output: ./sums.txt
  - name: render
    kind: exec
    exec:
      path: /usr/bin/true
      args: [--quiet]
      timeout: 30s
    schedule:
      cron: "*/5 * * * *"
`
	plan, err := model.LoadPlan(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Len(t, plan.Jobs, 3)

	tiles := plan.Jobs[0]
	require.Equal(t, model.KindFetch, tiles.Kind)
	require.Equal(t, "remote", tiles.CategoryName())
	require.NotNil(t, tiles.Fetch)
	require.Len(t, tiles.Fetch.URLs, 2)
	require.Equal(t, 4, tiles.Fetch.Parallel)
	require.Equal(t, "PT10M", tiles.Schedule.Every)
	require.Nil(t, tiles.Digest)

	sums := plan.Jobs[1]
	require.Equal(t, "local", sums.CategoryName())
	require.Equal(t, model.AlgorithmSHA256, sums.Digest.Algorithm)
	require.Nil(t, sums.Schedule)

	render := plan.Jobs[2]
	require.Equal(t, "local", render.CategoryName())
	d, err := render.Exec.Duration()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)
	require.Equal(t, "*/5 * * * *", render.Schedule.Cron)
}

func TestLoadPlan_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "missing dir",
			given: `
version: 0
jobs:
  - name: tiles
    kind: fetch
    fetch:
      urls: [https://example.com/a.png]
`,
			then: "jobs.0.fetch.dir",
		},
		{
			scenario: "body of other kind",
			given: `
version: 0
jobs:
  - name: sums
    kind: digest
    digest: {paths: [.], output: sums.txt}
    exec: {path: /bin/true}
`,
			then: "not allowed",
		},
		{
			scenario: "no jobs",
			given: `
version: 0
jobs: []
`,
			then: "jobs",
		},
		{
			scenario: "duplicate",
			given: `
version: 0
jobs:
  - {name: a, kind: exec, exec: {path: /bin/true}}
  - {name: a, kind: exec, exec: {path: /bin/false}}
`,
			then: "duplicate job name: a",
		},
		{
			scenario: "bad cron",
			given: `
version: 0
jobs:
  - name: a
    kind: exec
    exec: {path: /bin/true}
    schedule: {cron: "* * 32 * *"}
`,
			then: "job a: schedule: end of range (32) above maximum (31): 32",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadPlan(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}

	t.Run("duplicate is sentinel", func(t *testing.T) {
		t.Parallel()
		_, err := model.LoadPlan(strings.NewReader(testCases[3].given))
		require.ErrorIs(t, err, model.ErrDuplicateJob)
	})
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
jobs:
  - name: a
    kind: copy
`
	_, err := model.LoadPlan(strings.NewReader(yml))
	require.Error(t, err)

	details := model.CueErrDetails(err)
	require.NotEmpty(t, details)
	var found bool
	for _, d := range details {
		require.NotEmpty(t, d.Code)
		require.NotEmpty(t, d.Pos.Filename)
		if strings.HasSuffix(d.Path, "kind") {
			found = true
			require.Contains(t, d.Message, "possible values (fetch,digest,exec)")
		}
	}
	require.True(t, found, "kind error expected in %+v", details)

	require.Nil(t, model.CueErrDetails(nil))
}
