package model_test

import (
	"testing"
	"time"

	"github.com/viking-gps/bgpool/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		err      string
	}{
		{"every 15 minutes", "*/15 * * * *", 15 * time.Minute, ""},
		{"macro hourly", "@hourly", time.Hour, ""},
		{"macro every", "@every 5m", 5 * time.Minute, ""},
		{"invalid dom", "* * 32 * *", 0, "end of range (32) above maximum (31): 32"},
		{"six fields", "0 */2 * * * *", 0, "expected exactly 5 fields, found 6: [0 */2 * * * *]"},
		{"empty", "  ", 0, "empty cron expression"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseCron(tc.given)
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		err      error
	}{
		{"minutes", "PT10M", 10 * time.Minute, nil},
		{"day and hours", "P1DT2H", 26 * time.Hour, nil},
		{"fraction", "PT1.5S", 1500 * time.Millisecond, nil},
		{"comma fraction", "PT0,25S", 250 * time.Millisecond, nil},
		{"ambiguous month", "P2M", 0, model.ErrISOFormat},
		{"dangling T", "P2DT", 0, model.ErrISOFormat},
		{"empty", "", 0, model.ErrISOFormat},
		{"only P", "P", 0, model.ErrISOFormat},
		{"garbage", "10m", 0, model.ErrISOFormat},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseISODuration(tc.given)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseCueDuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		err      bool
	}{
		{"seconds", "90s", 90 * time.Second, false},
		{"day and hours", "1d2h", 26 * time.Hour, false},
		{"all", "1d1h1m1s", 25*time.Hour + time.Minute + time.Second, false},
		{"wrong order", "2h1d", 0, true},
		{"empty", "", 0, true},
		{"overflow", "9999999999999d", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseCueDuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
