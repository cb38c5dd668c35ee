package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		err      bool
	}{
		{"go duration", "1m30s", 90 * time.Second, false},
		{"iso seconds", "PT3S", 3 * time.Second, false},
		{"iso fraction", "PT0.5S", 500 * time.Millisecond, false},
		{"iso days", "P1DT1H", 25 * time.Hour, false},
		{"plain seconds", "3", 3 * time.Second, false},
		{"plain fraction", "0.25", 250 * time.Millisecond, false},
		{"zero", "0", 0, false},
		{"empty", "", 0, true},
		{"negative", "-1s", 0, true},
		{"garbage", "soon", 0, true},
		{"iso months", "P2M", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseDuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestDurationJSON(t *testing.T) {
	t.Parallel()
	var v struct {
		A model.Duration `json:"a"`
		B model.Duration `json:"b"`
	}
	err := json.Unmarshal([]byte(`{"a": 3, "b": "PT1M"}`), &v)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, v.A.Std())
	require.Equal(t, time.Minute, v.B.Std())

	err = json.Unmarshal([]byte(`{"a": true}`), &v)
	require.Error(t, err)

	text, err := model.Duration(1500 * time.Millisecond).MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1.5s", string(text))
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	d, err := model.ParseCron("*/15 * * * *")
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, d)

	d, err = model.ParseCron("@every 30s")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)

	_, err = model.ParseCron("")
	require.EqualError(t, err, "empty cron expression")

	_, err = model.ParseCron("* * 32 * *")
	require.Error(t, err)
}

func TestState(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		state     model.State
		name      string
		terminal  bool
		satisfies bool
	}{
		{model.Pending, "pending", false, false},
		{model.Running, "running", false, true},
		{model.Finished, "finished", true, true},
		{model.Failed, "failed", true, false},
		{model.Stopped, "stopped", true, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.name, tc.state.String())
			require.Equal(t, tc.terminal, tc.state.Terminal())
			require.Equal(t, tc.satisfies, tc.state.Satisfies())

			text, err := tc.state.MarshalText()
			require.NoError(t, err)
			var back model.State
			require.NoError(t, back.UnmarshalText(text))
			require.Equal(t, tc.state, back)
		})
	}
	require.Equal(t, "State(42)", model.State(42).String())
}
