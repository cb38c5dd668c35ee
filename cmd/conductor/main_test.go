package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/conductor/internal/history"
	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/registry"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadDefaultConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", configName)
	require.NoError(t, storeConfig(path, model.DefaultConfig()))
	require.True(t, exists(path))
	require.False(t, exists(filepath.Dir(path)))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig().Workers, cfg.Workers)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    map[string]any
		then     model.Supervisor
		err      error
	}{
		{
			scenario: "nothing set",
			given:    map[string]any{},
			then:     model.Supervisor{FailurePolicy: model.FailureHold},
		},
		{
			scenario: "all set",
			given: map[string]any{
				"verbose":        true,
				"fast-interval":  "500ms",
				"slow-interval":  "PT10S",
				"failure-policy": "cascade",
			},
			then: model.Supervisor{
				Verbose:       true,
				FastInterval:  model.Duration(500 * time.Millisecond),
				SlowInterval:  model.Duration(10 * time.Second),
				FailurePolicy: model.FailureCascade,
			},
		},
		{
			scenario: "bad interval",
			given:    map[string]any{"fast-interval": "often"},
			err:      model.ErrInvalidConfig,
		},
		{
			scenario: "zero interval",
			given:    map[string]any{"slow-interval": "0s"},
			err:      model.ErrInvalidConfig,
		},
		{
			scenario: "bad policy",
			given:    map[string]any{"failure-policy": "retry"},
			err:      model.ErrInvalidConfig,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			v := viper.New()
			for k, val := range tc.given {
				v.Set(k, val)
			}
			cfg := model.Config{Supervisor: model.Supervisor{FailurePolicy: model.FailureHold}}
			err := applyOverrides(&cfg, v)
			if tc.err != nil {
				require.True(t, errors.Is(err, tc.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, cfg.Supervisor)
		})
	}
}

func TestGraph(t *testing.T) {
	t.Parallel()
	reg, err := registry.New(model.DefaultConfig().Workers)
	require.NoError(t, err)

	nodes := graph(reg)
	require.Len(t, nodes, reg.Len())
	require.Equal(t, "producer", nodes[0].Name)
	require.Empty(t, nodes[0].Delay)
	require.Equal(t, []string{"processor"}, nodes[0].Dependents)

	deployer := nodes[3]
	require.Equal(t, "deployer", deployer.Name)
	require.Equal(t, "3s", deployer.Delay)
	require.Equal(t, []string{"trainer", "processor"}, deployer.Dependencies)
	require.ElementsMatch(t, []string{"drift_detector", "allocator", "ui"}, deployer.Dependents)
}

func TestPrintRuns(t *testing.T) {
	t.Parallel()
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	code := 1
	reason := "exit code 1"
	var buf bytes.Buffer
	err := printRuns(&buf, []history.RunRow{
		{Run: history.Run{Worker: "trainer", State: model.Failed, Pid: 7, Started: &started, Stopped: &started, ExitCode: &code, Reason: &reason}},
		{Run: history.Run{Worker: "producer", State: model.Running, Pid: 5, Started: &started}},
	})
	require.NoError(t, err)
	out := buf.String()
	require.Contains(t, out, "WORKER")
	require.Contains(t, out, "trainer")
	require.Contains(t, out, "exit code 1")
	require.Contains(t, out, "running")
}
