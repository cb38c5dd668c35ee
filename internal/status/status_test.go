package status_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/status"
	"github.com/CZERTAINLY/conductor/internal/supervisor"
	"github.com/stretchr/testify/require"
)

type uploads struct {
	mx  sync.Mutex
	raw [][]byte
}

func (u *uploads) Upload(_ context.Context, raw []byte) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	u.raw = append(u.raw, bytes.Clone(raw))
	return nil
}

func (u *uploads) Len() int {
	u.mx.Lock()
	defer u.mx.Unlock()
	return len(u.raw)
}

func (u *uploads) Last(t *testing.T) supervisor.Snapshot {
	t.Helper()
	u.mx.Lock()
	defer u.mx.Unlock()
	require.NotEmpty(t, u.raw)
	var snap supervisor.Snapshot
	require.NoError(t, json.Unmarshal(u.raw[len(u.raw)-1], &snap))
	return snap
}

func snapshot(state model.State) status.Source {
	return func() supervisor.Snapshot {
		return supervisor.Snapshot{
			Taken:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			Settled: state.Satisfies(),
			Workers: []supervisor.WorkerStatus{
				{Name: "producer", State: state, Pid: 42},
			},
		}
	}
}

func TestWriteUploader(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r, err := status.NewReporter(t.Context(), model.Status{Every: "1h"}, snapshot(model.Running), status.NewWriteUploader(&buf))
	require.NoError(t, err)
	require.NoError(t, r.Publish(t.Context()))
	require.JSONEq(t, `{
		"taken": "2025-06-01T12:00:00Z",
		"settled": true,
		"workers": [{"name": "producer", "state": "running", "pid": 42}]
	}`, buf.String())
}

func TestOSRootUploader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	u, err := status.NewOSRootUploader(dir)
	require.NoError(t, err)

	require.NoError(t, u.Upload(t.Context(), []byte(`{"first":true}`)))
	require.NoError(t, u.Upload(t.Context(), []byte(`{"second":true}`)))

	b, err := os.ReadFile(filepath.Join(dir, status.FileName))
	require.NoError(t, err)
	require.Equal(t, `{"second":true}`, string(b))
	_, err = os.Stat(filepath.Join(dir, status.FileName+".tmp"))
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, u.Close())
	require.Error(t, u.Upload(t.Context(), []byte(`{}`)))
	require.Error(t, u.Close())

	_, err = status.NewOSRootUploader(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestHTTPUploader(t *testing.T) {
	t.Parallel()
	var (
		mx   sync.Mutex
		got  []byte
		ctyp string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "dashboard is down", http.StatusServiceUnavailable)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mx.Lock()
		got, ctyp = b, r.Header.Get("Content-Type")
		mx.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	u, err := status.NewHTTPUploader(srv.URL + "/status/")
	require.NoError(t, err)
	require.NoError(t, u.Upload(t.Context(), []byte(`{"ok":1}`)))
	mx.Lock()
	require.Equal(t, `{"ok":1}`, string(got))
	require.Equal(t, "application/json", ctyp)
	mx.Unlock()

	u, err = status.NewHTTPUploader(srv.URL + "/fail")
	require.NoError(t, err)
	err = u.Upload(t.Context(), []byte(`{}`))
	require.ErrorContains(t, err, "503")
	require.ErrorContains(t, err, "dashboard is down")

	_, err = status.NewHTTPUploader("localhost:8501")
	require.Error(t, err)
}

func TestUploaders(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ups, err := status.Uploaders(&buf, "", "")
	require.NoError(t, err)
	require.Len(t, ups, 1)
	require.IsType(t, status.WriteUploader{}, ups[0])

	ups, err = status.Uploaders(&buf, t.TempDir(), "http://localhost:8501/status")
	require.NoError(t, err)
	require.Len(t, ups, 2)
	require.IsType(t, &status.OSRootUploader{}, ups[0])
	require.IsType(t, &status.HTTPUploader{}, ups[1])
	for _, u := range ups {
		if c, ok := u.(status.UploadCloser); ok {
			require.NoError(t, c.Close())
		}
	}
}

func TestNewReporter_Schedule(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.Status
		ok       bool
	}{
		{"go duration", model.Status{Every: "30s"}, true},
		{"iso duration", model.Status{Every: "PT1M"}, true},
		{"cron", model.Status{Cron: "*/5 * * * *"}, true},
		{"cron macro", model.Status{Cron: "@hourly"}, true},
		{"bad cron", model.Status{Cron: "* * *"}, false},
		{"bad duration", model.Status{Every: "soon"}, false},
		{"zero duration", model.Status{Every: "0s"}, false},
		{"empty", model.Status{}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			r, err := status.NewReporter(t.Context(), tc.given, snapshot(model.Pending))
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, r)
		})
	}
}

func TestReporterRun(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var (
		mx    sync.Mutex
		state = model.Running
	)
	source := func() supervisor.Snapshot {
		mx.Lock()
		defer mx.Unlock()
		return snapshot(state)()
	}

	u := &uploads{}
	r, err := status.NewReporter(ctx, model.Status{Every: "50ms"}, source, u)
	require.NoError(t, err)

	final := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, final) }()

	require.Eventually(t, func() bool { return u.Len() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, model.Running, u.Last(t).Workers[0].State)

	cancel()
	mx.Lock()
	state = model.Stopped
	mx.Unlock()
	close(final)

	require.NoError(t, <-done)
	last := u.Last(t)
	require.Equal(t, model.Stopped, last.Workers[0].State)
	require.False(t, last.Settled)
}
