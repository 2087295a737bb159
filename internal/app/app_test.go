package app

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunerd/internal/config"
	"tunerd/internal/storage"
	"tunerd/internal/task/engine"
	logx "tunerd/pkg/logx"
)

func requireBinaries(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := exec.LookPath(n); err != nil {
			t.Skipf("skipped, binary %s not available: %v", n, err)
		}
	}
}

func TestCommandJob(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "true", "false")
	ctx := context.Background()

	spec, err := commandJob(config.JobConfig{
		Key:          "epg",
		Command:      "false",
		ReadyCommand: "false",
		RetryOnFail:  true,
		RetryMax:     2,
		RetryDelay:   "30s",
		Timeout:      "1m",
	}, logx.Nop())
	require.NoError(t, err)
	require.Equal(t, "epg", spec.Name)
	require.Equal(t, 30*time.Second, spec.RetryDelay)
	require.Equal(t, time.Minute, spec.Timeout)

	ready, err := spec.Ready(ctx)
	require.NoError(t, err)
	require.False(t, ready)

	err = spec.Run(ctx)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.ExitCode())

	ok, err := commandJob(config.JobConfig{Key: "ok", Command: "true", ReadyCommand: "true"}, logx.Nop())
	require.NoError(t, err)
	ready, err = ok.Ready(ctx)
	require.NoError(t, err)
	require.True(t, ready)
	require.NoError(t, ok.Run(ctx))

	_, err = commandJob(config.JobConfig{Key: "bad", Command: "true", Timeout: "forever"}, logx.Nop())
	require.Error(t, err)
}

func TestRunCommandCapturesOutputTail(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "ls")
	err := runCommand(context.Background(), []string{"ls", "/definitely/not/here"}, logx.Nop())
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Contains(t, err.Error(), "/definitely/not/here")
}

func TestRunCommandStopsOnAbort(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "sleep")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel(&engine.AbortError{Reason: "user"})
	}()
	start := time.Now()
	err := runCommand(ctx, []string{"sleep", "30"}, logx.Nop())
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	t.Parallel()
	var b tailBuffer
	_, _ = b.Write([]byte(strings.Repeat("a", outputTail)))
	_, _ = b.Write([]byte("tail"))
	s := b.String()
	require.Len(t, s, outputTail)
	require.True(t, strings.HasSuffix(s, "tail"))
}

func TestRunRecordOutcome(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		name    string
		view    engine.JobView
		outcome string
		failed  bool
	}{
		{name: "ok", view: engine.JobView{}, outcome: "ok"},
		{name: "failed", view: engine.JobView{Failed: true, Error: "exit status 1"}, outcome: "failed", failed: true},
		{name: "skipped", view: engine.JobView{IsAborting: true, Error: "skipped"}, outcome: "skipped"},
		{name: "aborted", view: engine.JobView{IsAborting: true, Error: "aborted: user"}, outcome: "aborted"},
		{name: "aborted and failed", view: engine.JobView{IsAborting: true, Failed: true, Error: "signal: terminated"}, outcome: "aborted", failed: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.view.UpdatedAt = now
			tt.view.DurationMs = 1500
			r := runRecord("s", tt.view)
			require.Equal(t, tt.outcome, r.Outcome)
			require.Equal(t, tt.failed, r.Failed)
			require.Equal(t, now.Add(-1500*time.Millisecond), r.StartedAt)
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	require.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	require.True(t, enabled)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis", Path: "x"}})
	require.Error(t, err)
}

func TestMapDecoderConfig(t *testing.T) {
	t.Parallel()
	_, err := MapDecoderConfig(&config.Config{}, "")
	require.Error(t, err)

	dc, err := MapDecoderConfig(&config.Config{Decoder: config.DecoderConfig{Command: "b25", RespawnDelay: "2s"}}, "cat -u")
	require.NoError(t, err)
	require.Equal(t, "cat -u", dc.Command)
	require.Equal(t, 2*time.Second, dc.RespawnDelay)
}

func TestAppRunsAndPersistsJobs(t *testing.T) {
	requireBinaries(t, "true", "false")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tunerd.yaml")
	body := `
logging:
  level: error
job_engine:
  max_running: 1
  max_standby: 1
  standby_poll: 10ms
storage:
  driver: file
  path: ` + filepath.Join(dir, "runs.db") + `
jobs:
  - key: warmup
    command: "true"
  - key: probe
    command: "true"
    ready_command: "false"
  - key: nightly
    cron: "0 4 * * *"
    command: "true"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	a, err := NewApp(cfgPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(a.Engine().History()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, a.Engine().Schedules(), 1)
	require.True(t, a.Engine().RunSchedule("nightly"))
	require.Eventually(t, func() bool { return len(a.Engine().History()) == 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "runs.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	outcomes := map[string]string{}
	for _, r := range runs {
		require.NotEmpty(t, r.Session)
		outcomes[r.Key] = r.Outcome
	}
	require.Equal(t, map[string]string{"warmup": "ok", "probe": "skipped", "nightly": "ok"}, outcomes)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "tunerd.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"jobs":[{"key":"a","command":"true","cron":"* * *"}]}`), 0o600))
	_, err := NewApp(p)
	require.Error(t, err)
	require.False(t, errors.Is(err, os.ErrNotExist))
}

func TestRunOnceWaitsForRetries(t *testing.T) {
	requireBinaries(t, "false")
	cfgPath := filepath.Join(t.TempDir(), "tunerd.yaml")
	body := `
logging:
  level: error
jobs:
  - key: flaky
    command: "false"
    retry_on_fail: true
    retry_max: 1
    retry_delay: 1s
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	a, err := NewApp(cfgPath)
	require.NoError(t, err)
	f, err := a.RunOnce(context.Background(), "flaky")
	require.NoError(t, err)
	require.Equal(t, "flaky", f.Spec.Key)
	require.Equal(t, 1, f.AttemptCount)
	require.True(t, f.Failed)
	require.Error(t, f.Err)
	require.Equal(t, uint64(1), a.Counters().Snapshot().JobsRetried)
}

func TestRunOnceReleasesResourcesOnLookupError(t *testing.T) {
	for _, tt := range []struct {
		name, key, want string
	}{
		{name: "unknown key", key: "missing", want: "not configured"},
		{name: "unusable job", key: "broken", want: "command are required"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfgPath := filepath.Join(dir, "tunerd.yaml")
			body := "logging:\n  level: error\nstorage:\n  driver: file\n  path: " + filepath.Join(dir, "runs.db") + "\n"
			require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
			a, err := NewApp(cfgPath)
			require.NoError(t, err)
			// bypasses Validate, which would reject a job without a command
			a.cfgm.Get().Jobs = []config.JobConfig{{Key: "broken"}}

			_, err = a.RunOnce(context.Background(), tt.key)
			require.ErrorContains(t, err, tt.want)
			require.True(t, a.Engine().Snapshot().Closed)
			require.Error(t, a.store.AppendRun(context.Background(), storage.RunRecord{Key: "late"}))
		})
	}
}
