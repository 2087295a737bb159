package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
job_engine:
  max_running: 2
  max_standby: 1
  standby_poll: 250ms
  timezone: UTC
decoder:
  command: arib-b25-stream-test
  liveness_timeout: 2s
storage:
  driver: sqlite
  path: ./tunerd.sqlite
jobs:
  - key: epg
    name: EPG refresh
    cron: "*/30 * * * *"
    command: tunerd-epg --all
    retry_on_fail: true
    retry_max: 2
    retry_delay: 30s
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "tunerd.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobEngine.MaxRunning != 2 || cfg.JobEngine.Timezone != "UTC" {
		t.Fatalf("job_engine = %+v", cfg.JobEngine)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Jobs) != 1 || cfg.Jobs[0].RetryMax != 2 || !cfg.Jobs[0].RetryOnFail {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown json field", path: "c.json", body: `{"job_engine":{"workers":4}}`},
		{name: "unknown yaml field", path: "c.yml", body: "decoder:\n  cmd: x\n"},
		{name: "trailing json", path: "c.json", body: `{} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "ok", cfg: Config{Jobs: []JobConfig{{Key: "a", Command: "true", Cron: "0 4 * * *"}}}},
		{name: "bad cron", cfg: Config{Jobs: []JobConfig{{Key: "a", Command: "true", Cron: "61 0 * * *"}}}, want: "jobs[0].cron"},
		{name: "duplicate key", cfg: Config{Jobs: []JobConfig{{Key: "a", Command: "true"}, {Key: "a", Command: "true"}}}, want: "duplicate"},
		{name: "missing command", cfg: Config{Jobs: []JobConfig{{Key: "a"}}}, want: "jobs[0].command"},
		{name: "bad duration", cfg: Config{Decoder: DecoderConfig{RespawnDelay: "soon"}}, want: "decoder.respawn_delay"},
		{name: "negative limit", cfg: Config{JobEngine: JobEngineConfig{MaxRunning: -1}}, want: "job_engine.max_running"},
		{name: "bad timezone", cfg: Config{JobEngine: JobEngineConfig{Timezone: "Mars/Olympus"}}, want: "job_engine.timezone"},
		{name: "storage without path", cfg: Config{Storage: &StorageConfig{Driver: "file"}}, want: "storage.path"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Jobs: []JobConfig{{Key: "a", Command: "x"}, {Key: "b", Command: "y"}}}
	newCfg := &Config{
		JobEngine: JobEngineConfig{MaxRunning: 4},
		Jobs:      []JobConfig{{Key: "a", Command: "x"}, {Key: "b", Command: "z"}, {Key: "c", Command: "w"}},
	}
	changed, _, jobs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "job_engine,jobs" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(jobs, ",") != "b,c" {
		t.Fatalf("jobs = %v", jobs)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "tunerd.json", `{"job_engine":{"max_running":1}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond) // let the watcher register

	// invalid content is rejected and never published
	if err := os.WriteFile(path, []byte(`{"job_engine":{"max_running":-3}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDebounce)
	if err := os.WriteFile(path, []byte(`{"job_engine":{"max_running":3}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.JobEngine.MaxRunning != 3 {
			t.Fatalf("published max_running = %d", cfg.JobEngine.MaxRunning)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().JobEngine.MaxRunning != 3 {
		t.Fatal("published config was not committed")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()
	b := newBackoff()
	for i := 0; i < 10; i++ {
		if d := b.next(); d > restartBackoffMax+restartBackoffMax/2 {
			t.Fatalf("backoff %d = %v", i, d)
		}
	}
	if b.cur != restartBackoffMax {
		t.Fatalf("base = %v, want cap", b.cur)
	}
}
