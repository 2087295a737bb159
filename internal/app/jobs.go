package app

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"tunerd/internal/config"
	"tunerd/internal/task/engine"
	logx "tunerd/pkg/logx"
)

// outputTail keeps the last bytes a command printed, for error messages.
const outputTail = 2048

// commandJob turns a configured job into an engine template. The work
// function runs Command; ReadyCommand, if set, gates each run.
func commandJob(jc config.JobConfig, log logx.Logger) (engine.JobSpec, error) {
	key := strings.TrimSpace(jc.Key)
	argv := strings.Fields(jc.Command)
	if key == "" || len(argv) == 0 {
		return engine.JobSpec{}, fmt.Errorf("job %q: key and command are required", jc.Key)
	}
	timeout, err := config.ParseDurationField("jobs."+key+".timeout", jc.Timeout)
	if err != nil {
		return engine.JobSpec{}, err
	}
	delay, err := config.ParseDurationField("jobs."+key+".retry_delay", jc.RetryDelay)
	if err != nil {
		return engine.JobSpec{}, err
	}
	name := strings.TrimSpace(jc.Name)
	if name == "" {
		name = key
	}
	log = log.With(logx.String("job", key))

	spec := engine.JobSpec{
		Key:          key,
		Name:         name,
		Timeout:      timeout,
		RetryOnFail:  jc.RetryOnFail,
		RetryOnAbort: jc.RetryOnAbort,
		RetryMax:     jc.RetryMax,
		RetryDelay:   delay,
		Run: func(ctx context.Context) error {
			return runCommand(ctx, argv, log)
		},
	}
	if readyArgv := strings.Fields(jc.ReadyCommand); len(readyArgv) > 0 {
		spec.Ready = func(ctx context.Context) (bool, error) {
			err := runCommand(ctx, readyArgv, log)
			var exitErr *exec.ExitError
			switch {
			case err == nil:
				return true, nil
			case errors.As(err, &exitErr):
				log.Debug("job not ready", logx.Int("exit_code", exitErr.ExitCode()))
				return false, nil
			default:
				return false, err
			}
		}
	}
	return spec, nil
}

// runCommand runs argv until it exits or ctx is done. On cancellation the
// process gets SIGTERM and, after a grace period, SIGKILL.
func runCommand(ctx context.Context, argv []string, log logx.Logger) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	var out tailBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	if err == nil {
		log.Debug("command finished", logx.String("cmd", argv[0]), logx.Duration("took", took))
		return nil
	}
	if ctx.Err() != nil {
		if reason := engine.AbortReason(ctx); reason != "" {
			log.Info("command stopped", logx.String("cmd", argv[0]), logx.String("reason", reason))
		}
	}
	if tail := strings.TrimSpace(out.String()); tail != "" {
		return fmt.Errorf("%s: %w: %s", argv[0], err, tail)
	}
	return fmt.Errorf("%s: %w", argv[0], err)
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - outputTail; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// applyJobs reconciles configured jobs with the engine. Changed and removed
// schedules are dropped first; cron jobs are (re)registered and jobs without
// cron are submitted once.
func (a *App) applyJobs(oldCfg, newCfg *config.Config, keys []string) {
	want := map[string]config.JobConfig{}
	for _, jc := range newCfg.Jobs {
		want[strings.TrimSpace(jc.Key)] = jc
	}
	if oldCfg == nil {
		keys = keys[:0]
		for k := range want {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	for _, key := range keys {
		a.engine.RemoveSchedule(key)
		jc, ok := want[key]
		if !ok {
			continue
		}
		spec, err := commandJob(jc, a.log)
		if err != nil {
			a.log.Warn("job config rejected", logx.String("key", key), logx.Err(err))
			continue
		}
		if strings.TrimSpace(jc.Cron) == "" {
			a.engine.Add(spec)
			continue
		}
		a.engine.AddSchedule(engine.ScheduleEntry{Key: key, Job: spec, Cron: jc.Cron})
	}
}
