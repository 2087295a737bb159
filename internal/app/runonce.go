package app

import (
	"context"
	"fmt"
	"time"

	"tunerd/internal/task/engine"
	logx "tunerd/pkg/logx"
)

// RunOnce runs the configured job key through a fresh engine and returns its
// final record once no retry is pending. Schedules are not installed.
func (a *App) RunOnce(ctx context.Context, key string) (engine.FinishedJob, error) {
	spec, err := a.lookupJob(key)
	if err != nil {
		a.Stop(context.Background(), StopContext)
		return engine.FinishedJob{}, err
	}

	if a.store != nil {
		events, unsub := a.bus.Subscribe(64)
		a.stopPersist, a.persistDone = unsub, make(chan struct{})
		go func() {
			defer close(a.persistDone)
			a.persistRuns(events)
		}()
	}
	a.engine.Start(ctx)
	a.engine.Add(spec)

	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()

	var last engine.FinishedJob
wait:
	for {
		select {
		case <-ctx.Done():
			err = context.Cause(ctx)
			break wait
		case <-t.C:
		}
		for _, f := range a.engine.History() {
			if f.Spec.Key != key {
				continue
			}
			last = f
			if retry, _ := engine.RetryDecision(f); !retry {
				break wait
			}
			break
		}
	}

	reason := StopContext
	if err != nil {
		reason = StopSignal
	} else {
		a.log.Debug("run once finished", logx.String("job", key), logx.Int("attempt", last.AttemptCount))
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Stop(stopCtx, reason)
	if err != nil && last.ID == "" {
		return last, err
	}
	return last, nil
}

func (a *App) lookupJob(key string) (engine.JobSpec, error) {
	for _, jc := range a.cfgm.Get().Jobs {
		if jc.Key == key {
			return commandJob(jc, a.log)
		}
	}
	return engine.JobSpec{}, fmt.Errorf("job %q is not configured", key)
}
