package app

import (
	"context"
	"time"

	"tunerd/internal/eventbus"
	"tunerd/internal/storage"
	"tunerd/internal/task/engine"
	logx "tunerd/pkg/logx"
)

// persistRuns stores every finished job announced on the bus. It returns
// once events is closed and drained, so runs aborted during shutdown are kept.
func (a *App) persistRuns(events <-chan eventbus.Event) {
	for e := range events {
		v, ok := e.Data.(engine.JobView)
		if !ok || e.Type != eventbus.JobStatus || v.Status != engine.StatusFinished {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.store.AppendRun(ctx, runRecord(a.session, v)); err != nil {
			a.log.Warn("persist run failed", logx.String("key", v.Key), logx.String("id", v.ID), logx.Err(err))
		}
		cancel()
	}
}

func runRecord(session string, v engine.JobView) storage.RunRecord {
	r := storage.RunRecord{
		Session:    session,
		JobID:      v.ID,
		Key:        v.Key,
		Name:       v.Name,
		Attempt:    v.AttemptCount,
		Aborted:    v.IsAborting,
		Error:      v.Error,
		CreatedAt:  v.CreatedAt,
		FinishedAt: v.UpdatedAt,
		DurationMs: v.DurationMs,
	}
	if v.DurationMs > 0 {
		r.StartedAt = v.UpdatedAt.Add(-time.Duration(v.DurationMs) * time.Millisecond)
	}
	r.Failed = v.Failed
	switch {
	case v.Error == engine.ErrSkipped.Error():
		r.Outcome = engine.OutcomeSkipped.String()
	case v.IsAborting:
		r.Outcome = engine.OutcomeAborted.String()
	case v.Failed:
		r.Outcome = "failed"
	default:
		r.Outcome = "ok"
	}
	return r
}
