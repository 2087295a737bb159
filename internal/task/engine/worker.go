package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tunerd/internal/eventbus"
	logx "tunerd/pkg/logx"
)

// reevaluateLocked admits queued jobs into standby, FIFO, until standby is full.
// Admission keeps going after Close so cancelled jobs drain to history.
func (s *Service) reevaluateLocked() {
	for len(s.standby) < s.cfg.MaxStandby && len(s.queued) > 0 {
		j := s.queued[0]
		s.queued[0] = nil
		s.queued = s.queued[1:]
		s.cnt.JobsQueued.Add(-1)

		now := time.Now()
		j.status = StatusStandby
		j.updatedAt = now
		s.standby = append(s.standby, j)
		s.publishStatusLocked(j, now)

		s.sup.Go0("job:"+j.spec.Key, func(context.Context) { s.lifecycle(j) })
	}
}

// lifecycle runs a standby job through readiness, the wait for a running
// slot, execution and finish.
func (s *Service) lifecycle(j *job) {
	ready := true
	if j.ctx.Err() == nil && j.spec.Ready != nil {
		ok, err := s.checkReady(j)
		if err != nil {
			s.log.Warn("job readiness check failed; skipping", logx.String("key", j.spec.Key), logx.String("id", j.id), logx.Err(err))
		}
		ready = ok && err == nil
	}

	for {
		s.mu.Lock()
		if !removeJob(&s.standby, j) {
			// no longer ours; nothing else moves standby jobs, but stay safe
			s.mu.Unlock()
			return
		}
		switch {
		case j.ctx.Err() != nil:
			// an abort wins over a predicate that declined because of it
			s.finishLocked(j, OutcomeAborted, nil)
			s.mu.Unlock()
			return
		case !ready:
			j.cancel(ErrSkipped)
			s.finishLocked(j, OutcomeSkipped, nil)
			s.mu.Unlock()
			return
		case len(s.running) < s.cfg.MaxRunning:
			now := time.Now()
			j.status = StatusRunning
			j.startedAt = now
			j.updatedAt = now
			s.running = append(s.running, j)
			s.cnt.JobsRunning.Add(1)
			s.publishStatusLocked(j, now)
			s.mu.Unlock()

			err := s.execute(j)

			s.mu.Lock()
			if removeJob(&s.running, j) {
				s.cnt.JobsRunning.Add(-1)
				s.finishLocked(j, OutcomeRan, err)
			}
			s.mu.Unlock()
			return
		}
		// Running set saturated: put the job back and poll.
		s.standby = append(s.standby, j)
		poll := s.cfg.StandbyPoll
		s.mu.Unlock()

		t := time.NewTimer(poll)
		select {
		case <-t.C:
		case <-j.ctx.Done():
			t.Stop()
		}
	}
}

func (s *Service) checkReady(j *job) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job readiness check panicked", logx.String("key", j.spec.Key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			ok, err = false, fmt.Errorf("readiness panic: %v", r)
		}
	}()
	return j.spec.Ready(j.ctx)
}

func (s *Service) execute(j *job) (err error) {
	ctx := j.ctx
	if j.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.spec.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("key", j.spec.Key), logx.String("id", j.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.log.Debug("job running", logx.String("key", j.spec.Key), logx.String("id", j.id), logx.Int("attempt", j.attempt))
	return j.spec.Run(ctx)
}

// finishLocked records j as finished. j must already be out of every live collection.
func (s *Service) finishLocked(j *job, outcome Outcome, runErr error) {
	now := time.Now()
	cancelled := j.ctx.Err() != nil
	cause := context.Cause(j.ctx)

	f := FinishedJob{
		Spec:         j.spec,
		ID:           j.id,
		AttemptCount: j.attempt,
		CreatedAt:    j.createdAt,
		StartedAt:    j.startedAt,
		FinishedAt:   now,
		Outcome:      outcome,
		Cancelled:    cancelled,
		Failed:       outcome == OutcomeRan && runErr != nil,
	}
	switch {
	case runErr != nil:
		f.Err = runErr
	case outcome == OutcomeSkipped:
		f.Err = ErrSkipped
	case outcome == OutcomeAborted:
		f.Err = cause
	}

	j.status = StatusFinished
	j.updatedAt = now
	// release the handle; cause stays ErrSkipped/AbortError if already set
	j.cancel(context.Canceled)
	if s.live[j.spec.Key] == j {
		delete(s.live, j.spec.Key)
	}
	s.history.Push(f)

	s.cnt.JobsFinished.Add(1)
	switch {
	case f.Skipped():
		s.cnt.JobsSkipped.Add(1)
	case f.Aborted():
		s.cnt.JobsAborted.Add(1)
	}
	if f.Failed {
		s.cnt.JobsFailed.Add(1)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.JobStatus, Time: now, Data: finishedView(f)})
	fields := []logx.Field{
		logx.String("key", j.spec.Key),
		logx.String("id", j.id),
		logx.String("outcome", outcome.String()),
		logx.Int("attempt", j.attempt),
		logx.Duration("took", f.Duration()),
	}
	switch {
	case f.Failed:
		s.log.Warn("job failed", append(fields, logx.Err(runErr))...)
	case f.Skipped():
		s.log.Debug("job skipped", fields...)
	case f.Aborted():
		s.log.Info("job aborted", append(fields, logx.String("reason", abortReason(cause)))...)
	default:
		s.log.Debug("job finished", fields...)
	}

	if ok, delay := RetryDecision(f); ok && !s.closed {
		s.scheduleRetryLocked(f, delay)
	}

	s.reevaluateLocked()
}

// scheduleRetryLocked resubmits f's spec after delay with the next attempt
// number. The wait is abandoned if the engine closes first.
func (s *Service) scheduleRetryLocked(f FinishedJob, delay time.Duration) {
	spec, next := f.Spec, f.AttemptCount+1
	s.cnt.JobsRetried.Add(1)
	s.log.Info("job retry scheduled",
		logx.String("key", spec.Key),
		logx.Int("attempt", next),
		logx.Int("retry_max", spec.RetryMax),
		logx.Duration("delay", delay),
	)
	s.sup.Go0("retry:"+spec.Key, func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.AddAttempt(spec, next)
	})
}

func removeJob(coll *[]*job, j *job) bool {
	for i, x := range *coll {
		if x != j {
			continue
		}
		c := *coll
		copy(c[i:], c[i+1:])
		c[len(c)-1] = nil
		*coll = c[:len(c)-1]
		return true
	}
	return false
}

func abortReason(cause error) string {
	var ae *AbortError
	if errors.As(cause, &ae) {
		return ae.Reason
	}
	if cause != nil {
		return cause.Error()
	}
	return ""
}
