package engine

import (
	"time"

	"tunerd/internal/eventbus"
)

func (s *Service) viewLocked(j *job, now time.Time) JobView {
	v := JobView{
		Key:          j.spec.Key,
		Name:         j.spec.Name,
		ID:           j.id,
		Status:       j.status,
		AttemptCount: j.attempt,
		IsAborting:   j.ctx.Err() != nil,
		CreatedAt:    j.createdAt,
		UpdatedAt:    j.updatedAt,
	}
	if !j.startedAt.IsZero() {
		v.DurationMs = now.Sub(j.startedAt).Milliseconds()
	}
	return v
}

func (s *Service) publishStatusLocked(j *job, now time.Time) {
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStatus, Time: now, Data: s.viewLocked(j, now)})
}

func finishedView(f FinishedJob) JobView {
	v := JobView{
		Key:          f.Spec.Key,
		Name:         f.Spec.Name,
		ID:           f.ID,
		Status:       StatusFinished,
		AttemptCount: f.AttemptCount,
		IsAborting:   f.Aborted(),
		Failed:       f.Failed,
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.FinishedAt,
		DurationMs:   f.Duration().Milliseconds(),
	}
	if f.Err != nil {
		v.Error = f.Err.Error()
	}
	return v
}

func scheduleView(sc *schedule, now time.Time) ScheduleView {
	v := ScheduleView{
		Key:  sc.entry.Key,
		Name: sc.entry.Job.Name,
		Cron: sc.entry.Cron,
	}
	if sc.err != nil {
		v.Error = sc.err.Error()
		return v
	}
	if !now.IsZero() {
		if next := sc.expr.Next(now); !next.IsZero() {
			v.Next = &next
		}
	}
	return v
}
