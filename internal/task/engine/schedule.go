package engine

import (
	"strings"
	"time"

	"tunerd/internal/eventbus"
	"tunerd/internal/task/scheduler"
	logx "tunerd/pkg/logx"
)

type schedule struct {
	entry ScheduleEntry
	expr  scheduler.Expr
	err   error // parse error, reported once by the next tick
}

// AddSchedule registers a cron-triggered job template. Duplicate keys are ignored.
// An unparseable expression is accepted here and dropped by the next tick.
func (s *Service) AddSchedule(e ScheduleEntry) {
	e.Key = strings.TrimSpace(e.Key)
	if e.Key == "" {
		s.log.Error("schedule rejected: empty key", logx.String("cron", e.Cron))
		return
	}
	if e.Job.Key == "" {
		e.Job.Key = e.Key
	}
	if e.Job.Name == "" {
		e.Job.Name = e.Key
	}
	expr, err := scheduler.Parse(e.Cron)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.findScheduleLocked(e.Key) >= 0 {
		s.log.Warn("schedule already exists; ignoring", logx.String("key", e.Key))
		return
	}
	sc := &schedule{entry: e, expr: expr, err: err}
	s.schedules = append(s.schedules, sc)

	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleCreated, Data: scheduleView(sc, time.Now().In(s.ticker.Location()))})
	s.log.Info("schedule added", logx.String("key", e.Key), logx.String("cron", e.Cron))
}

// RemoveSchedule drops a schedule entry. Jobs it already spawned are unaffected.
func (s *Service) RemoveSchedule(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findScheduleLocked(key)
	if i < 0 {
		return false
	}
	sc := s.schedules[i]
	s.schedules = append(s.schedules[:i], s.schedules[i+1:]...)
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleRemoved, Data: scheduleView(sc, time.Time{})})
	s.log.Info("schedule removed", logx.String("key", key))
	return true
}

// RunSchedule submits a fresh instance of the schedule's template now.
func (s *Service) RunSchedule(key string) bool {
	s.mu.Lock()
	i := s.findScheduleLocked(key)
	var spec JobSpec
	if i >= 0 {
		spec = s.schedules[i].entry.Job
	}
	s.mu.Unlock()
	if i < 0 {
		return false
	}
	s.Add(spec)
	return true
}

// Schedules returns views of every registered entry with its next fire time.
func (s *Service) Schedules() []ScheduleView {
	now := time.Now().In(s.ticker.Location())
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleView, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, scheduleView(sc, now))
	}
	return out
}

// tick evaluates every schedule against now. Unparseable entries are removed.
func (s *Service) tick(now time.Time) {
	var due []JobSpec

	s.mu.Lock()
	kept := s.schedules[:0]
	for _, sc := range s.schedules {
		if sc.err != nil {
			s.log.Error("schedule has invalid cron expression; removing",
				logx.String("key", sc.entry.Key), logx.String("cron", sc.entry.Cron), logx.Err(sc.err))
			s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleRemoved, Time: now, Data: scheduleView(sc, time.Time{})})
			continue
		}
		kept = append(kept, sc)
		if sc.expr.Match(now) {
			due = append(due, sc.entry.Job)
		}
	}
	for i := len(kept); i < len(s.schedules); i++ {
		s.schedules[i] = nil
	}
	s.schedules = kept
	s.mu.Unlock()

	for _, spec := range due {
		s.log.Debug("schedule fired", logx.String("key", spec.Key), logx.Time("at", now))
		s.Add(spec)
	}
}

func (s *Service) findScheduleLocked(key string) int {
	for i, sc := range s.schedules {
		if sc.entry.Key == key {
			return i
		}
	}
	return -1
}
