package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tunerd/internal/eventbus"
	rtsup "tunerd/internal/runtime/supervisor"
	"tunerd/internal/status"
	"tunerd/internal/task/scheduler"
	logx "tunerd/pkg/logx"
)

// Service is the job engine: it admits jobs under the standby and running
// ceilings, gates them on readiness, executes them, retries them per policy,
// records a bounded history and triggers cron schedules once per minute.
//
// All collections are guarded by mu, held for the duration of each state
// transition. Work functions and readiness predicates run outside mu, so every
// transition re-validates that the job is still where it is expected.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	cnt *status.Counters

	sup    *rtsup.Supervisor
	ticker *scheduler.Ticker

	queued  []*job
	standby []*job
	running []*job
	live    map[string]*job // key -> queued/standby/running job

	history *History

	schedules []*schedule

	idSeq   atomic.Uint64
	started bool
	closed  bool

	dupWarn rate.Sometimes
}

type job struct {
	spec    JobSpec
	id      string
	attempt int
	status  Status

	ctx    context.Context
	cancel context.CancelCauseFunc

	createdAt time.Time
	updatedAt time.Time
	startedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, cnt *status.Counters) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "taskengine"))
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cnt == nil {
		cnt = &status.Counters{}
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		cnt:     cnt,
		live:    map[string]*job{},
		history: NewHistory(cfg.MaxHistory),
		dupWarn: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	s.sup = rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(log.With(logx.String("sup", "jobs"))),
		// a failing job must never cancel its siblings
		rtsup.WithCancelOnError(false),
	)
	s.ticker = scheduler.NewTicker(scheduler.LoadLocation(cfg.Timezone, log), log, s.tick)
	return s
}

// Start begins the minute schedule tick and the fallback re-evaluation loop.
// Cancelling ctx closes the engine. Jobs can be added before Start; they run
// regardless, only schedules need the tick.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	every := s.cfg.RequeueEvery
	s.mu.Unlock()

	s.ticker.Start()
	s.sup.Go0("requeue", func(supCtx context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.Close()
				return
			case <-supCtx.Done():
				return
			case <-t.C:
				s.mu.Lock()
				if len(s.running) >= s.cfg.MaxRunning && len(s.queued) > 0 {
					s.reevaluateLocked()
				}
				s.mu.Unlock()
			}
		}
	})

	s.log.Info("job engine started",
		logx.Int("max_running", s.cfg.MaxRunning),
		logx.Int("max_standby", s.cfg.MaxStandby),
		logx.Int("max_history", s.cfg.MaxHistory),
		logx.String("tz", s.ticker.Location().String()),
	)
}

// Close cancels every live job with ErrClosed and stops the schedule tick.
// It does not wait for jobs to return; use Wait for that.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, j := range s.live {
		j.cancel(ErrClosed)
	}
	n := len(s.live)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	s.ticker.Stop(ctx)
	cancel()
	s.sup.Cancel()
	s.log.Info("job engine closed", logx.Int("cancelled", n))
}

// Wait blocks until every job goroutine and pending retry has returned, or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	return s.sup.Wait(ctx)
}

// Apply updates limits at runtime. Lowered ceilings are honored as jobs drain.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.history.Resize(cfg.MaxHistory)
	s.reevaluateLocked()
	s.mu.Unlock()

	s.ticker.SetLocation(scheduler.LoadLocation(cfg.Timezone, s.log))
	s.log.Debug("job engine config applied",
		logx.Int("max_running", cfg.MaxRunning),
		logx.Int("max_standby", cfg.MaxStandby),
		logx.Int("max_history", cfg.MaxHistory),
	)
}

// Add submits a fresh job (attempt 0). Duplicate keys are ignored.
func (s *Service) Add(spec JobSpec) {
	s.AddAttempt(spec, 0)
}

// AddAttempt submits spec carrying the given attempt count.
func (s *Service) AddAttempt(spec JobSpec, attempt int) {
	spec.Key = strings.TrimSpace(spec.Key)
	if spec.Key == "" || spec.Run == nil {
		s.log.Error("job rejected: key and Run are required", logx.String("key", spec.Key), logx.String("name", spec.Name))
		return
	}
	if strings.TrimSpace(spec.Name) == "" {
		spec.Name = spec.Key
	}
	if attempt < 0 {
		attempt = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.Warn("job rejected: engine closed", logx.String("key", spec.Key))
		return
	}
	if cur, dup := s.live[spec.Key]; dup {
		s.dupWarn.Do(func() {
			s.log.Warn("job already exists; ignoring", logx.String("key", spec.Key), logx.String("id", cur.id), logx.String("status", string(cur.status)), logx.Err(ErrDuplicateKey))
		})
		return
	}

	now := time.Now()
	ctx, cancel := context.WithCancelCause(s.sup.Context())
	j := &job{
		spec:      spec,
		id:        fmt.Sprintf("job-%d", s.idSeq.Add(1)),
		attempt:   attempt,
		status:    StatusQueued,
		ctx:       ctx,
		cancel:    cancel,
		createdAt: now,
		updatedAt: now,
	}
	s.queued = append(s.queued, j)
	s.live[spec.Key] = j
	s.cnt.JobsQueued.Add(1)

	// Publish is non-blocking, so it is safe under mu and keeps events ordered.
	s.bus.Publish(eventbus.Event{Type: eventbus.JobCreated, Time: now, Data: s.viewLocked(j, now)})
	s.log.Debug("job queued", logx.String("key", spec.Key), logx.String("id", j.id), logx.Int("attempt", attempt))

	s.reevaluateLocked()
}

// Abort cancels the live job with the given id. It returns false if no
// queued, standby or running job has that id. A queued or standby job stays
// where it is and finishes as aborted without running.
func (s *Service) Abort(id, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, coll := range [][]*job{s.running, s.standby, s.queued} {
		for _, j := range coll {
			if j.id != id {
				continue
			}
			if j.ctx.Err() == nil {
				j.cancel(&AbortError{Reason: reason})
				now := time.Now()
				j.updatedAt = now
				s.publishStatusLocked(j, now)
				s.log.Info("job abort requested", logx.String("key", j.spec.Key), logx.String("id", id), logx.String("reason", reason))
			}
			return true
		}
	}
	return false
}

// Jobs returns views of queued, standby, running and finished jobs, in that order.
func (s *Service) Jobs() []JobView {
	now := time.Now()
	s.mu.Lock()
	out := make([]JobView, 0, len(s.live)+s.history.Len())
	for _, coll := range [][]*job{s.queued, s.standby, s.running} {
		for _, j := range coll {
			out = append(out, s.viewLocked(j, now))
		}
	}
	s.mu.Unlock()

	for _, f := range s.history.Items() {
		out = append(out, finishedView(f))
	}
	return out
}

// History returns finished jobs, most recent first.
func (s *Service) History() []FinishedJob {
	return s.history.Items()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.sup.Counters()
	return Snapshot{
		Closed:     s.closed,
		MaxRunning: s.cfg.MaxRunning,
		MaxStandby: s.cfg.MaxStandby,
		MaxHistory: s.cfg.MaxHistory,
		Queued:     len(s.queued),
		Standby:    len(s.standby),
		Running:    len(s.running),
		Finished:   s.history.Len(),
		Schedules:  len(s.schedules),
		Goroutines: sc.Active,
		Panics:     sc.Panics,
	}
}
