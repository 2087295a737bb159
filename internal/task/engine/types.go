package engine

import (
	"context"
	"runtime"
	"time"
)

// Config controls the job engine.
//
// Zero values are replaced with defaults derived from the number of logical CPUs.
type Config struct {
	// MaxRunning caps jobs executing at once. Default: NumCPU-1 (min 1).
	MaxRunning int
	// MaxStandby caps jobs whose readiness is being checked. Default: NumCPU/2 (min 1).
	MaxStandby int
	// MaxHistory caps finished-job records kept in memory. Default: 50.
	MaxHistory int

	// StandbyPoll is how long a ready job sleeps before re-checking for a
	// free running slot. Default: 1s.
	StandbyPoll time.Duration
	// RequeueEvery is the fallback queue re-evaluation period used while the
	// running set is saturated. Default: 1s.
	RequeueEvery time.Duration

	// Timezone for schedule evaluation (IANA name). Empty means Local.
	Timezone string
}

func (c Config) withDefaults() Config {
	n := runtime.NumCPU()
	if c.MaxRunning <= 0 {
		c.MaxRunning = max(1, n-1)
	}
	if c.MaxStandby <= 0 {
		c.MaxStandby = max(1, n/2)
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 50
	}
	if c.StandbyPoll <= 0 {
		c.StandbyPoll = time.Second
	}
	if c.RequeueEvery <= 0 {
		c.RequeueEvery = time.Second
	}
	return c
}

// JobSpec is the caller-supplied template of a unit of work.
type JobSpec struct {
	// Key de-duplicates jobs: at most one live (queued/standby/running) job per key.
	Key  string
	Name string

	// Run performs the work. ctx is cancelled when the job is aborted and
	// carries the abort reason as its cause (see AbortReason).
	Run func(ctx context.Context) error

	// Ready optionally gates execution. false or an error means "skip".
	Ready func(ctx context.Context) (bool, error)

	// Timeout bounds a single Run call. 0 disables it.
	Timeout time.Duration

	RetryOnAbort bool
	RetryOnFail  bool
	// RetryMax is the highest attempt number a retry may carry. 0 never retries.
	RetryMax int
	// RetryDelay is floored to MinRetryDelay.
	RetryDelay time.Duration
}

// Status is the lifecycle position of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStandby  Status = "standby"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Outcome says whether a finished job ran at all.
type Outcome int

const (
	OutcomeRan Outcome = iota
	OutcomeSkipped
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeAborted:
		return "aborted"
	default:
		return "ran"
	}
}

// FinishedJob is an immutable record of a job that left the engine.
type FinishedJob struct {
	Spec JobSpec

	ID           string
	AttemptCount int
	CreatedAt    time.Time
	StartedAt    time.Time // zero if the job never ran
	FinishedAt   time.Time

	Outcome Outcome
	// Cancelled is true when the cancellation handle was triggered, including
	// a job whose Run returned after being aborted.
	Cancelled bool
	Failed    bool
	Err       error
}

// Aborted reports whether the job's cancellation handle was triggered.
// A skipped job counts as aborted with the "skipped" reason.
func (f FinishedJob) Aborted() bool { return f.Cancelled || f.Outcome != OutcomeRan }

// Skipped reports whether the readiness predicate declined the job.
func (f FinishedJob) Skipped() bool { return f.Outcome == OutcomeSkipped }

func (f FinishedJob) Duration() time.Duration {
	if f.StartedAt.IsZero() {
		return 0
	}
	return f.FinishedAt.Sub(f.StartedAt)
}

// ScheduleEntry is a cron-triggered job template.
type ScheduleEntry struct {
	Key  string
	Job  JobSpec
	Cron string
}

// JobView is the read-only status DTO of a job.
type JobView struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	AttemptCount int       `json:"attemptCount"`
	IsAborting   bool      `json:"isAborting"`
	Failed       bool      `json:"failed"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	DurationMs   int64     `json:"durationMs"`
	Error        string    `json:"error,omitempty"`
}

// ScheduleView is the read-only status DTO of a schedule entry.
type ScheduleView struct {
	Key   string     `json:"key"`
	Name  string     `json:"name"`
	Cron  string     `json:"cron"`
	Next  *time.Time `json:"next,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Closed     bool `json:"closed"`
	MaxRunning int  `json:"max_running"`
	MaxStandby int  `json:"max_standby"`
	MaxHistory int  `json:"max_history"`

	Queued    int `json:"queued"`
	Standby   int `json:"standby"`
	Running   int `json:"running"`
	Finished  int `json:"finished"`
	Schedules int `json:"schedules"`

	Goroutines int64  `json:"goroutines"`
	Panics     uint64 `json:"panics"`
}
