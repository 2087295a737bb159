package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// KeepRuns bounds stored run records; older ones are pruned. Default: 1000.
	KeepRuns int
}

func (c Config) keepRuns() int {
	if c.KeepRuns <= 0 {
		return 1000
	}
	return c.KeepRuns
}

// RunRecord is one finished job, as persisted.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID         string    `json:"id"`
	Session    string    `json:"session"`
	JobID      string    `json:"job_id"`
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Aborted    bool      `json:"aborted"`
	Failed     bool      `json:"failed"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}
