// Package status holds process-wide operational counters.
//
// A single *Counters is created by the process entry point and injected into
// the job engine and every decoder; nothing here is a package-level global.
// Counters are best-effort signals, not a synchronization primitive.
package status

import "sync/atomic"

type Counters struct {
	JobsQueued   atomic.Int64
	JobsRunning  atomic.Int64
	JobsFinished atomic.Uint64
	JobsFailed   atomic.Uint64
	JobsAborted  atomic.Uint64
	JobsSkipped  atomic.Uint64
	JobsRetried  atomic.Uint64

	DecodersActive   atomic.Int64
	DecoderRespawns  atomic.Uint64
	DecoderFallbacks atomic.Uint64
}

// Snapshot is a plain copy of Counters suitable for JSON output.
type Snapshot struct {
	JobsQueued   int64  `json:"jobs_queued"`
	JobsRunning  int64  `json:"jobs_running"`
	JobsFinished uint64 `json:"jobs_finished"`
	JobsFailed   uint64 `json:"jobs_failed"`
	JobsAborted  uint64 `json:"jobs_aborted"`
	JobsSkipped  uint64 `json:"jobs_skipped"`
	JobsRetried  uint64 `json:"jobs_retried"`

	DecodersActive   int64  `json:"decoders_active"`
	DecoderRespawns  uint64 `json:"decoder_respawns"`
	DecoderFallbacks uint64 `json:"decoder_fallbacks"`
}

func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		JobsQueued:       c.JobsQueued.Load(),
		JobsRunning:      c.JobsRunning.Load(),
		JobsFinished:     c.JobsFinished.Load(),
		JobsFailed:       c.JobsFailed.Load(),
		JobsAborted:      c.JobsAborted.Load(),
		JobsSkipped:      c.JobsSkipped.Load(),
		JobsRetried:      c.JobsRetried.Load(),
		DecodersActive:   c.DecodersActive.Load(),
		DecoderRespawns:  c.DecoderRespawns.Load(),
		DecoderFallbacks: c.DecoderFallbacks.Load(),
	}
}
