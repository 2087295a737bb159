package engine

import "time"

// MinRetryDelay is the floor applied to JobSpec.RetryDelay.
const MinRetryDelay = time.Second

// RetryDecision reports whether f should be resubmitted and after what delay.
//
// A job is eligible when it was aborted (not skipped) with RetryOnAbort, or
// failed with RetryOnFail, and the next attempt number stays within RetryMax.
// Skipped jobs never retry.
func RetryDecision(f FinishedJob) (bool, time.Duration) {
	spec := f.Spec
	if f.Skipped() {
		return false, 0
	}
	eligible := (spec.RetryOnAbort && f.Aborted()) || (spec.RetryOnFail && f.Failed)
	if !eligible || f.AttemptCount+1 > spec.RetryMax {
		return false, 0
	}
	return true, max(MinRetryDelay, spec.RetryDelay)
}
