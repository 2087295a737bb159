package engine

import (
	"errors"
	"testing"
	"time"
)

func TestRetryDecision(t *testing.T) {
	t.Parallel()
	onFail := JobSpec{RetryOnFail: true, RetryMax: 2, RetryDelay: 5 * time.Second}
	onAbort := JobSpec{RetryOnAbort: true, RetryMax: 1}

	tests := []struct {
		name  string
		f     FinishedJob
		retry bool
		delay time.Duration
	}{
		{name: "failed first attempt", f: FinishedJob{Spec: onFail, Failed: true}, retry: true, delay: 5 * time.Second},
		{name: "failed at last allowed attempt", f: FinishedJob{Spec: onFail, Failed: true, AttemptCount: 1}, retry: true, delay: 5 * time.Second},
		{name: "failed past retry max", f: FinishedJob{Spec: onFail, Failed: true, AttemptCount: 2}},
		{name: "succeeded", f: FinishedJob{Spec: onFail}},
		{name: "aborted without flag", f: FinishedJob{Spec: onFail, Outcome: OutcomeAborted, Cancelled: true}},
		{name: "aborted with flag", f: FinishedJob{Spec: onAbort, Outcome: OutcomeAborted, Cancelled: true}, retry: true, delay: MinRetryDelay},
		{name: "aborted while running", f: FinishedJob{Spec: onAbort, Cancelled: true}, retry: true, delay: MinRetryDelay},
		{name: "skipped never retries", f: FinishedJob{Spec: JobSpec{RetryOnAbort: true, RetryOnFail: true, RetryMax: 9}, Outcome: OutcomeSkipped, Cancelled: true, Err: ErrSkipped}},
		{name: "retry max zero", f: FinishedJob{Spec: JobSpec{RetryOnFail: true}, Failed: true}},
		{name: "delay floor", f: FinishedJob{Spec: JobSpec{RetryOnFail: true, RetryMax: 1, RetryDelay: time.Millisecond}, Failed: true}, retry: true, delay: MinRetryDelay},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ok, d := RetryDecision(tt.f)
			if ok != tt.retry {
				t.Fatalf("retry = %v, want %v", ok, tt.retry)
			}
			if ok && d != tt.delay {
				t.Fatalf("delay = %v, want %v", d, tt.delay)
			}
		})
	}
}

func TestAbortErrorMessage(t *testing.T) {
	t.Parallel()
	var err error = &AbortError{Reason: "user"}
	if err.Error() != "aborted: user" {
		t.Fatalf("Error() = %q", err.Error())
	}
	var ae *AbortError
	if !errors.As(err, &ae) || ae.Reason != "user" {
		t.Fatal("errors.As failed")
	}
	if (&AbortError{}).Error() != "aborted" {
		t.Fatal("empty reason should read as plain aborted")
	}
}
