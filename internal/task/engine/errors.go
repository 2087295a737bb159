package engine

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("job engine closed")
	ErrSkipped      = errors.New("skipped")
	ErrDuplicateKey = errors.New("duplicate job key")
)

// AbortError is the cancellation cause set by Service.Abort.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "aborted"
	}
	return "aborted: " + e.Reason
}

// AbortReason returns the reason a job context was cancelled with, or "" if
// ctx is still live. Work functions use it to log why they stopped.
func AbortReason(ctx context.Context) string {
	if ctx.Err() == nil {
		return ""
	}
	cause := context.Cause(ctx)
	var ae *AbortError
	if errors.As(cause, &ae) {
		return ae.Reason
	}
	if cause != nil {
		return cause.Error()
	}
	return ctx.Err().Error()
}
