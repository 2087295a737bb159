package app

// StopReason says why the server is shutting down. It is logged and nothing else.
type StopReason string

const (
	StopSignal  StopReason = "signal"
	StopContext StopReason = "context"
	StopFatal   StopReason = "fatal_error"
)
