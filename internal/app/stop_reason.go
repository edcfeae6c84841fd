package app

// StopReason tags shutdown logs.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopStartFail  StopReason = "start_failed"
)
