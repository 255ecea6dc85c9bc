package app

// StopReason is logged when the process shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopCommand    StopReason = "remote_command"
	StopFatalError StopReason = "fatal_error"
)
