package queue

import "errors"

var (
	ErrQueueFull     = errors.New("command queue full")
	ErrStopped       = errors.New("command queue stopped")
	ErrUnknownAction = errors.New("unknown action")
)
