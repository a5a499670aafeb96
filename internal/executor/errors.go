package executor

import "errors"

var (
	ErrStopped   = errors.New("execution engine not running")
	ErrStopping  = errors.New("execution engine is stopping")
	ErrQueueFull = errors.New("execution queue full")
)
