package broker

import "errors"

// Sentinel errors forming the broker's error taxonomy. Callers classify
// failures with errors.Is; the HTTP layer maps them to status codes.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIllegalState    = errors.New("illegal state")
	ErrQueueFull       = errors.New("queue full")
	ErrQueueEmpty      = errors.New("queue empty")
	ErrUnavailable     = errors.New("dependency unavailable")
)
