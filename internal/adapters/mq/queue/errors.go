package queue

import "errors"

// Enqueue rejection kinds.
var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)
