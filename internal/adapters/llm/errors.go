package llm

import (
	"errors"
)

// Failure kinds of the model boundary.
var (
	ErrTimeout        = errors.New("model call timed out")
	ErrRateLimited    = errors.New("model rate limited")
	ErrContentBlocked = errors.New("model content policy block")
	ErrUpstream       = errors.New("model upstream error")
	ErrEmptyResponse  = errors.New("model returned no content")
	ErrNoAPIKey       = errors.New("model api key not configured")
)

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUpstream) || errors.Is(err, ErrEmptyResponse)
}
