package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrRateLimited     = errors.New("rate limited")
	ErrBackpressure    = errors.New("queue at capacity")
	ErrJobTerminal     = errors.New("job already finished")
	ErrProviderFailure = errors.New("provider failure")
	ErrUnknownModel    = errors.New("unknown model")
)
