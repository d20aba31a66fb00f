package types

import "errors"

// Error taxonomy surfaced across component boundaries. Handlers map these
// to HTTP statuses; internal callers branch with errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrArchived         = errors.New("room is archived")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrQueueFull        = errors.New("queue is full")
	ErrCapacityExceeded = errors.New("execution capacity exceeded")
	ErrTerminal         = errors.New("job already in terminal state")
	ErrIntegrity        = errors.New("document integrity check failed")
)

// Predicates for the branches taken most often at the API edge.

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsArchived(err error) bool { return errors.Is(err, ErrArchived) }
