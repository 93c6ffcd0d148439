package domain

import "errors"

var (
	// ErrValidation marks malformed input that should never be requeued.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is the typed not-found outcome of the lookup collaborators.
	ErrNotFound = errors.New("not found")
)
