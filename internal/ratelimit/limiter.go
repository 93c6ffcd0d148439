package ratelimit

import "context"

// RateLimiter bounds the call rate of a named outbound operation.
type RateLimiter interface {
	Allow(ctx context.Context, operation string) (bool, error)
	// Wait blocks until the operation is allowed or the context ends.
	Wait(ctx context.Context, operation string) error
}
