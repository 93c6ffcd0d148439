// Package kv defines the key-value store port shared by the stateful
// delivery components: idempotency records, retry counters, status and
// lookup caches. The store is an external resource with no transactional
// guarantees; read-modify-write sequences against it are non-atomic.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the narrow contract every persisted delivery state goes through.
// A zero ttl means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetNX stores the value only when the key is absent and reports whether
	// the write happened.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
