// Package idempotency records terminal outcomes per request id so a
// redelivered message short-circuits before any side effect.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/kv"
)

const (
	// recordTTL is the retention window; after it expires the request id is
	// treated as new again. Accepted staleness trade-off.
	recordTTL = 24 * time.Hour

	keyPrefix = "processed:"
)

// Guard is a best-effort idempotency check, not a mutual-exclusion lock:
// the check-then-set across the KV store is non-atomic, and two workers
// racing the same redelivered id can both pass IsProcessed. The store's
// SetNX primitive would allow claim-before-work semantics, but that changes
// failure behavior (a crashed worker blocks legitimate retries until the
// claim expires) and is deliberately not used.
type Guard struct {
	store kv.Store
	now   func() time.Time
}

func NewGuard(store kv.Store) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	return &Guard{store: store, now: time.Now}, nil
}

// IsProcessed reports whether the request id already has a terminal
// outcome. Presence of the key is the signal; content is ignored here.
func (g *Guard) IsProcessed(ctx context.Context, requestID string) (bool, error) {
	_, err := g.store.Get(ctx, recordKey(requestID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed record for %q: %w", requestID, err)
	}
	return true, nil
}

// MarkProcessed writes the terminal outcome. Duplicate marks are not an
// error; last write wins, which is safe because the fast path short-circuits
// before any side effect the second time through.
func (g *Guard) MarkProcessed(ctx context.Context, requestID string, outcome domain.Outcome, detail string) error {
	record := domain.ProcessedRecord{
		Outcome:      outcome,
		ResultDetail: detail,
		RecordedAt:   g.now().UTC(),
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal processed record for %q: %w", requestID, err)
	}
	if err := g.store.Set(ctx, recordKey(requestID), string(raw), recordTTL); err != nil {
		return fmt.Errorf("failed to store processed record for %q: %w", requestID, err)
	}
	return nil
}

func recordKey(requestID string) string {
	return keyPrefix + requestID
}
