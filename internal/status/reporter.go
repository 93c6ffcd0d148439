// Package status publishes delivery lifecycle transitions. Status is pure
// observability: every failure in here is logged and swallowed so it can
// never fail or retry the parent request.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/kv"
	"go.uber.org/zap"
)

const (
	cacheTTL  = time.Hour
	keyPrefix = "status:"
)

// Sink receives lifecycle events, fire-and-forget.
type Sink interface {
	Emit(ctx context.Context, update domain.StatusUpdate) error
}

// Reporter fans one StatusUpdate out to the external sink and a short-lived
// cache entry for point lookups.
type Reporter struct {
	sink   Sink
	store  kv.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewReporter(sink Sink, store kv.Store, logger *zap.Logger) (*Reporter, error) {
	if sink == nil {
		return nil, fmt.Errorf("status sink is required")
	}
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reporter{
		sink:   sink,
		store:  store,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Publish emits the update and refreshes the cache entry. Never returns an
// error and never blocks the pipeline on sink trouble.
func (r *Reporter) Publish(ctx context.Context, update domain.StatusUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = r.now().UTC()
	}

	if err := r.sink.Emit(ctx, update); err != nil {
		r.logger.Warn("failed to emit status update",
			zap.String("notificationId", update.NotificationID),
			zap.String("status", update.Status.String()),
			zap.Error(err),
		)
	}

	raw, err := json.Marshal(update)
	if err != nil {
		r.logger.Warn("failed to marshal status update",
			zap.String("notificationId", update.NotificationID),
			zap.Error(err),
		)
		return
	}
	if err := r.store.Set(ctx, cacheKey(update.NotificationID), string(raw), cacheTTL); err != nil {
		r.logger.Warn("failed to cache status update",
			zap.String("notificationId", update.NotificationID),
			zap.Error(err),
		)
	}
}

// Lookup returns the most recently cached status for a notification id, or
// domain.ErrNotFound when none is cached.
func (r *Reporter) Lookup(ctx context.Context, notificationID string) (*domain.StatusUpdate, error) {
	raw, err := r.store.Get(ctx, cacheKey(notificationID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: status for %q", domain.ErrNotFound, notificationID)
		}
		return nil, fmt.Errorf("failed to read status cache for %q: %w", notificationID, err)
	}

	var update domain.StatusUpdate
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		return nil, fmt.Errorf("corrupt status cache entry for %q: %w", notificationID, err)
	}
	return &update, nil
}

func cacheKey(notificationID string) string {
	return keyPrefix + notificationID
}
