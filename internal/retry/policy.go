// Package retry owns the per-request retry budget and backoff computation.
// The RetryRecord lives in the KV store so the count survives broker
// redeliveries; nothing here schedules delayed redelivery itself.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/kv"
)

const (
	// MaxAttempts is the retry budget per request id; at or beyond it the
	// transport layer dead-letters instead of requeueing.
	MaxAttempts = 3

	initialDelay   = time.Second
	maxDelay       = 5 * time.Minute
	multiplier     = 2
	jitterFraction = 0.2

	recordTTL = 24 * time.Hour
	keyPrefix = "retry:"
)

// Policy persists attempt counts and computes jittered exponential backoff.
type Policy struct {
	store kv.Store

	now       func() time.Time
	randFloat func() float64
}

func NewPolicy(store kv.Store) (*Policy, error) {
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}

	return &Policy{
		store: store,
		now:   time.Now,
		// The package-level source is seeded per process, so concurrent
		// consumers do not retry in lockstep.
		randFloat: rand.Float64,
	}, nil
}

// AttemptCount returns the recorded failed-attempt count, 0 when no record
// exists.
func (p *Policy) AttemptCount(ctx context.Context, requestID string) (int, error) {
	record, err := p.Record(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if record == nil {
		return 0, nil
	}
	return record.AttemptCount, nil
}

// Record returns the stored RetryRecord, or nil when none exists. This is
// the only read path into retry state; the record itself is owned here.
func (p *Policy) Record(ctx context.Context, requestID string) (*domain.RetryRecord, error) {
	raw, err := p.store.Get(ctx, recordKey(requestID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load retry record for %q: %w", requestID, err)
	}

	var record domain.RetryRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("corrupt retry record for %q: %w", requestID, err)
	}
	return &record, nil
}

// RecordAttempt registers one failed attempt: bumps the count, appends the
// cause, and recomputes the advisory next retry time.
func (p *Policy) RecordAttempt(ctx context.Context, requestID string, cause error) (*domain.RetryRecord, error) {
	record, err := p.Record(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	if record == nil {
		record = &domain.RetryRecord{FirstAttemptAt: now}
	}

	record.AttemptCount++
	record.LastAttemptAt = now
	record.NextRetryAt = now.Add(p.nextDelay(record.AttemptCount))
	if cause != nil {
		record.Errors = append(record.Errors, cause.Error())
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retry record for %q: %w", requestID, err)
	}
	if err := p.store.Set(ctx, recordKey(requestID), string(raw), recordTTL); err != nil {
		return nil, fmt.Errorf("failed to store retry record for %q: %w", requestID, err)
	}

	return record, nil
}

// ShouldRetry reports whether the request still has retry budget.
func (p *Policy) ShouldRetry(ctx context.Context, requestID string) (bool, error) {
	count, err := p.AttemptCount(ctx, requestID)
	if err != nil {
		return false, err
	}
	return count < MaxAttempts, nil
}

// Clear drops the retry record on terminal success. Optional; the record
// also self-expires.
func (p *Policy) Clear(ctx context.Context, requestID string) error {
	return p.store.Del(ctx, recordKey(requestID))
}

// BaseDelay is the pre-jitter exponential backoff for the given attempt
// count, capped at the maximum delay.
func BaseDelay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}

	delay := initialDelay
	for i := 1; i < attemptCount; i++ {
		delay *= multiplier
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func (p *Policy) nextDelay(attemptCount int) time.Duration {
	base := BaseDelay(attemptCount)
	jitter := time.Duration(p.randFloat() * jitterFraction * float64(base))
	return base + jitter
}

func recordKey(requestID string) string {
	return keyPrefix + requestID
}
