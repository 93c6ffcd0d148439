package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of one delivery as seen by the
// status sink.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Priority bounds for queued requests. The value is informational for the
// delivery core and only influences broker-side ordering.
const (
	MinPriority = 0
	MaxPriority = 9
)

// NotificationRequest is the immutable inbound message: one queued request
// to deliver one templated email. RequestID doubles as the idempotency key.
type NotificationRequest struct {
	RequestID     string            `json:"requestId"`
	SubjectUserID string            `json:"subjectUserId"`
	TemplateCode  string            `json:"templateCode"`
	Variables     map[string]string `json:"variables,omitempty"`
	Priority      int               `json:"priority,omitempty"`
}

func (r *NotificationRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is nil", ErrValidation)
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("%w: requestId is required", ErrValidation)
	}
	if strings.TrimSpace(r.SubjectUserID) == "" {
		return fmt.Errorf("%w: subjectUserId is required", ErrValidation)
	}
	if strings.TrimSpace(r.TemplateCode) == "" {
		return fmt.Errorf("%w: templateCode is required", ErrValidation)
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d out of range [%d,%d]", ErrValidation, r.Priority, MinPriority, MaxPriority)
	}
	return nil
}

// DeliveryResult is the orchestrator's verdict on one processed request.
// Retryable tells the transport layer whether a failed request may go back
// on the queue at all; the retry budget is checked separately.
type DeliveryResult struct {
	Success   bool
	MessageID string
	Error     string
	Retryable bool
}

// DuplicateMessageID is returned when the idempotency fast path short-circuits
// a redelivered request.
const DuplicateMessageID = "duplicate"

// StatusUpdate is the ephemeral lifecycle event emitted to the status sink and
// cached for point lookups. Never a system of record.
type StatusUpdate struct {
	NotificationID string    `json:"notificationId"`
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
}

// Outcome classifies a terminal delivery result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ProcessedRecord is the durable idempotency record for a request id.
// Presence of the record, not its content, is the already-handled signal.
type ProcessedRecord struct {
	Outcome      Outcome   `json:"outcome"`
	ResultDetail string    `json:"resultDetail,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// RetryRecord tracks failed attempts for a request id across redeliveries.
// NextRetryAt is advisory only; the broker provides the actual delay.
type RetryRecord struct {
	AttemptCount   int       `json:"attemptCount"`
	FirstAttemptAt time.Time `json:"firstAttemptAt"`
	LastAttemptAt  time.Time `json:"lastAttemptAt"`
	NextRetryAt    time.Time `json:"nextRetryAt"`
	Errors         []string  `json:"errors"`
}

// Subject is the user data returned by the subject lookup service.
type Subject struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	EmailEnabled bool   `json:"emailEnabled"`
}

// Template is the message template returned by the template lookup service.
// Subject and Body carry text/template placeholders.
type Template struct {
	Code    string `json:"code"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
