package domain

import "time"

// DeliveryAttempt is one audited orchestration attempt for a request.
// Audit rows are best-effort observability, not part of the delivery contract.
type DeliveryAttempt struct {
	ID            string
	RequestID     string
	AttemptNumber int
	Outcome       Outcome
	MessageID     *string
	Error         *string
	CreatedAt     time.Time
}
