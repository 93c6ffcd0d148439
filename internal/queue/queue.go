package queue

import (
	"context"
	"errors"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	// WorkQueueName is the durable queue delivery workers consume.
	WorkQueueName = "email.deliver"
	// DLQName receives dead-lettered deliveries for operator inspection.
	DLQName = "dlq.email.deliver"

	dlxExchangeName    = "delivery.dlx"
	dlxRoutingKey      = "email"
	statusExchangeName = "delivery.status"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the work
	// queue, matching the request priority range.
	queueMaxPriority int32 = 9
)

// ErrRequeue classifies a handler failure as eligible for broker
// redelivery. Any other handler error dead-letters the message.
var ErrRequeue = errors.New("requeue delivery")

// MessageHandler processes one consumed delivery request. A nil return
// acknowledges; an error wrapping ErrRequeue negatively acknowledges with
// requeue; any other error rejects to the dead-letter queue.
type MessageHandler func(ctx context.Context, req domain.NotificationRequest) error

// Consumer consumes delivery requests from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}
