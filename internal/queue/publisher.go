package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/status"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ status.Sink = (*StatusPublisher)(nil)

// StatusPublisher emits lifecycle events to the status topic exchange with
// routing key status.<status>. Transient delivery status, not durable.
type StatusPublisher struct {
	client *RabbitMQ
}

func NewStatusPublisher(client *RabbitMQ) (*StatusPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("rabbitmq client is required")
	}
	return &StatusPublisher{client: client}, nil
}

func (p *StatusPublisher) Emit(ctx context.Context, update domain.StatusUpdate) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("status publisher is not initialized")
	}
	if !update.Status.IsValid() {
		return fmt.Errorf("invalid status %q", update.Status)
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal status update: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		MessageId:   update.NotificationID,
		Body:        payload,
	}

	routingKey := StatusRoutingKey(update.Status)
	if err := ch.PublishWithContext(ctx, statusExchangeName, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish status update to %q: %w", routingKey, err)
	}

	return nil
}

func (p *StatusPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// StatusRoutingKey returns the topic routing key for a status, e.g.
// status.delivered.
func StatusRoutingKey(s domain.Status) string {
	return "status." + strings.ToLower(s.String())
}
