package provider

import "context"

// EmailMessage is one rendered message bound for the outbound transport.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// SendResponse carries transport call metadata for auditing.
type SendResponse struct {
	MessageID  string
	StatusCode int
}

// Provider is the outbound email transport port. Implementations never
// retry; the delivery pipeline owns retry and failure isolation.
type Provider interface {
	Send(ctx context.Context, msg EmailMessage) (*SendResponse, error)
}
