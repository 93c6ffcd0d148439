package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultSendTimeout = 5 * time.Second

type mailAPIRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type mailAPIResponse struct {
	MessageID string `json:"messageId"`
}

var _ Provider = (*MailAPIProvider)(nil)

// MailAPIProvider sends mail through an HTTP mail-API gateway
// (mailgun/sendgrid-style message endpoint).
type MailAPIProvider struct {
	client   *resty.Client
	endpoint string
	from     string
}

func NewMailAPIProvider(endpoint string, apiKey string, from string) (*MailAPIProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultSendTimeout)
	client.SetRetryCount(0)
	if strings.TrimSpace(apiKey) != "" {
		client.SetHeader("Authorization", "Bearer "+strings.TrimSpace(apiKey))
	}

	return NewMailAPIProviderWithClient(endpoint, from, client)
}

func NewMailAPIProviderWithClient(endpoint string, from string, client *resty.Client) (*MailAPIProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("mail api endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid mail api endpoint: %w", err)
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)

	return &MailAPIProvider{
		client:   client,
		endpoint: trimmedEndpoint,
		from:     strings.TrimSpace(from),
	}, nil
}

func (p *MailAPIProvider) Send(ctx context.Context, msg EmailMessage) (*SendResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("mail provider is not initialized")
	}
	if strings.TrimSpace(msg.To) == "" {
		return nil, &ProviderError{Message: "recipient address is required", Transient: false}
	}

	reqBody := mailAPIRequest{
		From:    p.from,
		To:      msg.To,
		Subject: msg.Subject,
		Body:    msg.Body,
	}

	var apiResp mailAPIResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&apiResp).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "mail api request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "mail api returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendResponse{
			MessageID:  messageID(&apiResp, response),
			StatusCode: statusCode,
		}, nil
	}

	body := strings.TrimSpace(response.String())
	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    sendErrorMessage(statusCode, body),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func sendErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("mail api returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func messageID(apiResp *mailAPIResponse, response *resty.Response) string {
	if apiResp != nil && strings.TrimSpace(apiResp.MessageID) != "" {
		return strings.TrimSpace(apiResp.MessageID)
	}

	for _, key := range []string{"X-Message-ID", "X-Message-Id", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
