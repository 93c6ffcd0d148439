package lookup

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

var _ TemplateService = (*TemplateClient)(nil)

// TemplateClient fetches templates from the template service.
type TemplateClient struct {
	client  *resty.Client
	baseURL string
}

func NewTemplateClient(baseURL string) (*TemplateClient, error) {
	client := resty.New()
	client.SetTimeout(defaultLookupTimeout)
	client.SetRetryCount(0)

	return NewTemplateClientWithClient(baseURL, client)
}

func NewTemplateClientWithClient(baseURL string, client *resty.Client) (*TemplateClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("template service url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid template service url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultLookupTimeout)
	}
	client.SetRetryCount(0)

	return &TemplateClient{client: client, baseURL: trimmed}, nil
}

func (c *TemplateClient) Fetch(ctx context.Context, templateCode string) (*domain.Template, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("template client is not initialized")
	}
	if strings.TrimSpace(templateCode) == "" {
		return nil, fmt.Errorf("%w: template code is required", domain.ErrValidation)
	}

	var template domain.Template
	response, err := c.client.R().
		SetContext(ctx).
		SetResult(&template).
		Get(fmt.Sprintf("%s/templates/%s", c.baseURL, url.PathEscape(templateCode)))
	if err != nil {
		return nil, fmt.Errorf("template lookup request failed: %w", err)
	}

	switch {
	case response.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: template %q", domain.ErrNotFound, templateCode)
	case response.IsSuccess():
		return &template, nil
	default:
		return nil, fmt.Errorf("template lookup returned status %d", response.StatusCode())
	}
}
