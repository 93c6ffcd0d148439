package lookup

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const defaultLookupTimeout = 5 * time.Second

var _ SubjectService = (*SubjectClient)(nil)

// SubjectClient fetches subjects from the user directory service.
type SubjectClient struct {
	client  *resty.Client
	baseURL string
}

func NewSubjectClient(baseURL string) (*SubjectClient, error) {
	client := resty.New()
	client.SetTimeout(defaultLookupTimeout)
	client.SetRetryCount(0)

	return NewSubjectClientWithClient(baseURL, client)
}

func NewSubjectClientWithClient(baseURL string, client *resty.Client) (*SubjectClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("subject service url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid subject service url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultLookupTimeout)
	}
	client.SetRetryCount(0)

	return &SubjectClient{client: client, baseURL: trimmed}, nil
}

func (c *SubjectClient) Fetch(ctx context.Context, subjectID string) (*domain.Subject, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("subject client is not initialized")
	}
	if strings.TrimSpace(subjectID) == "" {
		return nil, fmt.Errorf("%w: subject id is required", domain.ErrValidation)
	}

	var subject domain.Subject
	response, err := c.client.R().
		SetContext(ctx).
		SetResult(&subject).
		Get(fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(subjectID)))
	if err != nil {
		return nil, fmt.Errorf("subject lookup request failed: %w", err)
	}

	switch {
	case response.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: subject %q", domain.ErrNotFound, subjectID)
	case response.IsSuccess():
		return &subject, nil
	default:
		return nil, fmt.Errorf("subject lookup returned status %d", response.StatusCode())
	}
}
