// Package lookup provides the subject and template lookup ports and their
// HTTP and cache-decorated implementations. Not-found is a typed outcome
// (domain.ErrNotFound), not a transport error.
package lookup

import (
	"context"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// SubjectService resolves the user a notification targets.
type SubjectService interface {
	Fetch(ctx context.Context, subjectID string) (*domain.Subject, error)
}

// TemplateService resolves a message template by code.
type TemplateService interface {
	Fetch(ctx context.Context, templateCode string) (*domain.Template, error)
}
