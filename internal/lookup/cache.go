package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/kv"
	"go.uber.org/zap"
)

const (
	// SubjectCacheTTL bounds how stale cached subject data (and therefore
	// the channel preference) may be.
	SubjectCacheTTL = 30 * time.Minute
	// TemplateCacheTTL is longer; templates change rarely.
	TemplateCacheTTL = time.Hour

	subjectKeyPrefix  = "subject:"
	templateKeyPrefix = "template:"
)

var _ SubjectService = (*CachedSubjectService)(nil)

// CachedSubjectService fronts a SubjectService with a KV cache. Only found
// subjects are cached; not-found always goes upstream so a newly created
// user appears without waiting out the TTL. Cache trouble degrades to the
// upstream call, it never fails the lookup.
type CachedSubjectService struct {
	next   SubjectService
	store  kv.Store
	logger *zap.Logger
	ttl    time.Duration
}

func NewCachedSubjectService(next SubjectService, store kv.Store, logger *zap.Logger) *CachedSubjectService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedSubjectService{next: next, store: store, logger: logger, ttl: SubjectCacheTTL}
}

func (s *CachedSubjectService) Fetch(ctx context.Context, subjectID string) (*domain.Subject, error) {
	key := subjectKeyPrefix + subjectID
	if raw, err := s.store.Get(ctx, key); err == nil {
		var subject domain.Subject
		if unmarshalErr := json.Unmarshal([]byte(raw), &subject); unmarshalErr == nil {
			return &subject, nil
		}
		s.logger.Warn("dropping corrupt subject cache entry", zap.String("subjectId", subjectID))
		_ = s.store.Del(ctx, key)
	} else if !errors.Is(err, kv.ErrNotFound) {
		s.logger.Warn("subject cache read failed", zap.String("subjectId", subjectID), zap.Error(err))
	}

	subject, err := s.next.Fetch(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	if raw, marshalErr := json.Marshal(subject); marshalErr == nil {
		if setErr := s.store.Set(ctx, key, string(raw), s.ttl); setErr != nil {
			s.logger.Warn("subject cache write failed", zap.String("subjectId", subjectID), zap.Error(setErr))
		}
	}
	return subject, nil
}

var _ TemplateService = (*CachedTemplateService)(nil)

// CachedTemplateService fronts a TemplateService with a KV cache, with the
// same degradation rules as the subject cache.
type CachedTemplateService struct {
	next   TemplateService
	store  kv.Store
	logger *zap.Logger
	ttl    time.Duration
}

func NewCachedTemplateService(next TemplateService, store kv.Store, logger *zap.Logger) *CachedTemplateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedTemplateService{next: next, store: store, logger: logger, ttl: TemplateCacheTTL}
}

func (s *CachedTemplateService) Fetch(ctx context.Context, templateCode string) (*domain.Template, error) {
	key := templateKeyPrefix + templateCode
	if raw, err := s.store.Get(ctx, key); err == nil {
		var template domain.Template
		if unmarshalErr := json.Unmarshal([]byte(raw), &template); unmarshalErr == nil {
			return &template, nil
		}
		s.logger.Warn("dropping corrupt template cache entry", zap.String("templateCode", templateCode))
		_ = s.store.Del(ctx, key)
	} else if !errors.Is(err, kv.ErrNotFound) {
		s.logger.Warn("template cache read failed", zap.String("templateCode", templateCode), zap.Error(err))
	}

	template, err := s.next.Fetch(ctx, templateCode)
	if err != nil {
		return nil, err
	}

	if raw, marshalErr := json.Marshal(template); marshalErr == nil {
		if setErr := s.store.Set(ctx, key, string(raw), s.ttl); setErr != nil {
			s.logger.Warn("template cache write failed", zap.String("templateCode", templateCode), zap.Error(setErr))
		}
	}
	return template, nil
}
