package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/breaker"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/idempotency"
	"github.com/kursadbilgin/delivery-engine/internal/lookup"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/retry"
	"github.com/kursadbilgin/delivery-engine/internal/status"
	"go.uber.org/zap"
)

const (
	// SendOperation is the circuit name protecting the outbound transport.
	SendOperation = "email_send"

	lookupTimeout = 5 * time.Second
	sendTimeout   = 5 * time.Second
)

// Failure reason labels for metrics.
const (
	reasonSubjectNotFound    = "subject_not_found"
	reasonPreferenceDisabled = "preference_disabled"
	reasonTemplateNotFound   = "template_not_found"
	reasonTransient          = "transient_error"
)

// Orchestrator sequences one notification's delivery: idempotency check,
// lookups, render, breaker-wrapped send, then status and record keeping.
// Steps are strictly sequential per request; concurrency lives in the
// worker pool above it.
type Orchestrator struct {
	guard     *idempotency.Guard
	retries   *retry.Policy
	circuits  *breaker.Registry
	subjects  lookup.SubjectService
	templates lookup.TemplateService
	mail      provider.Provider
	reporter  *status.Reporter
	logger    *zap.Logger

	limiter  ratelimit.RateLimiter
	attempts repository.AttemptRepository
	metrics  *observability.Metrics

	now func() time.Time
}

func NewOrchestrator(
	guard *idempotency.Guard,
	retries *retry.Policy,
	circuits *breaker.Registry,
	subjects lookup.SubjectService,
	templates lookup.TemplateService,
	mail provider.Provider,
	reporter *status.Reporter,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if guard == nil {
		return nil, fmt.Errorf("idempotency guard is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("retry policy is required")
	}
	if circuits == nil {
		return nil, fmt.Errorf("breaker registry is required")
	}
	if subjects == nil {
		return nil, fmt.Errorf("subject service is required")
	}
	if templates == nil {
		return nil, fmt.Errorf("template service is required")
	}
	if mail == nil {
		return nil, fmt.Errorf("mail provider is required")
	}
	if reporter == nil {
		return nil, fmt.Errorf("status reporter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		guard:     guard,
		retries:   retries,
		circuits:  circuits,
		subjects:  subjects,
		templates: templates,
		mail:      mail,
		reporter:  reporter,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// SetRateLimiter installs an optional send rate limiter.
func (o *Orchestrator) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if o == nil {
		return
	}
	o.limiter = limiter
}

// SetAttemptRepository installs the optional attempt audit store.
func (o *Orchestrator) SetAttemptRepository(attempts repository.AttemptRepository) {
	if o == nil {
		return
	}
	o.attempts = attempts
}

// Process runs one delivery to a terminal result. It never returns an
// error: every internal failure, panics included, is normalized into a
// DeliveryResult plus a FAILED status emission.
func (o *Orchestrator) Process(ctx context.Context, req domain.NotificationRequest) (result domain.DeliveryResult) {
	logger := observability.WithContextLogger(o.logger, ctx).With(zap.String("requestId", req.RequestID))

	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("panic during delivery: %v", r)
			logger.Error("recovered panic in delivery orchestration", zap.Any("panic", r))
			result = o.failRetryable(ctx, logger, req, cause)
		}
	}()

	processed, err := o.guard.IsProcessed(ctx, req.RequestID)
	if err != nil {
		return o.failRetryable(ctx, logger, req, fmt.Errorf("idempotency check failed: %w", err))
	}
	if processed {
		// Terminal short-circuit, not an error path: no lookups, no send,
		// no status emission.
		logger.Info("duplicate request short-circuited")
		if o.metrics != nil {
			o.metrics.IncDuplicateSkipped()
		}
		return domain.DeliveryResult{Success: true, MessageID: domain.DuplicateMessageID}
	}

	o.reporter.Publish(ctx, domain.StatusUpdate{
		NotificationID: req.RequestID,
		Status:         domain.StatusPending,
	})

	subject, err := o.fetchSubject(ctx, req.SubjectUserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// A missing subject will not appear on redelivery.
			return o.failTerminal(ctx, logger, req, "subject not found", reasonSubjectNotFound)
		}
		return o.failRetryable(ctx, logger, req, fmt.Errorf("subject lookup failed: %w", err))
	}

	if !subject.EmailEnabled {
		return o.failTerminal(ctx, logger, req, "email disabled for subject", reasonPreferenceDisabled)
	}

	tmpl, err := o.fetchTemplate(ctx, req.TemplateCode)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return o.failTerminal(ctx, logger, req, "template not found", reasonTemplateNotFound)
		}
		return o.failRetryable(ctx, logger, req, fmt.Errorf("template lookup failed: %w", err))
	}

	subjectLine, body, err := renderTemplate(tmpl, req.Variables)
	if err != nil {
		return o.failRetryable(ctx, logger, req, fmt.Errorf("template render failed: %w", err))
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, SendOperation); err != nil {
			return o.failRetryable(ctx, logger, req, fmt.Errorf("send rate limiter failed: %w", err))
		}
	}

	var resp *provider.SendResponse
	sendStart := o.now()
	sendErr := o.circuits.Execute(SendOperation, func() error {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()

		r, err := o.mail.Send(sendCtx, provider.EmailMessage{
			To:      subject.Email,
			Subject: subjectLine,
			Body:    body,
		})
		resp = r
		return err
	})
	if o.metrics != nil {
		o.metrics.ObserveSendDuration(o.now().Sub(sendStart))
	}
	if sendErr != nil {
		// Breaker-open rejections and genuine transport failures take the
		// same retryable path.
		return o.failRetryable(ctx, logger, req, fmt.Errorf("send failed: %w", sendErr))
	}

	messageID := ""
	if resp != nil {
		messageID = resp.MessageID
	}

	o.reporter.Publish(ctx, domain.StatusUpdate{
		NotificationID: req.RequestID,
		Status:         domain.StatusDelivered,
	})

	if err := o.guard.MarkProcessed(ctx, req.RequestID, domain.OutcomeSuccess, messageID); err != nil {
		// The send already happened; favoring at-most-one-effective-send
		// means reporting success rather than provoking a requeue.
		logger.Error("failed to record processed outcome", zap.Error(err))
	}
	if err := o.retries.Clear(ctx, req.RequestID); err != nil {
		logger.Warn("failed to clear retry record", zap.Error(err))
	}

	o.audit(ctx, logger, req, domain.OutcomeSuccess, messageID, "")
	if o.metrics != nil {
		o.metrics.IncDelivered()
	}
	logger.Info("notification delivered", zap.String("messageId", messageID))

	return domain.DeliveryResult{Success: true, MessageID: messageID}
}

func (o *Orchestrator) fetchSubject(ctx context.Context, subjectID string) (*domain.Subject, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	return o.subjects.Fetch(lookupCtx, subjectID)
}

func (o *Orchestrator) fetchTemplate(ctx context.Context, templateCode string) (*domain.Template, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	return o.templates.Fetch(lookupCtx, templateCode)
}

// failRetryable records the attempt against the retry budget, emits FAILED,
// and hands the requeue decision to the transport layer.
func (o *Orchestrator) failRetryable(ctx context.Context, logger *zap.Logger, req domain.NotificationRequest, cause error) domain.DeliveryResult {
	if _, err := o.retries.RecordAttempt(ctx, req.RequestID, cause); err != nil {
		logger.Error("failed to record retry attempt", zap.Error(err))
	}

	o.reporter.Publish(ctx, domain.StatusUpdate{
		NotificationID: req.RequestID,
		Status:         domain.StatusFailed,
		Error:          cause.Error(),
	})

	o.audit(ctx, logger, req, domain.OutcomeFailure, "", cause.Error())
	if o.metrics != nil {
		o.metrics.IncFailed(reasonTransient)
	}
	logger.Warn("delivery failed", zap.Error(cause))

	return domain.DeliveryResult{Success: false, Error: cause.Error(), Retryable: true}
}

// failTerminal never touches the retry record: redelivery cannot change the
// outcome, so the transport layer must dead-letter.
func (o *Orchestrator) failTerminal(ctx context.Context, logger *zap.Logger, req domain.NotificationRequest, message string, reason string) domain.DeliveryResult {
	o.reporter.Publish(ctx, domain.StatusUpdate{
		NotificationID: req.RequestID,
		Status:         domain.StatusFailed,
		Error:          message,
	})

	o.audit(ctx, logger, req, domain.OutcomeFailure, "", message)
	if o.metrics != nil {
		o.metrics.IncFailed(reason)
	}
	logger.Warn("delivery failed terminally", zap.String("reason", reason))

	return domain.DeliveryResult{Success: false, Error: message, Retryable: false}
}

func (o *Orchestrator) audit(ctx context.Context, logger *zap.Logger, req domain.NotificationRequest, outcome domain.Outcome, messageID string, errDetail string) {
	if o.attempts == nil {
		return
	}

	count, err := o.retries.AttemptCount(ctx, req.RequestID)
	if err != nil {
		logger.Warn("failed to resolve attempt number for audit", zap.Error(err))
	}
	attemptNumber := count
	if outcome == domain.OutcomeSuccess {
		attemptNumber = count + 1
	}
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	attempt := &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		RequestID:     req.RequestID,
		AttemptNumber: attemptNumber,
		Outcome:       outcome,
		CreatedAt:     o.now().UTC(),
	}
	if messageID != "" {
		attempt.MessageID = &messageID
	}
	if errDetail != "" {
		attempt.Error = &errDetail
	}

	if err := o.attempts.Create(ctx, attempt); err != nil {
		logger.Warn("failed to write delivery attempt audit row", zap.Error(err))
	}
}

func renderTemplate(tmpl *domain.Template, variables map[string]string) (string, string, error) {
	data := make(map[string]string, len(variables))
	for k, v := range variables {
		data[k] = v
	}

	subjectLine, err := renderText("subject", tmpl.Subject, data)
	if err != nil {
		return "", "", err
	}
	body, err := renderText("body", tmpl.Body, data)
	if err != nil {
		return "", "", err
	}
	return subjectLine, body, nil
}

func renderText(name string, text string, data map[string]string) (string, error) {
	parsed, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	var buf bytes.Buffer
	if err := parsed.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", name, err)
	}
	return buf.String(), nil
}
