package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/breaker"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/idempotency"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/retry"
	"github.com/kursadbilgin/delivery-engine/internal/status"
)

type fakeSubjects struct {
	subject *domain.Subject
	err     error
	calls   int
}

func (f *fakeSubjects) Fetch(_ context.Context, _ string) (*domain.Subject, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.subject, nil
}

type fakeTemplates struct {
	template *domain.Template
	err      error
	calls    int
}

func (f *fakeTemplates) Fetch(_ context.Context, _ string) (*domain.Template, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.template, nil
}

type fakeMail struct {
	resp      *provider.SendResponse
	err       error
	panicWith any
	calls     int
	lastMsg   provider.EmailMessage
}

func (f *fakeMail) Send(_ context.Context, msg provider.EmailMessage) (*provider.SendResponse, error) {
	f.calls++
	f.lastMsg = msg
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type captureSink struct {
	mu      sync.Mutex
	updates []domain.StatusUpdate
}

func (s *captureSink) Emit(_ context.Context, update domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func (s *captureSink) statuses() []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Status, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, u.Status)
	}
	return out
}

type fixture struct {
	orch      *Orchestrator
	guard     *idempotency.Guard
	retries   *retry.Policy
	circuits  *breaker.Registry
	subjects  *fakeSubjects
	templates *fakeTemplates
	mail      *fakeMail
	sink      *captureSink
	mr        *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := infraredis.NewStore(client)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	guard, err := idempotency.NewGuard(store)
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	retries, err := retry.NewPolicy(store)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}

	sink := &captureSink{}
	reporter, err := status.NewReporter(sink, store, zap.NewNop())
	if err != nil {
		t.Fatalf("NewReporter() error = %v", err)
	}

	subjects := &fakeSubjects{subject: &domain.Subject{
		ID:           "u1",
		Email:        "u1@example.com",
		Name:         "Ada",
		EmailEnabled: true,
	}}
	templates := &fakeTemplates{template: &domain.Template{
		Code:    "welcome",
		Subject: "Hello {{.name}}",
		Body:    "Welcome aboard, {{.name}}!",
	}}
	mail := &fakeMail{resp: &provider.SendResponse{MessageID: "m1", StatusCode: 202}}
	circuits := breaker.NewRegistry()

	orch, err := NewOrchestrator(guard, retries, circuits, subjects, templates, mail, reporter, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	return &fixture{
		orch:      orch,
		guard:     guard,
		retries:   retries,
		circuits:  circuits,
		subjects:  subjects,
		templates: templates,
		mail:      mail,
		sink:      sink,
		mr:        mr,
	}
}

func testRequest() domain.NotificationRequest {
	return domain.NotificationRequest{
		RequestID:     "r1",
		SubjectUserID: "u1",
		TemplateCode:  "welcome",
		Variables:     map[string]string{"name": "Ada"},
		Priority:      5,
	}
}

func TestProcess_Delivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.orch.Process(ctx, testRequest())

	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if result.MessageID != "m1" {
		t.Errorf("MessageID = %s, want m1", result.MessageID)
	}

	if f.mail.calls != 1 {
		t.Errorf("mail.calls = %d, want 1", f.mail.calls)
	}
	if f.mail.lastMsg.To != "u1@example.com" {
		t.Errorf("To = %s, want u1@example.com", f.mail.lastMsg.To)
	}
	if f.mail.lastMsg.Subject != "Hello Ada" {
		t.Errorf("Subject = %s, want rendered subject", f.mail.lastMsg.Subject)
	}
	if f.mail.lastMsg.Body != "Welcome aboard, Ada!" {
		t.Errorf("Body = %s, want rendered body", f.mail.lastMsg.Body)
	}

	got := f.sink.statuses()
	want := []domain.Status{domain.StatusPending, domain.StatusDelivered}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("statuses = %v, want %v", got, want)
	}

	processed, err := f.guard.IsProcessed(ctx, "r1")
	if err != nil {
		t.Fatalf("IsProcessed() error = %v", err)
	}
	if !processed {
		t.Error("request should be marked processed after delivery")
	}
}

func TestProcess_SuccessClearsRetryRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.retries.RecordAttempt(ctx, "r1", errors.New("earlier failure")); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}

	if result := f.orch.Process(ctx, testRequest()); !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}

	count, err := f.retries.AttemptCount(ctx, "r1")
	if err != nil {
		t.Fatalf("AttemptCount() error = %v", err)
	}
	if count != 0 {
		t.Errorf("AttemptCount = %d, want 0 after successful delivery", count)
	}
}

func TestProcess_DuplicateShortCircuit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.guard.MarkProcessed(ctx, "r1", domain.OutcomeSuccess, "m0"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}

	result := f.orch.Process(ctx, testRequest())

	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if result.MessageID != domain.DuplicateMessageID {
		t.Errorf("MessageID = %s, want %s", result.MessageID, domain.DuplicateMessageID)
	}

	if f.subjects.calls != 0 {
		t.Errorf("subjects.calls = %d, want 0 on duplicate", f.subjects.calls)
	}
	if f.mail.calls != 0 {
		t.Errorf("mail.calls = %d, want 0 on duplicate", f.mail.calls)
	}
	if len(f.sink.statuses()) != 0 {
		t.Errorf("statuses = %v, want none on duplicate", f.sink.statuses())
	}
}

func TestProcess_SubjectNotFoundIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subjects.err = domain.ErrNotFound

	result := f.orch.Process(ctx, testRequest())

	if result.Success {
		t.Fatal("Success = true, want terminal failure")
	}
	if result.Retryable {
		t.Error("Retryable = true, want false for missing subject")
	}
	if f.mail.calls != 0 {
		t.Errorf("mail.calls = %d, want 0", f.mail.calls)
	}

	count, err := f.retries.AttemptCount(ctx, "r1")
	if err != nil {
		t.Fatalf("AttemptCount() error = %v", err)
	}
	if count != 0 {
		t.Errorf("AttemptCount = %d, terminal failures must not consume retry budget", count)
	}

	got := f.sink.statuses()
	if len(got) == 0 || got[len(got)-1] != domain.StatusFailed {
		t.Errorf("statuses = %v, want trailing FAILED", got)
	}
}

func TestProcess_PreferenceDisabledIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subjects.subject.EmailEnabled = false

	result := f.orch.Process(ctx, testRequest())

	if result.Success || result.Retryable {
		t.Fatalf("result = %+v, want terminal failure", result)
	}
	if f.templates.calls != 0 {
		t.Errorf("templates.calls = %d, want 0 when preference disabled", f.templates.calls)
	}
	if f.mail.calls != 0 {
		t.Errorf("mail.calls = %d, want 0", f.mail.calls)
	}
}

func TestProcess_TemplateNotFoundIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.templates.err = domain.ErrNotFound

	result := f.orch.Process(ctx, testRequest())

	if result.Success || result.Retryable {
		t.Fatalf("result = %+v, want terminal failure", result)
	}

	count, _ := f.retries.AttemptCount(ctx, "r1")
	if count != 0 {
		t.Errorf("AttemptCount = %d, want 0", count)
	}
}

func TestProcess_SubjectLookupErrorIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subjects.err = errors.New("connection refused")

	result := f.orch.Process(ctx, testRequest())

	if result.Success {
		t.Fatal("Success = true, want failure")
	}
	if !result.Retryable {
		t.Error("Retryable = false, want true for transient lookup failure")
	}

	count, _ := f.retries.AttemptCount(ctx, "r1")
	if count != 1 {
		t.Errorf("AttemptCount = %d, want 1", count)
	}
}

func TestProcess_RenderFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.templates.template.Body = "Hi {{.missing}}"

	result := f.orch.Process(ctx, testRequest())

	if result.Success {
		t.Fatal("Success = true, want failure")
	}
	if !result.Retryable {
		t.Error("Retryable = false, want true")
	}
	if f.mail.calls != 0 {
		t.Errorf("mail.calls = %d, want 0 when render fails", f.mail.calls)
	}
}

func TestProcess_SendFailureConsumesRetryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mail.err = errors.New("upstream 503")

	for want := 1; want <= 2; want++ {
		result := f.orch.Process(ctx, testRequest())
		if result.Success {
			t.Fatal("Success = true, want failure")
		}
		if !result.Retryable {
			t.Error("Retryable = false, want true")
		}

		count, err := f.retries.AttemptCount(ctx, "r1")
		if err != nil {
			t.Fatalf("AttemptCount() error = %v", err)
		}
		if count != want {
			t.Errorf("AttemptCount = %d, want %d", count, want)
		}
	}

	got := f.sink.statuses()
	if len(got) == 0 || got[len(got)-1] != domain.StatusFailed {
		t.Errorf("statuses = %v, want trailing FAILED", got)
	}
}

func TestProcess_OpenCircuitSkipsProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mail.err = errors.New("upstream 503")

	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		f.orch.Process(ctx, testRequest())
	}

	circuit, ok := f.circuits.Get(SendOperation)
	if !ok || circuit.State != breaker.StateOpen {
		t.Fatalf("circuit = %+v, want OPEN after %d failures", circuit, breaker.DefaultFailureThreshold)
	}

	callsBefore := f.mail.calls
	result := f.orch.Process(ctx, testRequest())

	if f.mail.calls != callsBefore {
		t.Errorf("mail.calls = %d, want %d (provider must not be invoked while open)", f.mail.calls, callsBefore)
	}
	if result.Success {
		t.Fatal("Success = true, want failure")
	}
	if !result.Retryable {
		t.Error("Retryable = false, open-circuit rejections stay retryable")
	}
	if !strings.Contains(result.Error, breaker.ErrOpen.Error()) {
		t.Errorf("Error = %q, want it to carry %q", result.Error, breaker.ErrOpen)
	}
}

func TestProcess_PanicRecovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mail.panicWith = "boom"

	result := f.orch.Process(ctx, testRequest())

	if result.Success {
		t.Fatal("Success = true, want failure")
	}
	if !result.Retryable {
		t.Error("Retryable = false, want true")
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("Error = %q, want panic value carried", result.Error)
	}

	count, _ := f.retries.AttemptCount(ctx, "r1")
	if count != 1 {
		t.Errorf("AttemptCount = %d, want 1", count)
	}
}
