package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/breaker"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDeliveryCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncDelivered()
	metrics.IncFailed("Subject_Not_Found")
	metrics.IncDuplicateSkipped()
	metrics.IncRetryScheduled()
	metrics.ObserveSendDuration(120 * time.Millisecond)
	metrics.IncWorkerInFlight()
	metrics.DecWorkerInFlight()

	if got := testutil.ToFloat64(metrics.deliveredTotal); got != 1 {
		t.Fatalf("notifications_delivered_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.failedTotal.WithLabelValues("subject_not_found")); got != 1 {
		t.Fatalf("notifications_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.duplicatesTotal); got != 1 {
		t.Fatalf("duplicates_skipped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.workerInflight); got != 0 {
		t.Fatalf("worker_inflight = %v, want 0", got)
	}
}

func TestMetricsCircuitStateGauge(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.SetCircuitState("email_send", breaker.StateOpen)
	if got := testutil.ToFloat64(metrics.circuitState.WithLabelValues("email_send")); got != 2 {
		t.Fatalf("circuit_state after OPEN = %v, want 2", got)
	}

	metrics.SetCircuitState("email_send", breaker.StateHalfOpen)
	if got := testutil.ToFloat64(metrics.circuitState.WithLabelValues("email_send")); got != 1 {
		t.Fatalf("circuit_state after HALF_OPEN = %v, want 1", got)
	}

	metrics.SetCircuitState("email_send", breaker.StateClosed)
	if got := testutil.ToFloat64(metrics.circuitState.WithLabelValues("email_send")); got != 0 {
		t.Fatalf("circuit_state after CLOSED = %v, want 0", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
