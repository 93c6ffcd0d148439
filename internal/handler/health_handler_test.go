package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/breaker"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	redisinfra "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/status"
)

type fakeBroker struct {
	connected bool
}

func (f *fakeBroker) IsConnected() bool { return f.connected }

type nopSink struct{}

func (nopSink) Emit(_ context.Context, _ domain.StatusUpdate) error { return nil }

func newTestApp(t *testing.T, brokerUp bool) (*fiber.App, *status.Reporter) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := redisinfra.NewStore(client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reporter, err := status.NewReporter(nopSink{}, store, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	app := fiber.New()
	RegisterHealthRoutes(app, client, &fakeBroker{connected: brokerUp}, nil)
	RegisterOpsRoutes(app, breaker.NewRegistry(), reporter)
	return app, reporter
}

func TestLivez(t *testing.T) {
	app, _ := newTestApp(t, true)

	req, _ := http.NewRequest(http.MethodGet, "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyz_AllUp(t *testing.T) {
	app, _ := newTestApp(t, true)

	req, _ := http.NewRequest(http.MethodGet, "/readyz", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ready" {
		t.Errorf("status = %s, want ready", body.Status)
	}
	if body.Checks["rabbitmq"] != "ok" || body.Checks["redis"] != "ok" {
		t.Errorf("checks = %v, want all ok", body.Checks)
	}
	if _, present := body.Checks["postgres"]; present {
		t.Error("postgres check should be absent when no audit store is configured")
	}
}

func TestReadyz_BrokerDown(t *testing.T) {
	app, _ := newTestApp(t, false)

	req, _ := http.NewRequest(http.MethodGet, "/readyz", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCircuits(t *testing.T) {
	app, _ := newTestApp(t, true)

	req, _ := http.NewRequest(http.MethodGet, "/circuits", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	var body struct {
		Circuits []breaker.Circuit `json:"circuits"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func TestStatusLookup(t *testing.T) {
	app, reporter := newTestApp(t, true)

	reporter.Publish(context.Background(), domain.StatusUpdate{
		NotificationID: "n-1",
		Status:         domain.StatusDelivered,
	})

	req, _ := http.NewRequest(http.MethodGet, "/status/n-1", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var update domain.StatusUpdate
	if err := json.NewDecoder(resp.Body).Decode(&update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.Status != domain.StatusDelivered {
		t.Errorf("Status = %s, want %s", update.Status, domain.StatusDelivered)
	}
}

func TestStatusLookup_Unknown(t *testing.T) {
	app, _ := newTestApp(t, true)

	req, _ := http.NewRequest(http.MethodGet, "/status/missing", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
