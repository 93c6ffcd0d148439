package handler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/delivery-engine/internal/breaker"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/status"
)

const readinessTimeout = 2 * time.Second

// BrokerConn is the broker connectivity view the readiness probe needs.
type BrokerConn interface {
	IsConnected() bool
}

func RegisterHealthRoutes(app fiber.Router, rdb *redis.Client, broker BrokerConn, sqlDB *sql.DB) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(rdb, broker, sqlDB))
}

func RegisterOpsRoutes(app fiber.Router, circuits *breaker.Registry, reporter *status.Reporter) {
	app.Get("/circuits", CircuitsHandler(circuits))
	app.Get("/status/:id", StatusHandler(reporter))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

// ReadyzHandler checks redis and the broker connection. The postgres check
// only runs when the audit store is configured; sqlDB is nil otherwise.
func ReadyzHandler(rdb *redis.Client, broker BrokerConn, sqlDB *sql.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		checks := fiber.Map{}
		ready := true

		redisStatus := "ok"
		if err := rdb.Ping(ctx).Err(); err != nil {
			redisStatus = "down"
			ready = false
		}
		checks["redis"] = redisStatus

		brokerStatus := "ok"
		if !broker.IsConnected() {
			brokerStatus = "down"
			ready = false
		}
		checks["rabbitmq"] = brokerStatus

		if sqlDB != nil {
			pgStatus := "ok"
			if err := sqlDB.PingContext(ctx); err != nil {
				pgStatus = "down"
				ready = false
			}
			checks["postgres"] = pgStatus
		}

		statusText := "ready"
		statusCode := fiber.StatusOK
		if !ready {
			statusText = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": statusText,
			"checks": checks,
		})
	}
}

func CircuitsHandler(circuits *breaker.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"circuits": circuits.AllCircuits(),
		})
	}
}

func StatusHandler(reporter *status.Reporter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")

		update, err := reporter.Lookup(c.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no recent status for notification")
			}
			return err
		}

		return c.Status(fiber.StatusOK).JSON(update)
	}
}
