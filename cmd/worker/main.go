package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/delivery-engine/internal/breaker"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/handler"
	"github.com/kursadbilgin/delivery-engine/internal/idempotency"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/lookup"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/retry"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"github.com/kursadbilgin/delivery-engine/internal/status"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("delivery-engine exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	store, err := infraredis.NewStore(rdb)
	if err != nil {
		return err
	}

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer broker.Close()

	metrics := observability.NewMetrics()

	circuits := breaker.NewRegistry()
	circuits.SetStateChangeListener(func(name string, _ breaker.State, to breaker.State) {
		metrics.SetCircuitState(name, to)
	})

	guard, err := idempotency.NewGuard(store)
	if err != nil {
		return err
	}

	retries, err := retry.NewPolicy(store)
	if err != nil {
		return err
	}

	publisher, err := queue.NewStatusPublisher(broker)
	if err != nil {
		return err
	}

	reporter, err := status.NewReporter(publisher, store, logger)
	if err != nil {
		return err
	}

	subjectClient, err := lookup.NewSubjectClient(cfg.SubjectServiceURL)
	if err != nil {
		return err
	}
	templateClient, err := lookup.NewTemplateClient(cfg.TemplateServiceURL)
	if err != nil {
		return err
	}
	subjects := lookup.NewCachedSubjectService(subjectClient, store, logger)
	templates := lookup.NewCachedTemplateService(templateClient, store, logger)

	mail, err := provider.NewMailAPIProvider(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailFrom)
	if err != nil {
		return err
	}

	orchestrator, err := service.NewOrchestrator(
		guard, retries, circuits, subjects, templates, mail, reporter, logger,
	)
	if err != nil {
		return err
	}
	orchestrator.SetMetrics(metrics)

	if cfg.SendRatePerSec > 0 {
		limiter, err := infraredis.NewRateLimiter(rdb, cfg.SendRatePerSec)
		if err != nil {
			return err
		}
		orchestrator.SetRateLimiter(limiter)
	}

	var sqlDB *sql.DB
	if cfg.DatabaseDSN != "" {
		db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err = db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		orchestrator.SetAttemptRepository(repository.NewGormAttemptRepo(db))
		logger.Info("delivery attempt audit enabled")
	}

	// Each worker opens its own channel, so per-channel prefetch 1 caps
	// total unacked deliveries at the pool size.
	consumer := queue.NewRabbitMQConsumer(broker, 1, logger)

	workers, err := service.NewWorkerService(
		orchestrator, retries, consumer, cfg.WorkerConcurrency, logger,
	)
	if err != nil {
		return err
	}
	workers.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, rdb, broker, sqlDB)
	handler.RegisterOpsRoutes(app, circuits, reporter)

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("worker pool starting",
			zap.Int("concurrency", cfg.WorkerConcurrency),
			zap.String("queue", queue.WorkQueueName),
		)
		return workers.Start(groupCtx)
	})

	g.Go(func() error {
		logger.Info("ops server starting", zap.Int("port", cfg.OpsPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.OpsPort)); err != nil {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.Shutdown()
	})

	if err := g.Wait(); err != nil && !isShutdown(ctx, err) {
		return err
	}

	logger.Info("delivery-engine stopped")
	return nil
}

func isShutdown(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}
