package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// Processor turns one inbound request into a terminal delivery result.
type Processor interface {
	Process(ctx context.Context, req domain.NotificationRequest) domain.DeliveryResult
}

// RetryChecker exposes the retry budget decision to the transport layer.
type RetryChecker interface {
	ShouldRetry(ctx context.Context, requestID string) (bool, error)
}

// WorkerService is the transport layer: it runs the consumer pool and maps
// each DeliveryResult onto the broker acknowledgment protocol. Successes ack,
// retryable failures with remaining budget requeue, everything else
// dead-letters.
type WorkerService struct {
	processor   Processor
	retries     RetryChecker
	consumer    queue.Consumer
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
}

func NewWorkerService(
	processor Processor,
	retries RetryChecker,
	consumer queue.Consumer,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("retry checker is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		processor:   processor,
		retries:     retries,
		consumer:    consumer,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes the work queue with a fixed-size pool until context
// cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.WorkQueueName),
			)

			err := s.consumer.Consume(groupCtx, queue.WorkQueueName, s.handleMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (s *WorkerService) handleMessage(ctx context.Context, req domain.NotificationRequest) (err error) {
	ctx = observability.WithCorrelationID(ctx, req.RequestID)
	logger := observability.WithContextLogger(s.logger, ctx)

	if s.metrics != nil {
		s.metrics.IncWorkerInFlight()
		defer s.metrics.DecWorkerInFlight()
	}

	// A panic escaping the processor signals a condition the operator
	// should inspect, not blindly requeue.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic escaped delivery processing",
				zap.String("requestId", req.RequestID),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("panic during processing of %q: %v", req.RequestID, r)
		}
	}()

	result := s.processor.Process(ctx, req)
	if result.Success {
		return nil
	}

	if !result.Retryable {
		return fmt.Errorf("terminal delivery failure for %q: %s", req.RequestID, result.Error)
	}

	shouldRetry, retryErr := s.retries.ShouldRetry(ctx, req.RequestID)
	if retryErr != nil {
		// The budget is unreadable; requeueing risks an extra attempt,
		// dead-lettering risks losing a deliverable message.
		logger.Warn("retry budget check failed, requeueing",
			zap.String("requestId", req.RequestID),
			zap.Error(retryErr),
		)
		return fmt.Errorf("%w: %s", queue.ErrRequeue, result.Error)
	}

	if shouldRetry {
		if s.metrics != nil {
			s.metrics.IncRetryScheduled()
		}
		return fmt.Errorf("%w: %s", queue.ErrRequeue, result.Error)
	}

	logger.Warn("retry budget exhausted, dead-lettering",
		zap.String("requestId", req.RequestID),
	)
	return fmt.Errorf("retry budget exhausted for %q: %s", req.RequestID, result.Error)
}
