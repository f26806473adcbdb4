package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/config"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
)

// MessageHandler processes one inbound message to completion.
type MessageHandler interface {
	HandleInbound(ctx context.Context, msg model.InboundMessage, meta *model.LastMetadata)
}

// MessageTask is one pooled unit of work.
type MessageTask struct {
	Ctx      context.Context // detached from the delivery, keeps its values
	Message  model.InboundMessage
	Metadata *model.LastMetadata
}

// MessageWorker runs inbound messages on an ants pool, one task per message.
type MessageWorker struct {
	pool       *ants.PoolWithFunc
	handler    MessageHandler
	cfg        config.WorkerPoolConfig
	baseLogger *zap.Logger
}

var _ ingestion.MessageSubmitter = (*MessageWorker)(nil)

func NewMessageWorker(cfg config.WorkerPoolConfig, handler MessageHandler, baseLogger *zap.Logger) (*MessageWorker, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 16
	}
	worker := &MessageWorker{
		handler:    handler,
		cfg:        cfg,
		baseLogger: baseLogger.Named("message_worker"),
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize, func(i interface{}) {
		task, ok := i.(MessageTask)
		if !ok {
			worker.baseLogger.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		worker.process(task)
	},
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(p interface{}) {
			worker.baseLogger.Error("Panic recovered in message worker", zap.Any("panic_error", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message worker pool: %w", err)
	}
	worker.pool = pool
	worker.baseLogger.Info("Message worker pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
	)
	return worker, nil
}

// Submit hands msg to the pool. A full pool is retryable so the delivery is redelivered later.
func (w *MessageWorker) Submit(ctx context.Context, msg model.InboundMessage, meta *model.LastMetadata) error {
	start := time.Now()
	observer.IncMessageTasksSubmitted(msg.BusinessID)
	observer.SetMessageQueueLength(w.pool.Waiting())

	err := w.pool.Invoke(MessageTask{
		Ctx:      context.WithoutCancel(ctx),
		Message:  msg,
		Metadata: meta,
	})
	if err != nil {
		w.baseLogger.Warn("Failed to submit message task to pool",
			zap.String("message_id", msg.MessageID),
			zap.String("business_id", msg.BusinessID),
			zap.Duration("submit_duration", time.Since(start)),
			zap.Error(err),
		)
		observer.IncMessageTasksProcessed(msg.BusinessID, "submit_error")
		if errors.Is(err, ants.ErrPoolOverload) {
			return apperrors.NewRetryable(fmt.Errorf("%w: %w", apperrors.ErrRateLimited, err), "message pool overloaded")
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return apperrors.NewRetryable(err, "message pool closed")
		}
		return fmt.Errorf("failed to invoke message task: %w", err)
	}
	return nil
}

func (w *MessageWorker) process(task MessageTask) {
	start := time.Now()
	businessID := task.Message.BusinessID

	log := logger.FromContextOr(task.Ctx, w.baseLogger).With(
		zap.String("task_message_id", task.Message.MessageID),
		zap.String("task_business_id", businessID),
	)
	ctx := tenant.WithBusinessID(task.Ctx, businessID)
	ctx = logger.WithLogger(ctx, log)

	status := "success"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			log.Error("Panic recovered in message task", zap.Any("panic_error", r), zap.Stack("stack"))
		}
		duration := time.Since(start)
		observer.ObserveMessageProcessingDuration(businessID, duration)
		observer.IncMessageTasksProcessed(businessID, status)
		log.Debug("Finished processing message task", zap.Duration("duration", duration), zap.String("final_status", status))
	}()

	w.handler.HandleInbound(ctx, task.Message, task.Metadata)
}

// Running returns the number of busy workers.
func (w *MessageWorker) Running() int {
	return w.pool.Running()
}

// Stop waits for queued tasks up to timeout, then releases the pool.
func (w *MessageWorker) Stop(timeout time.Duration) {
	if w.pool == nil {
		return
	}
	w.baseLogger.Info("Releasing message worker pool")
	start := time.Now()
	if timeout > 0 {
		if err := w.pool.ReleaseTimeout(timeout); err != nil {
			w.baseLogger.Warn("Message worker pool did not drain in time", zap.Error(err))
		}
	} else {
		w.pool.Release()
	}
	w.baseLogger.Info("Message worker pool released", zap.Duration("duration", time.Since(start)))
}
