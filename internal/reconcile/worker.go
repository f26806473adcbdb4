package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/calendar"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/config"
	internal_js "gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

const (
	defaultMsgChanCap = 100
	fetchBatchSize    = 10
	fetchMaxWait      = 5 * time.Second
	taskTimeout       = time.Minute
	publishTimeout    = 5 * time.Second
)

// Deps are the collaborators the worker repairs with.
type Deps struct {
	Store        storage.InconsistencyRepo
	Appointments storage.AppointmentRepo
	Calendar     calendar.Gateway
}

// Worker pulls reported inconsistencies and repairs them on an ants pool.
type Worker struct {
	consumerCfg  config.ConsumerNatsConfig
	businessID   string
	orphanPolicy string
	logger       *zap.Logger
	js           internal_js.ClientInterface
	pool         *ants.Pool
	deps         Deps
	msgCh        chan *nats.Msg
	stopWg       sync.WaitGroup
	cancel       context.CancelFunc
}

// NewWorker creates the pool and ensures the reconcile stream and its pull consumer exist.
func NewWorker(
	cfg *config.Config,
	log *zap.Logger,
	jsClient internal_js.ClientInterface,
	deps Deps,
) (*Worker, error) {
	w := newWorker(cfg.NATS.Reconcile, cfg.Business.ID, cfg.Booking.OrphanPolicy, log, jsClient, deps)

	pool, err := ants.NewPool(cfg.WorkerPools.Reconcile.PoolSize,
		ants.WithExpiryDuration(cfg.WorkerPools.Reconcile.ExpiryTime),
		ants.WithMaxBlockingTasks(cfg.WorkerPools.Reconcile.QueueSize),
		ants.WithLogger(newAntsLoggerAdapter(log.Named("ants_pool"))),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error("Reconcile worker panic caught", zap.Any("panic", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile pool: %w", err)
	}
	w.pool = pool

	setupCtx := context.Background()
	rc := w.consumerCfg
	streamCfg := &nats.StreamConfig{
		Name:       rc.Stream,
		Subjects:   []string{w.subject()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     time.Duration(rc.MaxAge) * 24 * time.Hour,
		Duplicates: cfg.NATS.DuplicateWindow,
	}
	if err := jsClient.SetupStream(setupCtx, streamCfg); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup reconcile stream '%s': %w", rc.Stream, err)
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:       w.durableName(),
		FilterSubject: w.subject(),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    rc.MaxDeliver,
		AckWait:       rc.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}
	if err := jsClient.SetupConsumer(setupCtx, rc.Stream, consumerCfg); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup reconcile consumer '%s': %w", consumerCfg.Durable, err)
	}

	w.logger.Info("Reconcile worker initialized",
		zap.String("stream", rc.Stream),
		zap.String("consumer", consumerCfg.Durable),
		zap.Int("pool_size", cfg.WorkerPools.Reconcile.PoolSize),
		zap.String("orphan_policy", w.orphanPolicy),
	)
	return w, nil
}

func newWorker(rc config.ConsumerNatsConfig, businessID, orphanPolicy string, log *zap.Logger, js internal_js.ClientInterface, deps Deps) *Worker {
	if orphanPolicy == "" {
		orphanPolicy = config.OrphanPolicyLog
	}
	return &Worker{
		consumerCfg:  rc,
		businessID:   businessID,
		orphanPolicy: orphanPolicy,
		logger:       log.Named("reconcile_worker"),
		js:           js,
		deps:         deps,
		msgCh:        make(chan *nats.Msg, defaultMsgChanCap),
	}
}

func (w *Worker) subject() string {
	return model.V1Reconcile.Subject(w.businessID)
}

func (w *Worker) durableName() string {
	if w.consumerCfg.Consumer != "" {
		return w.consumerCfg.Consumer
	}
	return strings.ReplaceAll(string(model.V1Reconcile), ".", "_") + "_worker"
}

// Start runs the fetch and dispatch loops until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	derivedCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	sub, err := w.js.SubscribePull(w.consumerCfg.Stream, w.subject(), w.durableName())
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create reconcile pull subscription: %w", err)
	}

	w.stopWg.Add(2)
	go w.fetchMessages(derivedCtx, sub)
	go w.dispatchMessages(derivedCtx)

	w.logger.Info("Reconcile worker started", zap.String("subject", w.subject()))
	<-derivedCtx.Done()
	return nil
}

// Stop cancels the loops, waits for them, then releases the pool.
func (w *Worker) Stop() {
	w.logger.Info("Stopping reconcile worker...")
	if w.cancel != nil {
		w.cancel()
	}
	w.stopWg.Wait()
	if w.pool != nil {
		w.pool.Release()
	}
	w.logger.Info("Reconcile worker stopped")
}

func (w *Worker) fetchMessages(ctx context.Context, sub *nats.Subscription) {
	defer w.stopWg.Done()
	defer utils.RecoverWithLog(ctx, "reconcile fetch loop")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		observer.IncReconcileFetchRequest()
		msgs, err := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, context.Canceled) || errors.Is(err, nats.ErrConnectionClosed) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			observer.IncReconcileFetchError()
			w.logger.Error("Reconcile fetch failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, msg := range msgs {
			select {
			case w.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) dispatchMessages(ctx context.Context) {
	defer w.stopWg.Done()

	for {
		observer.SetReconcileWorkersActive(w.pool.Running())

		select {
		case <-ctx.Done():
			return
		case msg := <-w.msgCh:
			current := msg
			if err := w.pool.Submit(func() {
				taskCtx, cancel := context.WithTimeout(context.Background(), taskTimeout)
				defer cancel()
				w.handleMessage(taskCtx, current)
			}); err != nil {
				w.logger.Error("Failed to submit reconcile task", zap.Error(err))
				if nakErr := current.NakWithDelay(5 * time.Second); nakErr != nil {
					w.logger.Error("Failed to NAK reconcile message after submit error", zap.Error(nakErr))
				}
			}
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg *nats.Msg) {
	meta, err := msg.Metadata()
	if err != nil {
		w.logger.Error("Failed to get reconcile message metadata", zap.Error(err))
		_ = msg.Term()
		return
	}

	var ev model.InconsistencyEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		w.logger.Error("Dropping undecodable inconsistency event",
			zap.Error(err),
			zap.Uint64("stream_sequence", meta.Sequence.Stream),
			zap.String("data", utils.Preview(string(msg.Data), 200)),
		)
		observer.IncReconcileOutcome("unknown", "undecodable")
		_ = msg.Term()
		return
	}

	log := w.logger.With(
		zap.String("event_id", ev.EventID),
		zap.String("kind", string(ev.Kind)),
		zap.Uint64("num_delivered", meta.NumDelivered),
	)
	ctx = tenant.WithBusinessID(internal_js.ExtractContext(ctx, msg), w.businessID)
	ctx = logger.WithLogger(ctx, log)

	start := utils.Now()
	// A panicking repair is retried like any other failure.
	err = utils.WrapWithRecovery(func() error { return w.Process(ctx, ev, msg.Data) })()
	observer.ObserveReconcileDuration(string(ev.Kind), time.Since(start))

	switch {
	case err == nil:
		observer.IncReconcileOutcome(string(ev.Kind), "resolved")
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("Failed to ACK reconcile message", zap.Error(ackErr))
		}
	case apperrors.IsFatal(err):
		observer.IncReconcileOutcome(string(ev.Kind), "invalid")
		log.Error("Terminating invalid inconsistency event", zap.Error(err))
		_ = msg.Term()
	case w.consumerCfg.MaxDeliver > 0 && meta.NumDelivered >= uint64(w.consumerCfg.MaxDeliver):
		observer.IncReconcileOutcome(string(ev.Kind), "exhausted")
		log.Error("Reconciliation retries exhausted, leaving record unresolved for operators", zap.Error(err))
		_ = msg.Term()
	default:
		delay := nakDelay(meta.NumDelivered, w.consumerCfg.NakBaseDelay, w.consumerCfg.NakMaxDelay)
		observer.IncReconcileOutcome(string(ev.Kind), "retry")
		log.Warn("Reconciliation failed, retrying later", zap.Duration("delay", delay), zap.Error(err))
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			log.Error("Failed to NAK reconcile message", zap.Error(nakErr))
		}
	}
}

// Process persists ev and applies the repair for its kind. Fatal errors mean the
// event can never be applied; any other error is worth another attempt.
func (w *Worker) Process(ctx context.Context, ev model.InconsistencyEvent, raw []byte) error {
	log := logger.FromContext(ctx)
	if err := validator.Validate(ev); err != nil {
		return apperrors.NewFatal(apperrors.ErrValidation, "inconsistency event %s: %s", ev.EventID, err.Error())
	}

	rec, err := w.deps.Store.SaveIfAbsent(ctx, model.Inconsistency{
		EventID:         ev.EventID,
		BusinessID:      ev.BusinessID,
		Kind:            ev.Kind,
		CalendarID:      ev.CalendarID,
		ExternalEventID: ev.ExternalEventID,
		AppointmentID:   ev.AppointmentID,
		CustomerID:      ev.CustomerID,
		StartTime:       ev.StartTime,
		EndTime:         ev.EndTime,
		LastError:       ev.Error,
		Payload:         datatypes.JSON(raw),
	})
	if err != nil {
		return fmt.Errorf("persist inconsistency: %w", err)
	}
	if rec.Resolved {
		log.Info("Inconsistency already resolved")
		return nil
	}

	notes, err := w.repair(ctx, ev)
	if err != nil {
		if recErr := w.deps.Store.RecordAttempt(ctx, ev.EventID, err.Error()); recErr != nil {
			log.Warn("Failed to record reconcile attempt", zap.Error(recErr))
		}
		return err
	}
	if notes == "" {
		// Recorded only; stays unresolved for operators.
		return nil
	}
	if err := w.deps.Store.MarkResolved(ctx, ev.EventID, notes); err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	log.Info("Inconsistency resolved", zap.String("notes", notes))
	return nil
}

// repair returns the resolution notes, or "" when the event is only recorded.
func (w *Worker) repair(ctx context.Context, ev model.InconsistencyEvent) (string, error) {
	switch ev.Kind {
	case model.KindOrphanEvent:
		return w.repairOrphan(ctx, ev)
	case model.KindDanglingRow:
		err := w.deps.Appointments.Delete(ctx, ev.AppointmentID)
		if apperrors.IsNotFoundError(err) {
			return "appointment row already gone", nil
		}
		if err != nil {
			return "", fmt.Errorf("delete dangling appointment %s: %w", ev.AppointmentID, err)
		}
		return "dangling appointment row deleted", nil
	case model.KindStaleRow:
		err := w.deps.Appointments.UpdateTimes(ctx, ev.AppointmentID, ev.StartTime, ev.EndTime)
		if apperrors.IsNotFoundError(err) {
			return "appointment row gone, nothing to align", nil
		}
		if err != nil {
			return "", fmt.Errorf("align appointment %s: %w", ev.AppointmentID, err)
		}
		return "appointment times aligned with calendar", nil
	default:
		return "", apperrors.NewFatal(apperrors.ErrValidation, "unknown inconsistency kind %q", ev.Kind)
	}
}

func (w *Worker) repairOrphan(ctx context.Context, ev model.InconsistencyEvent) (string, error) {
	if w.orphanPolicy != config.OrphanPolicyRollback {
		logger.FromContext(ctx).Warn("Orphan calendar event recorded for manual review",
			zap.String("external_event_id", ev.ExternalEventID),
			zap.String("calendar_id", ev.CalendarID),
		)
		return "", nil
	}

	if ev.AppointmentID != "" {
		_, err := w.deps.Appointments.FindByID(ctx, ev.AppointmentID)
		if err == nil {
			return "appointment row exists, calendar event kept", nil
		}
		if !apperrors.IsNotFoundError(err) {
			return "", fmt.Errorf("look up appointment %s: %w", ev.AppointmentID, err)
		}
	}

	err := w.deps.Calendar.DeleteEvent(ctx, ev.ExternalEventID)
	if errors.Is(err, calendar.ErrEventNotFound) {
		return "calendar event already gone", nil
	}
	if err != nil {
		return "", fmt.Errorf("roll back orphan event %s: %w", ev.ExternalEventID, err)
	}
	return "orphan calendar event deleted", nil
}

// nakDelay doubles the base delay per delivery, capped at maxDelay.
func nakDelay(numDelivered uint64, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if maxDelay < base {
		maxDelay = base
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := uint64(1); i < numDelivered; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

type antsLoggerAdapter struct {
	logger *zap.Logger
}

func newAntsLoggerAdapter(logger *zap.Logger) *antsLoggerAdapter {
	return &antsLoggerAdapter{logger: logger}
}

func (a *antsLoggerAdapter) Printf(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}
