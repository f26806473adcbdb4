package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/config"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// AckNakAction is the fate of a delivered message after routing.
type AckNakAction int

const (
	ActionAck      AckNakAction = iota // processed, ACK
	ActionNak                          // DLQ publish failed, NAK immediately
	ActionNakDelay                     // retryable, NAK with backoff
	ActionDLQ                          // fatal or out of attempts, publish to DLQ then ACK
)

const consumerTypeInbound = "inbound"

// InboundConsumer is the push consumer of v1.messages.inbound.<business>.
type InboundConsumer struct {
	client          jetstream.ClientInterface
	router          RouterInterface
	cfg             config.ConsumerNatsConfig
	businessID      string
	dlqSubject      string
	duplicateWindow time.Duration
	sub             *nats.Subscription
	ctx             context.Context
	cancel          context.CancelFunc
}

// NewInboundConsumer builds the consumer. cfg.Consumer and cfg.QueueGroup are expected
// to be already scoped to the business.
func NewInboundConsumer(client jetstream.ClientInterface, router RouterInterface, cfg config.ConsumerNatsConfig, businessID, dlqSubject string, duplicateWindow time.Duration) *InboundConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithLogger(ctx, logger.Log.With(zap.String("business_id", businessID), zap.String("consumer_type", consumerTypeInbound)))
	ctx = tenant.WithBusinessID(ctx, businessID)

	return &InboundConsumer{
		client:          client,
		router:          router,
		cfg:             cfg,
		businessID:      businessID,
		dlqSubject:      dlqSubject,
		duplicateWindow: duplicateWindow,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// scopeSubjects returns the stream wildcards and the business-scoped consumer subjects.
func scopeSubjects(subjects []string, businessID string) (streamSubjects, consumerSubjects []string) {
	for _, subject := range subjects {
		streamSubjects = append(streamSubjects, subject+".*")
		consumerSubjects = append(consumerSubjects, subject+"."+businessID)
	}
	return streamSubjects, consumerSubjects
}

// Setup ensures the inbound stream, with its de-duplication window, and the durable consumer.
func (c *InboundConsumer) Setup() error {
	log := logger.FromContext(c.ctx).With(zap.String("stream", c.cfg.Stream), zap.String("consumer", c.cfg.Consumer))

	streamSubjects, consumerSubjects := scopeSubjects(c.cfg.SubjectList, c.businessID)
	streamCfg := &nats.StreamConfig{
		Name:       c.cfg.Stream,
		Subjects:   streamSubjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     time.Duration(c.cfg.MaxAge*24) * time.Hour,
		Duplicates: c.duplicateWindow,
	}
	if err := c.client.SetupStream(c.ctx, streamCfg); err != nil {
		log.Error("Failed to setup inbound stream", zap.Error(err))
		return fmt.Errorf("failed to setup inbound stream '%s': %w", c.cfg.Stream, err)
	}

	ackWait := c.cfg.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	consumerCfg := &nats.ConsumerConfig{
		Durable:        c.cfg.Consumer,
		DeliverGroup:   c.cfg.QueueGroup,
		FilterSubjects: consumerSubjects,
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverSubject: nats.NewInbox(),
		MaxDeliver:     c.cfg.MaxDeliver,
		AckWait:        ackWait,
		MaxAckPending:  1000,
		ReplayPolicy:   nats.ReplayInstantPolicy,
		DeliverPolicy:  nats.DeliverAllPolicy,
	}
	if err := c.client.SetupConsumer(c.ctx, c.cfg.Stream, consumerCfg); err != nil {
		log.Error("Failed to setup inbound consumer", zap.Error(err))
		return fmt.Errorf("failed to setup inbound consumer '%s' for stream '%s': %w", c.cfg.Consumer, c.cfg.Stream, err)
	}

	log.Info("Inbound consumer setup complete", zap.Strings("filter_subjects", consumerSubjects))
	return nil
}

func (c *InboundConsumer) Start() error {
	log := logger.FromContext(c.ctx)

	// Empty subject: the consumer carries several filter subjects.
	sub, err := c.client.SubscribePush("", c.cfg.Consumer, c.cfg.QueueGroup, c.cfg.Stream, c.handleMessage)
	if err != nil {
		log.Error("Failed to subscribe inbound consumer", zap.Error(err),
			zap.String("consumer", c.cfg.Consumer),
			zap.String("group", c.cfg.QueueGroup),
		)
		return fmt.Errorf("failed to subscribe inbound consumer '%s': %w", c.cfg.Consumer, err)
	}
	c.sub = sub
	log.Info("Inbound consumer subscribed", zap.String("consumer", c.cfg.Consumer))
	return nil
}

// Stop drains the subscription so in-flight deliveries finish their ack.
func (c *InboundConsumer) Stop() {
	log := logger.FromContext(c.ctx)
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			log.Error("Error draining inbound subscription", zap.Error(err))
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	log.Info("Inbound consumer stopped")
}

// determineAckNakAction decides what to do with a message given the routing result.
func determineAckNakAction(processingErr error, numDelivered uint64, maxDeliver int, nakBaseDelay, nakMaxDelay time.Duration) (AckNakAction, time.Duration) {
	if processingErr == nil {
		return ActionAck, 0
	}
	if !apperrors.IsRetryable(processingErr) || (maxDeliver > 0 && numDelivered >= uint64(maxDeliver)) {
		return ActionDLQ, 0
	}

	delay := nakBaseDelay
	for i := uint64(1); i < numDelivered && delay < nakMaxDelay; i++ {
		delay *= 2
	}
	if delay > nakMaxDelay {
		delay = nakMaxDelay
	}
	return ActionNakDelay, delay
}

func (c *InboundConsumer) handleMessage(msg *nats.Msg) {
	startTime := utils.Now()
	eventType, _ := model.MapToBaseEventType(msg.Subject)
	et := string(eventType)

	defer func() {
		observer.ObserveEventProcessingDuration(et, c.businessID, consumerTypeInbound, time.Since(startTime))
		if r := recover(); r != nil {
			logger.FromContext(c.ctx).Error("[panic] Recovered from panic in message handler",
				zap.Any("panic", r),
				zap.String("subject", msg.Subject),
				zap.Stack("stack"),
			)
			observer.IncEventsFailed(et, c.businessID, consumerTypeInbound)
			observer.IncEventProcessingAction(et, c.businessID, consumerTypeInbound, "panic_nak", "panic")
			if err := msg.Nak(); err != nil {
				logger.FromContext(c.ctx).Error("Failed to NAK message after panic", zap.Error(err))
			}
		}
	}()

	log := logger.FromContext(c.ctx)
	if eventType == "" {
		log.Warn("Unknown event type", zap.String("subject", msg.Subject))
		observer.IncEventProcessingAction(et, c.businessID, consumerTypeInbound, "term_unknown_type", "unknown_event_type")
		if err := msg.Term(); err != nil {
			log.Error("Failed to TERM message for unknown event type", zap.Error(err))
		}
		return
	}

	meta, err := msg.Metadata()
	if err != nil {
		log.Error("Failed to read message metadata", zap.Error(err))
		observer.IncEventProcessingAction(et, c.businessID, consumerTypeInbound, "nak_metadata_error", "metadata")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("Failed to NAK message", zap.Error(nakErr))
		}
		return
	}

	msgID := msg.Header.Get(jetstream.HeaderMsgID)
	if msgID == "" {
		msgID = fmt.Sprintf("msg-%d", meta.Sequence.Stream)
	}
	metadata := &model.MessageMetadata{
		StreamSequence:   meta.Sequence.Stream,
		ConsumerSequence: meta.Sequence.Consumer,
		NumDelivered:     meta.NumDelivered,
		NumPending:       meta.NumPending,
		Timestamp:        meta.Timestamp,
		Stream:           meta.Stream,
		Consumer:         meta.Consumer,
		Domain:           meta.Domain,
		MessageID:        msgID,
		MessageSubject:   msg.Subject,
		BusinessID:       c.businessID,
	}

	observer.IncEventsReceived(et, c.businessID, consumerTypeInbound)
	msgCtx := jetstream.ExtractContext(c.ctx, msg)
	msgCtx = logger.WithLogger(msgCtx, log.With(
		zap.String("nats_message_id", msgID),
		zap.Uint64("stream_sequence", meta.Sequence.Stream),
		zap.Uint64("num_delivered", meta.NumDelivered),
	))
	log = logger.FromContext(msgCtx)

	processingErr := c.router.Route(msgCtx, metadata, msg.Data)
	action, nakDelay := determineAckNakAction(processingErr, meta.NumDelivered, c.cfg.MaxDeliver, c.cfg.NakBaseDelay, c.cfg.NakMaxDelay)

	errorType := "none"
	if processingErr != nil {
		errorType = observer.SanitizeErrorType(processingErr.Error())
	}

	switch action {
	case ActionAck:
		observer.IncEventsProcessed(et, c.businessID, consumerTypeInbound)
		observer.IncEventProcessingAction(et, c.businessID, consumerTypeInbound, "ack_success", errorType)
		if err := msg.Ack(); err != nil {
			log.Error("Failed to ACK message", zap.Error(err))
		}

	case ActionNakDelay:
		log.Info("NAKing message with delay for redelivery",
			zap.Error(processingErr),
			zap.Duration("nak_delay", nakDelay),
		)
		observer.IncEventsFailed(et, c.businessID, consumerTypeInbound)
		observer.IncEventProcessingAction(et, c.businessID, consumerTypeInbound, "nak_retry", errorType)
		if err := msg.NakWithDelay(nakDelay); err != nil {
			log.Error("Failed to NAK message with delay", zap.Error(err))
		}

	case ActionDLQ:
		observer.IncEventsFailed(et, c.businessID, consumerTypeInbound)
		if err := c.publishDLQ(msgCtx, msg, msgID, meta.NumDelivered, processingErr); err != nil {
			log.Error("Failed to publish message to DLQ, NAKing", zap.Error(err))
			observer.IncEventProcessingAction(et, c.businessID, consumerTypeInbound, "nak_dlq_publish_fail", "dlq_publish_fail")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error("Failed to NAK message after DLQ error", zap.Error(nakErr))
			}
			return
		}
		observer.IncEventProcessingAction(et, c.businessID, consumerTypeInbound, "dlq_published_ack_success", errorType)
		if err := msg.Ack(); err != nil {
			log.Error("Failed to ACK message after DLQ publish", zap.Error(err))
		}
	}
}

func (c *InboundConsumer) publishDLQ(ctx context.Context, msg *nats.Msg, msgID string, numDelivered uint64, processingErr error) error {
	errorType := "fatal"
	reason := "fatal error encountered"
	if apperrors.IsRetryable(processingErr) {
		errorType = "retryable"
		reason = "max delivery attempts reached"
	}
	logger.FromContext(ctx).Warn("Sending message to DLQ",
		zap.String("reason", reason),
		zap.Error(processingErr),
		zap.Int("max_deliver", c.cfg.MaxDeliver),
	)

	payload := model.DLQPayload{
		SourceSubject:   msg.Subject,
		BusinessID:      c.businessID,
		OriginalPayload: dlqOriginal(msg.Data),
		Error:           processingErr.Error(),
		ErrorType:       errorType,
		RetryCount:      numDelivered,
		MaxRetry:        c.cfg.MaxDeliver,
		Timestamp:       utils.Now(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ payload: %w", err)
	}
	return c.client.Publish(ctx, c.dlqSubject+"."+c.businessID, data, map[string]string{
		"Original-Nats-Msg-Id": msgID,
	})
}

// dlqOriginal keeps the payload as raw JSON when it is JSON, and as a JSON string otherwise.
func dlqOriginal(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
