package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/config"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
)

// Processor wires the inbound consumer to the message workers.
type Processor struct {
	jsClient       jetstream.ClientInterface
	inbound        ingestion.ConsumerInterface
	eventRouter    ingestion.RouterInterface
	inboundHandler *ingestion.InboundHandler
}

// NewProcessor builds the router, handler and inbound consumer. Consumer and queue
// group names get the business id appended.
func NewProcessor(submitter ingestion.MessageSubmitter, jsClient jetstream.ClientInterface, cfg *config.Config) *Processor {
	router := ingestion.NewRouter()
	businessID := cfg.Business.ID

	inboundCfg := cfg.NATS.Inbound
	inboundCfg.Consumer = inboundCfg.Consumer + businessID
	inboundCfg.QueueGroup = inboundCfg.QueueGroup + businessID
	consumer := ingestion.NewInboundConsumer(jsClient, router, inboundCfg, businessID, cfg.NATS.DLQSubject, cfg.NATS.DuplicateWindow)

	return &Processor{
		jsClient:       jsClient,
		inbound:        consumer,
		eventRouter:    router,
		inboundHandler: ingestion.NewInboundHandler(submitter),
	}
}

func (p *Processor) GetRouter() ingestion.RouterInterface {
	return p.eventRouter
}

// Setup registers the handlers and ensures the stream and consumer.
func (p *Processor) Setup() error {
	p.eventRouter.Register(model.V1MessagesInbound, p.inboundHandler.HandleEvent)

	p.eventRouter.RegisterDefault(func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
		logger.FromContext(ctx).Warn("Unhandled event type",
			zap.String("type", string(eventType)),
			zap.String("version", eventType.GetVersion()),
			zap.String("subject", metadata.MessageSubject),
		)
		return nil
	})

	if err := p.inbound.Setup(); err != nil {
		return fmt.Errorf("failed to setup inbound consumer: %w", err)
	}

	logger.Log.Info("Processor setup complete")
	return nil
}

func (p *Processor) Start() error {
	logger.Log.Info("Starting inbound processor...")

	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("[panic] Recovered from panic in processor",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	if err := p.inbound.Start(); err != nil {
		return fmt.Errorf("failed to start inbound consumer: %w", err)
	}

	logger.Log.Info("Inbound consumer started")
	return nil
}

func (p *Processor) Stop() {
	logger.Log.Info("Stopping inbound processor...")
	p.inbound.Stop()
	logger.Log.Info("Inbound consumer stopped")
}
