package ingestion

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error

// Router routes events to handlers by their base event type.
type Router struct {
	handlers       map[model.EventType]EventHandler
	defaultHandler EventHandler
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[model.EventType]EventHandler),
	}
}

func (r *Router) Register(eventType model.EventType, handler EventHandler) {
	r.handlers[eventType] = handler
}

// RegisterDefault sets the handler for subjects no registered type matches.
func (r *Router) RegisterDefault(handler EventHandler) {
	r.defaultHandler = handler
}

// Route scopes ctx to the event's business and logger, then calls the matching handler.
// An event nobody handles is dropped without error.
func (r *Router) Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx).With(
		zap.String("event_type", metadata.MessageSubject),
		zap.String("event_id", metadata.MessageID),
		zap.String("business_id", metadata.BusinessID),
	)
	ctx = logger.WithLogger(ctx, log)
	if metadata.BusinessID != "" {
		ctx = tenant.WithBusinessID(ctx, metadata.BusinessID)
	}

	eventType, found := model.MapToBaseEventType(metadata.MessageSubject)
	if !found {
		log.Warn("Could not map subject to a known event type")
	}

	log.Debug("Event received",
		zap.String("payload_size", utils.ByteCountSI(len(rawEvent))),
		zap.String("version", eventType.GetVersion()),
	)

	handler, ok := r.handlers[eventType]
	if !ok {
		if r.defaultHandler != nil {
			log.Warn("No specific handler for event type, using default")
			return r.defaultHandler(ctx, eventType, metadata, rawEvent)
		}
		log.Error("No handler registered for event type")
		return nil
	}
	return handler(ctx, eventType, metadata, rawEvent)
}
