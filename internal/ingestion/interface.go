package ingestion

import (
	"context"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

// RouterInterface dispatches a delivered event to the handler of its type.
type RouterInterface interface {
	Register(eventType model.EventType, handler EventHandler)
	RegisterDefault(handler EventHandler)
	Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error
}

// ConsumerInterface is the lifecycle of a JetStream consumer.
type ConsumerInterface interface {
	// Setup ensures the stream and durable consumer exist.
	Setup() error
	Start() error
	Stop()
}

// MessageSubmitter accepts a decoded inbound message for asynchronous processing.
// It returns a retryable error when it cannot take more work.
type MessageSubmitter interface {
	Submit(ctx context.Context, msg model.InboundMessage, metadata *model.LastMetadata) error
}

var _ RouterInterface = (*Router)(nil)
var _ ConsumerInterface = (*InboundConsumer)(nil)
