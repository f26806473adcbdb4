package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is the JetStream surface used by consumers and publishers.
type ClientInterface interface {
	// SetupStream ensures the stream exists with the given configuration.
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error
	// SetupConsumer ensures the durable consumer exists on streamName.
	SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error
	SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error)
	SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error)
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
	Ping(ctx context.Context) error
	Close()
	NatsConn() *nats.Conn
}

// Publisher is the publish-only part of ClientInterface.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}
