package jetstream

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestExtractContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Run("carries remote span", func(t *testing.T) {
		msg := nats.NewMsg("v1.messages.inbound.biz")
		msg.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

		sc := trace.SpanContextFromContext(ExtractContext(context.Background(), msg))
		assert.True(t, sc.IsValid())
		assert.True(t, sc.IsRemote())
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
	})

	t.Run("no headers", func(t *testing.T) {
		ctx := ExtractContext(context.Background(), &nats.Msg{Subject: "x"})
		assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
	})

	t.Run("nil message", func(t *testing.T) {
		ctx := context.Background()
		assert.Equal(t, ctx, ExtractContext(ctx, nil))
	})
}

func TestPingWithoutConnection(t *testing.T) {
	c := &Client{}
	assert.Error(t, c.Ping(context.Background()))
}
