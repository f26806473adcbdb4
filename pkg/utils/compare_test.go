package utils

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func baseStream() nats.StreamConfig {
	return nats.StreamConfig{
		Name:       "wa_inbound",
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Storage:    nats.FileStorage,
		Duplicates: 10 * time.Minute,
		Subjects:   []string{"v1.messages.inbound.biz"},
	}
}

func TestStreamConfigEqual(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*nats.StreamConfig)
		expected bool
	}{
		{"identical", func(*nats.StreamConfig) {}, true},
		{"different subjects", func(c *nats.StreamConfig) { c.Subjects = []string{"v1.messages.inbound.other"} }, false},
		{"extra subject", func(c *nats.StreamConfig) { c.Subjects = append(c.Subjects, "v1.x") }, false},
		{"different max age", func(c *nats.StreamConfig) { c.MaxAge = time.Hour }, false},
		{"different duplicate window", func(c *nats.StreamConfig) { c.Duplicates = time.Minute }, false},
		{"different storage", func(c *nats.StreamConfig) { c.Storage = nats.MemoryStorage }, false},
		{"ignored description", func(c *nats.StreamConfig) { c.Description = "x" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := baseStream()
			tt.mutate(&b)
			assert.Equal(t, tt.expected, StreamConfigEqual(baseStream(), b))
		})
	}
}

func TestConsumerConfigEqual(t *testing.T) {
	a := nats.ConsumerConfig{
		Durable:       "booking_assistant",
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: "v1.messages.inbound.biz",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
	}
	b := a
	assert.True(t, ConsumerConfigEqual(a, b))

	b.MaxDeliver = 6
	assert.False(t, ConsumerConfigEqual(a, b))

	b = a
	b.AckWait = time.Minute
	assert.False(t, ConsumerConfigEqual(a, b))

	b = a
	b.DeliverGroup = "other"
	assert.True(t, ConsumerConfigEqual(a, b))
}
