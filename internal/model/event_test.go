package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMapToBaseEventType(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		expectedType  EventType
		expectedFound bool
	}{
		{"direct match inbound", string(V1MessagesInbound), V1MessagesInbound, true},
		{"direct match reconcile", string(V1Reconcile), V1Reconcile, true},
		{"strip business inbound", "v1.messages.inbound.1055123", V1MessagesInbound, true},
		{"strip business outbound", "v1.messages.outbound.1055123", V1MessagesOutbound, true},
		{"strip business reconcile", "v1.reconcile.biz", V1Reconcile, true},
		{"no known base", "v1.unknown.event.biz", "", false},
		{"no dot to strip", "unknown", "", false},
		{"only dot", ".", "", false},
		{"empty string", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actualType, actualFound := MapToBaseEventType(tt.input)
			assert.Equal(t, tt.expectedType, actualType)
			assert.Equal(t, tt.expectedFound, actualFound)
		})
	}
}

func TestEventType_Subject(t *testing.T) {
	assert.Equal(t, "v1.messages.inbound.biz1", V1MessagesInbound.Subject("biz1"))

	base, ok := MapToBaseEventType(V1Reconcile.Subject("biz1"))
	assert.True(t, ok)
	assert.Equal(t, V1Reconcile, base)
}

func TestMessageMetadata_ToLastMetadata(t *testing.T) {
	input := MessageMetadata{
		ConsumerSequence: 10,
		StreamSequence:   100,
		NumDelivered:     1,
		NumPending:       5,
		Timestamp:        time.Now(),
		Stream:           "wa_inbound",
		Consumer:         "booking_assistant",
		MessageID:        "wamid.1",
		MessageSubject:   "v1.messages.inbound.biz",
		BusinessID:       "biz",
	}

	expected := &LastMetadata{
		ConsumerSequence: 10,
		StreamSequence:   100,
		Stream:           "wa_inbound",
		Consumer:         "booking_assistant",
		MessageID:        "wamid.1",
		MessageSubject:   "v1.messages.inbound.biz",
		BusinessID:       "biz",
	}

	assert.Equal(t, expected, input.ToLastMetadata())
}

func TestEventType_GetVersion(t *testing.T) {
	tests := []struct {
		name     string
		e        EventType
		expected string
	}{
		{"v1 event", V1MessagesInbound, "v1"},
		{"no version prefix", EventType("messages.inbound"), ""},
		{"empty string", EventType(""), ""},
		{"version only", EventType("v2"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.e.GetVersion())
		})
	}
}

func TestCustomer_IsActive(t *testing.T) {
	assert.True(t, Customer{OnboardingState: StateActive, DisplayName: "Ana María"}.IsActive())
	assert.False(t, Customer{OnboardingState: StateActive}.IsActive())
	assert.False(t, Customer{OnboardingState: StateAwaitingEmail, DisplayName: "Ana"}.IsActive())
}
