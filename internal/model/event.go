package model

import (
	"strings"
	"time"
)

// EventType is the versioned subject prefix of a JetStream event.
type EventType string

const (
	V1MessagesInbound  EventType = "v1.messages.inbound"
	V1MessagesOutbound EventType = "v1.messages.outbound"
	V1Reconcile        EventType = "v1.reconcile"
)

var knownEventTypes = map[EventType]struct{}{
	V1MessagesInbound:  {},
	V1MessagesOutbound: {},
	V1Reconcile:        {},
}

// MapToBaseEventType maps a concrete subject such as "v1.messages.inbound.<business>"
// back to its EventType by stripping the trailing scope token.
func MapToBaseEventType(input string) (EventType, bool) {
	if _, ok := knownEventTypes[EventType(input)]; ok {
		return EventType(input), true
	}

	lastDot := strings.LastIndex(input, ".")
	if lastDot <= 0 {
		return "", false
	}
	base := EventType(input[:lastDot])
	if _, ok := knownEventTypes[base]; ok {
		return base, true
	}
	return "", false
}

// Subject returns the scoped subject for a business.
func (e EventType) Subject(businessID string) string {
	return string(e) + "." + businessID
}

// GetVersion returns the version prefix ("v1") or "" when the type is unversioned.
func (e EventType) GetVersion() string {
	parts := strings.SplitN(string(e), ".", 2)
	if len(parts) < 2 {
		return ""
	}
	if len(parts[0]) >= 2 && parts[0][0] == 'v' {
		return parts[0]
	}
	return ""
}

// MessageMetadata is the JetStream delivery metadata of one message.
type MessageMetadata struct {
	ConsumerSequence uint64
	StreamSequence   uint64
	NumDelivered     uint64
	NumPending       uint64
	Timestamp        time.Time
	Stream           string
	Consumer         string
	Domain           string
	MessageID        string
	MessageSubject   string
	BusinessID       string
}

// ToLastMetadata converts MessageMetadata to the compact form stored on customers.
func (e MessageMetadata) ToLastMetadata() *LastMetadata {
	return &LastMetadata{
		ConsumerSequence: int64(e.ConsumerSequence),
		StreamSequence:   int64(e.StreamSequence),
		Stream:           e.Stream,
		Consumer:         e.Consumer,
		MessageID:        e.MessageID,
		MessageSubject:   e.MessageSubject,
		BusinessID:       e.BusinessID,
	}
}

// LastMetadata is the JSON stored in customers.last_metadata.
type LastMetadata struct {
	ConsumerSequence int64  `json:"consumer_sequence"`
	StreamSequence   int64  `json:"stream_sequence"`
	Stream           string `json:"stream"`
	Consumer         string `json:"consumer"`
	MessageID        string `json:"message_id"`
	MessageSubject   string `json:"message_subject"`
	BusinessID       string `json:"business_id"`
}
