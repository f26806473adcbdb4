package model

import (
	"encoding/json"
	"time"
)

// InboundMessage is one customer text as published by the webhook ingress.
type InboundMessage struct {
	MessageID     string    `json:"message_id" validate:"required"`
	BusinessID    string    `json:"business_id" validate:"required"`
	SenderAddress string    `json:"sender_address" validate:"required,wa_id"`
	SenderName    string    `json:"sender_name,omitempty"`
	Text          string    `json:"text" validate:"max=4096"`
	Timestamp     time.Time `json:"timestamp"`
}

// OutboundMessage is a reply handed to the outbound stream.
type OutboundMessage struct {
	BusinessID       string    `json:"business_id" validate:"required"`
	RecipientAddress string    `json:"recipient_address" validate:"required,wa_id"`
	Text             string    `json:"text" validate:"required"`
	Timestamp        time.Time `json:"timestamp"`
}

// DLQPayload is published to the dead letter subject for inbound payloads that cannot be processed.
type DLQPayload struct {
	SourceSubject   string          `json:"source_subject"`
	BusinessID      string          `json:"business_id"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	Error           string          `json:"error"`
	ErrorType       string          `json:"error_type"` // fatal | retryable | unknown
	RetryCount      uint64          `json:"retry_count"`
	MaxRetry        int             `json:"max_retry"`
	Timestamp       time.Time       `json:"ts"`
}
