package tenant

import (
	"context"
	"errors"
)

type contextKey string

const (
	businessIDKey contextKey = "businessID"
	requestIDKey  contextKey = "requestID"
)

// ErrBusinessIDNotFound is returned when no business scope is attached to the context.
var ErrBusinessIDNotFound = errors.New("business ID not found in context")

// ErrNoRequestIDInContext is returned when no request ID is found in context.
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// WithBusinessID scopes the context to one business (one WhatsApp number and calendar).
func WithBusinessID(ctx context.Context, businessID string) context.Context {
	return context.WithValue(ctx, businessIDKey, businessID)
}

// FromContext extracts the business ID from the context.
func FromContext(ctx context.Context) (string, error) {
	businessID, ok := ctx.Value(businessIDKey).(string)
	if !ok || businessID == "" {
		return "", ErrBusinessIDNotFound
	}
	return businessID, nil
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromRequestIDContext extracts the request ID from the context.
func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}
