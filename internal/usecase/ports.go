package usecase

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

// MessageSender delivers a reply to a customer. Failures are logged and counted by the caller only.
type MessageSender interface {
	Send(ctx context.Context, to, text string) error
}

// InconsistencyReporter is the reconciliation hook for store/calendar mismatches.
type InconsistencyReporter interface {
	Report(ctx context.Context, ev model.InconsistencyEvent) error
}

// Timeouts bound each collaborator call within one message.
type Timeouts struct {
	Calendar time.Duration
	Store    time.Duration
	Send     time.Duration
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
