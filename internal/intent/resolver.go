package intent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// Resolver classifies a customer message.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Intent, error)
}

// GenericReply is what the customer sees when the message could not be understood.
const GenericReply = "Perdona, no te entendí bien. ¿Quieres agendar, consultar, cancelar o mover una cita?"

// FallbackResolver bounds a Resolver with a timeout and turns every failure into a
// Chat with GenericReply. It never returns an error.
type FallbackResolver struct {
	next    Resolver
	timeout time.Duration
}

func NewFallbackResolver(next Resolver, timeout time.Duration) *FallbackResolver {
	return &FallbackResolver{next: next, timeout: timeout}
}

func (f *FallbackResolver) Resolve(ctx context.Context, req Request) (Intent, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := utils.Now()
	in, err := f.next.Resolve(ctx, req)
	observer.ObserveResolverDuration(time.Since(start))

	if err == nil && in == nil {
		err = ErrMalformedOutput
	}
	if err != nil {
		reason := "transport"
		switch {
		case errors.Is(err, ErrMalformedOutput):
			reason = "malformed"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		}
		observer.IncResolverFallback(reason)
		logger.FromContext(ctx).Warn("Intent resolution failed, falling back to chat",
			zap.String("reason", reason),
			zap.Error(err),
		)
		return Chat{Reply: GenericReply}, nil
	}

	observer.IncIntentResolved(string(in.Kind()))
	return in, nil
}
