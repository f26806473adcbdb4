package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// Publisher reports store/calendar mismatches to the reconcile stream.
type Publisher struct {
	js         jetstream.Publisher
	businessID string
	subject    string
}

func NewPublisher(js jetstream.Publisher, businessID string) *Publisher {
	return &Publisher{
		js:         js,
		businessID: businessID,
		subject:    model.V1Reconcile.Subject(businessID),
	}
}

// Report publishes ev, filling the event id, business and timestamp when unset.
// The event id doubles as the stream dedup key.
func (p *Publisher) Report(ctx context.Context, ev model.InconsistencyEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.BusinessID == "" {
		ev.BusinessID = p.businessID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = utils.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal inconsistency: %w", apperrors.ErrInconsistent, err)
	}

	// The caller's deadline may already be spent.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.js.Publish(pubCtx, p.subject, data, map[string]string{jetstream.HeaderMsgID: ev.EventID}); err != nil {
		logger.FromContext(ctx).Error("Failed to report inconsistency",
			zap.String("event_id", ev.EventID),
			zap.String("kind", string(ev.Kind)),
			zap.String("external_event_id", ev.ExternalEventID),
			zap.String("appointment_id", ev.AppointmentID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", apperrors.ErrInconsistent, err)
	}

	logger.FromContext(ctx).Warn("Inconsistency reported",
		zap.String("event_id", ev.EventID),
		zap.String("kind", string(ev.Kind)),
		zap.String("external_event_id", ev.ExternalEventID),
		zap.String("appointment_id", ev.AppointmentID),
	)
	return nil
}
