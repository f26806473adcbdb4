package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

const driverJetStream = "jetstream"

// OutboundPublisher hands replies to the outbound stream for a separate delivery service.
type OutboundPublisher struct {
	publisher  jetstream.Publisher
	businessID string
	subject    string
}

func NewOutboundPublisher(publisher jetstream.Publisher, businessID, baseSubject string) *OutboundPublisher {
	if baseSubject == "" {
		baseSubject = string(model.V1MessagesOutbound)
	}
	return &OutboundPublisher{
		publisher:  publisher,
		businessID: businessID,
		subject:    baseSubject + "." + businessID,
	}
}

func (p *OutboundPublisher) Send(ctx context.Context, to, text string) (err error) {
	defer func() { observer.IncMessagesSent(driverJetStream, err) }()

	out := model.OutboundMessage{
		BusinessID:       p.businessID,
		RecipientAddress: to,
		Text:             text,
		Timestamp:        utils.Now(),
	}
	if err := validator.Validate(out); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDelivery, err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("%w: marshal outbound: %w", apperrors.ErrDelivery, err)
	}

	headers := map[string]string{jetstream.HeaderMsgID: uuid.NewString()}
	if err := p.publisher.Publish(ctx, p.subject, data, headers); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDelivery, err)
	}
	return nil
}
