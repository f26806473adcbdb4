package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// InboundHandler decodes inbound message events and hands them to the message workers.
type InboundHandler struct {
	submitter MessageSubmitter
}

func NewInboundHandler(submitter MessageSubmitter) *InboundHandler {
	return &InboundHandler{submitter: submitter}
}

// HandleEvent is an EventHandler for model.V1MessagesInbound. Malformed payloads are
// fatal. A full worker queue is retryable.
func (h *InboundHandler) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	ctx = tenant.WithRequestID(ctx, uuid.NewString())
	log := logger.FromContext(ctx)

	var msg model.InboundMessage
	if err := json.Unmarshal(rawEvent, &msg); err != nil {
		log.Error("Failed to unmarshal inbound message", zap.Error(err))
		return apperrors.NewFatal(err, "failed to unmarshal inbound message")
	}
	if msg.BusinessID == "" {
		msg.BusinessID = metadata.BusinessID
	}
	if msg.BusinessID != metadata.BusinessID {
		err := fmt.Errorf("%w: message for business %s delivered to %s", apperrors.ErrBadRequest, msg.BusinessID, metadata.BusinessID)
		return apperrors.NewFatal(err, "business mismatch")
	}
	if msg.MessageID == "" {
		msg.MessageID = metadata.MessageID
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if err := validator.Validate(msg); err != nil {
		log.Warn("Inbound message failed validation", zap.Error(err))
		return apperrors.NewFatal(fmt.Errorf("%w: %w", apperrors.ErrValidation, err), "invalid inbound message")
	}

	log.Info("Inbound message",
		zap.String("message_id", msg.MessageID),
		zap.String("sender", utils.MaskPhone(msg.SenderAddress)),
		zap.String("text_preview", utils.Preview(msg.Text, 40)),
	)
	return h.submitter.Submit(ctx, msg, metadata.ToLastMetadata())
}
