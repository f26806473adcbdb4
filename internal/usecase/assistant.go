package usecase

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/intent"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

const (
	minHistoryLimit     = 5
	maxHistoryLimit     = 10
	defaultHistoryLimit = 8
)

// Assistant runs one inbound message from onboarding to the reply.
type Assistant struct {
	machine      *ConversationStateMachine
	resolver     intent.Resolver
	orchestrator *BookingOrchestrator
	turns        storage.TurnRepo
	sender       MessageSender
	historyLimit int
	timeouts     Timeouts
	now          func() time.Time
}

// NewAssistant wires the assistant. resolver should never fail; wrap it with
// intent.NewFallbackResolver.
func NewAssistant(
	machine *ConversationStateMachine,
	resolver intent.Resolver,
	orchestrator *BookingOrchestrator,
	turns storage.TurnRepo,
	sender MessageSender,
	historyLimit int,
	timeouts Timeouts,
) *Assistant {
	switch {
	case historyLimit <= 0:
		historyLimit = defaultHistoryLimit
	case historyLimit < minHistoryLimit:
		historyLimit = minHistoryLimit
	case historyLimit > maxHistoryLimit:
		historyLimit = maxHistoryLimit
	}
	return &Assistant{
		machine:      machine,
		resolver:     resolver,
		orchestrator: orchestrator,
		turns:        turns,
		sender:       sender,
		historyLimit: historyLimit,
		timeouts:     timeouts,
		now:          utils.Now,
	}
}

// HandleInbound sends exactly one reply for msg, including when processing panics.
func (a *Assistant) HandleInbound(ctx context.Context, msg model.InboundMessage, meta *model.LastMetadata) {
	log := logger.FromContext(ctx)
	replied := false

	defer func() {
		if r := recover(); r != nil {
			log.Error("[panic] Recovered while handling inbound message",
				zap.String("message_id", msg.MessageID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if !replied {
				replied = true
				a.send(ctx, msg, replyTransient)
			}
		}
	}()

	reply := a.reply(ctx, msg, meta)
	replied = true
	a.send(ctx, msg, reply)
}

func (a *Assistant) reply(ctx context.Context, msg model.InboundMessage, meta *model.LastMetadata) string {
	log := logger.FromContext(ctx)

	if IsResetCommand(msg.Text) {
		reply, err := a.machine.Reset(ctx, msg)
		if err != nil {
			log.Error("Reset failed", zap.String("step", "reset"), zap.Error(err))
			return replyTransient
		}
		return reply
	}

	gate, err := a.machine.Gate(ctx, msg, meta)
	if err != nil {
		log.Error("Onboarding failed", zap.String("step", "onboarding"), zap.Error(err))
		return replyTransient
	}
	if gate.Handled {
		return gate.Reply
	}
	customer := gate.Customer

	if strings.TrimSpace(msg.Text) == "" {
		return intent.GenericReply
	}

	storeCtx, cancel := withTimeout(ctx, a.timeouts.Store)
	history, err := a.turns.Recent(storeCtx, customer.ID, a.historyLimit)
	cancel()
	if err != nil {
		log.Warn("Conversation history unavailable, resolving without it", zap.String("step", "store.recent_turns"), zap.Error(err))
		history = nil
	}

	received := msg.Timestamp
	if received.IsZero() {
		received = a.now()
	}
	in, err := a.resolver.Resolve(ctx, intent.Request{
		Text:         msg.Text,
		CustomerName: customer.DisplayName,
		History:      history,
		Now:          a.now(),
	})
	if err != nil || in == nil {
		log.Warn("Resolver returned no intent", zap.Error(err))
		in = intent.Chat{Reply: intent.GenericReply}
	}

	reply := a.orchestrator.Dispatch(ctx, customer, in)

	storeCtx, cancel = withTimeout(ctx, a.timeouts.Store)
	err = a.turns.Append(storeCtx,
		model.ConversationTurn{BusinessID: customer.BusinessID, CustomerID: customer.ID, Role: model.RoleCustomer, Content: msg.Text, CreatedAt: received},
		model.ConversationTurn{BusinessID: customer.BusinessID, CustomerID: customer.ID, Role: model.RoleAssistant, Content: reply, CreatedAt: a.now()},
	)
	cancel()
	if err != nil {
		log.Warn("Failed to append conversation turns", zap.String("step", "store.append_turns"), zap.Error(err))
	}
	return reply
}

func (a *Assistant) send(ctx context.Context, msg model.InboundMessage, text string) {
	sendCtx, cancel := withTimeout(ctx, a.timeouts.Send)
	defer cancel()
	if err := a.sender.Send(sendCtx, msg.SenderAddress, text); err != nil {
		logger.FromContext(ctx).Error("Failed to send reply",
			zap.String("step", "send"),
			zap.String("to", utils.MaskPhone(msg.SenderAddress)),
			zap.Error(err),
		)
	}
}
