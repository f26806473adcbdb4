package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/calendar"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

const (
	resetCommand   = "/reset"
	resetScanLimit = 50
	maxNameLength  = 80
)

// OnboardingConfig is the onboarding policy.
type OnboardingConfig struct {
	BusinessName  string
	RequireEmail  bool
	MinNameLength int
}

// GateResult tells the caller whether onboarding consumed the message.
// When Handled is false, Customer is ACTIVE with a name and the message is content.
type GateResult struct {
	Customer *model.Customer
	Reply    string
	Handled  bool
}

// ConversationStateMachine owns every onboarding transition of a customer.
type ConversationStateMachine struct {
	customers    storage.CustomerRepo
	logs         storage.OnboardingLogRepo
	appointments storage.AppointmentRepo
	calendar     calendar.Gateway
	reporter     InconsistencyReporter
	cfg          OnboardingConfig
	timeouts     Timeouts
	titleCaser   cases.Caser
	now          func() time.Time
}

func NewConversationStateMachine(
	customers storage.CustomerRepo,
	logs storage.OnboardingLogRepo,
	appointments storage.AppointmentRepo,
	cal calendar.Gateway,
	reporter InconsistencyReporter,
	cfg OnboardingConfig,
	timeouts Timeouts,
) *ConversationStateMachine {
	if cfg.MinNameLength <= 0 {
		cfg.MinNameLength = 3
	}
	if strings.TrimSpace(cfg.BusinessName) == "" {
		cfg.BusinessName = "nuestro negocio"
	}
	return &ConversationStateMachine{
		customers:    customers,
		logs:         logs,
		appointments: appointments,
		calendar:     cal,
		reporter:     reporter,
		cfg:          cfg,
		timeouts:     timeouts,
		titleCaser:   cases.Title(language.Spanish),
		now:          utils.Now,
	}
}

// IsResetCommand reports whether the whole trimmed body is the reset command, in any case.
func IsResetCommand(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), resetCommand)
}

// Gate applies the onboarding transition for msg. Errors are store failures; the caller
// replies with a transient message.
func (m *ConversationStateMachine) Gate(ctx context.Context, msg model.InboundMessage, meta *model.LastMetadata) (GateResult, error) {
	storeCtx, cancel := withTimeout(ctx, m.timeouts.Store)
	cust, err := m.customers.FindByPhone(storeCtx, msg.SenderAddress)
	cancel()
	if apperrors.IsNotFoundError(err) {
		return m.start(ctx, msg, meta)
	}
	if err != nil {
		return GateResult{}, fmt.Errorf("find customer: %w", err)
	}

	switch cust.OnboardingState {
	case model.StateAwaitingName:
		return m.acceptName(ctx, cust, msg, meta)
	case model.StateAwaitingEmail:
		return m.acceptEmail(ctx, cust, msg, meta)
	case model.StateActive:
		if strings.TrimSpace(cust.DisplayName) != "" {
			return GateResult{Customer: cust}, nil
		}
		logger.FromContext(ctx).Warn("Active customer without a name, repairing", zap.String("customer_id", cust.ID))
		return m.repair(ctx, cust, msg, meta)
	default:
		logger.FromContext(ctx).Warn("Customer in unknown onboarding state, repairing",
			zap.String("customer_id", cust.ID),
			zap.String("state", string(cust.OnboardingState)),
		)
		return m.repair(ctx, cust, msg, meta)
	}
}

func (m *ConversationStateMachine) start(ctx context.Context, msg model.InboundMessage, meta *model.LastMetadata) (GateResult, error) {
	now := m.now()
	cust := model.Customer{
		ID:              uuid.NewString(),
		BusinessID:      msg.BusinessID,
		PhoneNumber:     msg.SenderAddress,
		OnboardingState: model.StateAwaitingName,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastMetadata:    metadataJSON(meta),
	}
	reply := fmt.Sprintf(replyAskName, m.cfg.BusinessName)

	storeCtx, cancel := withTimeout(ctx, m.timeouts.Store)
	err := m.customers.Create(storeCtx, cust)
	cancel()
	if apperrors.IsDuplicateError(err) {
		// A concurrent first message created the row.
		logger.FromContext(ctx).Info("Customer created concurrently, sending name prompt")
		return GateResult{Reply: reply, Handled: true}, nil
	}
	if err != nil {
		return GateResult{}, fmt.Errorf("create customer: %w", err)
	}

	m.logTransition(ctx, cust, model.StateNew, msg)
	logger.FromContext(ctx).Info("New customer started onboarding", zap.String("customer_id", cust.ID))
	return GateResult{Customer: &cust, Reply: reply, Handled: true}, nil
}

func (m *ConversationStateMachine) acceptName(ctx context.Context, cust *model.Customer, msg model.InboundMessage, meta *model.LastMetadata) (GateResult, error) {
	name, ok := m.normalizeName(msg.Text)
	if !ok {
		return GateResult{Customer: cust, Reply: fmt.Sprintf(replyNameInvalid, m.cfg.MinNameLength), Handled: true}, nil
	}

	updated := *cust
	updated.DisplayName = name
	updated.OnboardingState = model.StateActive
	reply := fmt.Sprintf(replyWelcome, firstName(name))
	if m.cfg.RequireEmail {
		updated.OnboardingState = model.StateAwaitingEmail
		reply = fmt.Sprintf(replyAskEmail, firstName(name))
	}
	if err := m.update(ctx, &updated, meta); err != nil {
		return GateResult{}, err
	}

	m.logTransition(ctx, updated, cust.OnboardingState, msg)
	return GateResult{Customer: &updated, Reply: reply, Handled: true}, nil
}

func (m *ConversationStateMachine) acceptEmail(ctx context.Context, cust *model.Customer, msg model.InboundMessage, meta *model.LastMetadata) (GateResult, error) {
	email := strings.ToLower(strings.TrimSpace(msg.Text))
	if !strings.Contains(email, "@") || validator.ValidateVar(email, "required,email") != nil {
		return GateResult{Customer: cust, Reply: replyEmailInvalid, Handled: true}, nil
	}

	updated := *cust
	updated.ContactEmail = email
	updated.OnboardingState = model.StateActive
	if err := m.update(ctx, &updated, meta); err != nil {
		return GateResult{}, err
	}

	m.logTransition(ctx, updated, cust.OnboardingState, msg)
	return GateResult{Customer: &updated, Reply: fmt.Sprintf(replyWelcome, firstName(updated.DisplayName)), Handled: true}, nil
}

func (m *ConversationStateMachine) repair(ctx context.Context, cust *model.Customer, msg model.InboundMessage, meta *model.LastMetadata) (GateResult, error) {
	updated := *cust
	updated.OnboardingState = model.StateAwaitingName
	if err := m.update(ctx, &updated, meta); err != nil {
		return GateResult{}, err
	}
	m.logTransition(ctx, updated, cust.OnboardingState, msg)
	return GateResult{Customer: &updated, Reply: replyNameRepair, Handled: true}, nil
}

func (m *ConversationStateMachine) update(ctx context.Context, cust *model.Customer, meta *model.LastMetadata) error {
	cust.UpdatedAt = m.now()
	if meta != nil {
		cust.LastMetadata = metadataJSON(meta)
	}
	storeCtx, cancel := withTimeout(ctx, m.timeouts.Store)
	defer cancel()
	if err := m.customers.Update(storeCtx, *cust); err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	return nil
}

// logTransition records the transition. Audit failures never fail the message.
func (m *ConversationStateMachine) logTransition(ctx context.Context, cust model.Customer, from model.OnboardingState, msg model.InboundMessage) {
	observer.IncOnboardingTransition(string(from), string(cust.OnboardingState))

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	entry := model.OnboardingLog{
		BusinessID:  cust.BusinessID,
		CustomerID:  cust.ID,
		PhoneNumber: cust.PhoneNumber,
		MessageID:   msg.MessageID,
		FromState:   from,
		ToState:     cust.OnboardingState,
		Timestamp:   ts.Unix(),
	}

	storeCtx, cancel := withTimeout(ctx, m.timeouts.Store)
	defer cancel()
	if err := m.logs.Save(storeCtx, entry); err != nil {
		logger.FromContext(ctx).Warn("Failed to save onboarding log",
			zap.String("from", string(from)),
			zap.String("to", string(cust.OnboardingState)),
			zap.Error(err),
		)
	}
}

// normalizeName trims, collapses inner whitespace and title-cases a name candidate.
func (m *ConversationStateMachine) normalizeName(text string) (string, bool) {
	name := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(name) < m.cfg.MinNameLength || utf8.RuneCountInString(name) > maxNameLength {
		return "", false
	}
	if !strings.ContainsFunc(name, unicode.IsLetter) {
		return "", false
	}
	if err := validator.ValidateVar(name, fmt.Sprintf("required,min=%d,max=%d", m.cfg.MinNameLength, maxNameLength)); err != nil {
		return "", false
	}
	return m.titleCaser.String(name), true
}

// Reset deletes the customer with everything that hangs off it. Calendar events of
// future appointments are removed first; failures there are reported and do not stop
// the reset.
func (m *ConversationStateMachine) Reset(ctx context.Context, msg model.InboundMessage) (string, error) {
	log := logger.FromContext(ctx)

	storeCtx, cancel := withTimeout(ctx, m.timeouts.Store)
	cust, err := m.customers.FindByPhone(storeCtx, msg.SenderAddress)
	cancel()
	if apperrors.IsNotFoundError(err) {
		return replyReset, nil
	}
	if err != nil {
		return "", fmt.Errorf("find customer: %w", err)
	}

	storeCtx, cancel = withTimeout(ctx, m.timeouts.Store)
	upcoming, err := m.appointments.FindUpcoming(storeCtx, cust.ID, m.now(), resetScanLimit)
	cancel()
	if err != nil {
		return "", fmt.Errorf("list appointments: %w", err)
	}

	for _, appt := range upcoming {
		calCtx, calCancel := withTimeout(ctx, m.timeouts.Calendar)
		delErr := m.calendar.DeleteEvent(calCtx, appt.ExternalEventID)
		calCancel()
		if delErr == nil || errors.Is(delErr, calendar.ErrEventNotFound) {
			continue
		}
		log.Error("Failed to delete calendar event during reset",
			zap.String("step", "calendar.delete"),
			zap.String("appointment_id", appt.ID),
			zap.String("external_event_id", appt.ExternalEventID),
			zap.Error(delErr),
		)
		m.report(ctx, model.InconsistencyEvent{
			Kind:            model.KindOrphanEvent,
			CalendarID:      appt.CalendarID,
			ExternalEventID: appt.ExternalEventID,
			CustomerID:      cust.ID,
			StartTime:       appt.StartTime,
			EndTime:         appt.EndTime,
			Error:           delErr.Error(),
		})
	}

	storeCtx, cancel = withTimeout(ctx, m.timeouts.Store)
	err = m.customers.DeleteCascade(storeCtx, msg.SenderAddress)
	cancel()
	if err != nil && !apperrors.IsNotFoundError(err) {
		return "", fmt.Errorf("delete customer: %w", err)
	}

	log.Info("Customer reset", zap.String("customer_id", cust.ID), zap.Int("calendar_events", len(upcoming)))
	return replyReset, nil
}

func (m *ConversationStateMachine) report(ctx context.Context, ev model.InconsistencyEvent) {
	if m.reporter == nil {
		return
	}
	if err := m.reporter.Report(ctx, ev); err != nil {
		logger.FromContext(ctx).Error("Inconsistency could not be reported", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func metadataJSON(meta *model.LastMetadata) datatypes.JSON {
	if meta == nil {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func firstName(name string) string {
	if fields := strings.Fields(name); len(fields) > 0 {
		return fields[0]
	}
	return name
}
