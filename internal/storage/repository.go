package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

// CustomerRepo defines customer storage operations. Lookups are by channel address
// within the business found in the context.
type CustomerRepo interface {
	Create(ctx context.Context, customer model.Customer) error
	Update(ctx context.Context, customer model.Customer) error
	FindByPhone(ctx context.Context, phone string) (*model.Customer, error)
	// DeleteCascade removes the customer with its appointments, turns and onboarding log.
	DeleteCascade(ctx context.Context, phone string) error
}

// AppointmentRepo defines appointment storage operations.
type AppointmentRepo interface {
	// Create fails with apperrors.ErrDuplicate when the calendar slot already has a row.
	Create(ctx context.Context, appt model.Appointment) error
	UpdateTimes(ctx context.Context, id string, start, end time.Time) error
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*model.Appointment, error)
	// FindUpcoming returns appointments starting at or after from, soonest first.
	FindUpcoming(ctx context.Context, customerID string, from time.Time, limit int) ([]model.Appointment, error)
}

// TurnRepo defines conversation log operations.
type TurnRepo interface {
	Append(ctx context.Context, turns ...model.ConversationTurn) error
	// Recent returns the last limit turns in chronological order.
	Recent(ctx context.Context, customerID string, limit int) ([]model.ConversationTurn, error)
}

// OnboardingLogRepo defines onboarding audit operations.
type OnboardingLogRepo interface {
	Save(ctx context.Context, entry model.OnboardingLog) error
	FindByCustomerID(ctx context.Context, customerID string) ([]model.OnboardingLog, error)
}

// InconsistencyRepo defines reconciliation record operations.
type InconsistencyRepo interface {
	// SaveIfAbsent inserts the record unless its event id is already stored, and returns the stored row.
	SaveIfAbsent(ctx context.Context, rec model.Inconsistency) (*model.Inconsistency, error)
	RecordAttempt(ctx context.Context, eventID string, lastErr string) error
	MarkResolved(ctx context.Context, eventID string, notes string) error
	FindUnresolved(ctx context.Context, limit int) ([]model.Inconsistency, error)
}
