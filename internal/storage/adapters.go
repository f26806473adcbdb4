package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

// CustomerRepoAdapter adapts the PostgresRepo to the CustomerRepo interface.
type CustomerRepoAdapter struct {
	postgres *PostgresRepo
}

func NewCustomerRepoAdapter(postgres *PostgresRepo) CustomerRepo {
	return &CustomerRepoAdapter{postgres: postgres}
}

func (a *CustomerRepoAdapter) Create(ctx context.Context, customer model.Customer) error {
	return a.postgres.CreateCustomer(ctx, customer)
}

func (a *CustomerRepoAdapter) Update(ctx context.Context, customer model.Customer) error {
	return a.postgres.UpdateCustomer(ctx, customer)
}

func (a *CustomerRepoAdapter) FindByPhone(ctx context.Context, phone string) (*model.Customer, error) {
	return a.postgres.FindCustomerByPhone(ctx, phone)
}

func (a *CustomerRepoAdapter) DeleteCascade(ctx context.Context, phone string) error {
	return a.postgres.DeleteCustomerCascade(ctx, phone)
}

// AppointmentRepoAdapter adapts the PostgresRepo to the AppointmentRepo interface.
type AppointmentRepoAdapter struct {
	postgres *PostgresRepo
}

func NewAppointmentRepoAdapter(postgres *PostgresRepo) AppointmentRepo {
	return &AppointmentRepoAdapter{postgres: postgres}
}

func (a *AppointmentRepoAdapter) Create(ctx context.Context, appt model.Appointment) error {
	return a.postgres.CreateAppointment(ctx, appt)
}

func (a *AppointmentRepoAdapter) UpdateTimes(ctx context.Context, id string, start, end time.Time) error {
	return a.postgres.UpdateAppointmentTimes(ctx, id, start, end)
}

func (a *AppointmentRepoAdapter) Delete(ctx context.Context, id string) error {
	return a.postgres.DeleteAppointment(ctx, id)
}

func (a *AppointmentRepoAdapter) FindByID(ctx context.Context, id string) (*model.Appointment, error) {
	return a.postgres.FindAppointmentByID(ctx, id)
}

func (a *AppointmentRepoAdapter) FindUpcoming(ctx context.Context, customerID string, from time.Time, limit int) ([]model.Appointment, error) {
	return a.postgres.FindUpcomingAppointments(ctx, customerID, from, limit)
}

// TurnRepoAdapter adapts the PostgresRepo to the TurnRepo interface.
type TurnRepoAdapter struct {
	postgres *PostgresRepo
}

func NewTurnRepoAdapter(postgres *PostgresRepo) TurnRepo {
	return &TurnRepoAdapter{postgres: postgres}
}

func (a *TurnRepoAdapter) Append(ctx context.Context, turns ...model.ConversationTurn) error {
	return a.postgres.AppendTurns(ctx, turns)
}

func (a *TurnRepoAdapter) Recent(ctx context.Context, customerID string, limit int) ([]model.ConversationTurn, error) {
	return a.postgres.FindRecentTurns(ctx, customerID, limit)
}

// OnboardingLogRepoAdapter adapts the PostgresRepo to the OnboardingLogRepo interface.
type OnboardingLogRepoAdapter struct {
	postgres *PostgresRepo
}

func NewOnboardingLogRepoAdapter(postgres *PostgresRepo) OnboardingLogRepo {
	return &OnboardingLogRepoAdapter{postgres: postgres}
}

func (a *OnboardingLogRepoAdapter) Save(ctx context.Context, entry model.OnboardingLog) error {
	return a.postgres.SaveOnboardingLog(ctx, entry)
}

func (a *OnboardingLogRepoAdapter) FindByCustomerID(ctx context.Context, customerID string) ([]model.OnboardingLog, error) {
	return a.postgres.FindOnboardingLogsByCustomerID(ctx, customerID)
}

// InconsistencyRepoAdapter adapts the PostgresRepo to the InconsistencyRepo interface.
type InconsistencyRepoAdapter struct {
	postgres *PostgresRepo
}

func NewInconsistencyRepoAdapter(postgres *PostgresRepo) InconsistencyRepo {
	return &InconsistencyRepoAdapter{postgres: postgres}
}

func (a *InconsistencyRepoAdapter) SaveIfAbsent(ctx context.Context, rec model.Inconsistency) (*model.Inconsistency, error) {
	return a.postgres.SaveInconsistencyIfAbsent(ctx, rec)
}

func (a *InconsistencyRepoAdapter) RecordAttempt(ctx context.Context, eventID string, lastErr string) error {
	return a.postgres.RecordInconsistencyAttempt(ctx, eventID, lastErr)
}

func (a *InconsistencyRepoAdapter) MarkResolved(ctx context.Context, eventID string, notes string) error {
	return a.postgres.MarkInconsistencyResolved(ctx, eventID, notes)
}

func (a *InconsistencyRepoAdapter) FindUnresolved(ctx context.Context, limit int) ([]model.Inconsistency, error) {
	return a.postgres.FindUnresolvedInconsistencies(ctx, limit)
}
