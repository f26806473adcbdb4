package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

// --- CustomerRepo Mock ---

type CustomerRepoMock struct {
	mock.Mock
}

func (m *CustomerRepoMock) Create(ctx context.Context, customer model.Customer) error {
	args := m.Called(ctx, customer)
	return args.Error(0)
}

func (m *CustomerRepoMock) Update(ctx context.Context, customer model.Customer) error {
	args := m.Called(ctx, customer)
	return args.Error(0)
}

func (m *CustomerRepoMock) FindByPhone(ctx context.Context, phone string) (*model.Customer, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Customer), args.Error(1)
}

func (m *CustomerRepoMock) DeleteCascade(ctx context.Context, phone string) error {
	args := m.Called(ctx, phone)
	return args.Error(0)
}

// --- AppointmentRepo Mock ---

type AppointmentRepoMock struct {
	mock.Mock
}

func (m *AppointmentRepoMock) Create(ctx context.Context, appt model.Appointment) error {
	args := m.Called(ctx, appt)
	return args.Error(0)
}

func (m *AppointmentRepoMock) UpdateTimes(ctx context.Context, id string, start, end time.Time) error {
	args := m.Called(ctx, id, start, end)
	return args.Error(0)
}

func (m *AppointmentRepoMock) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *AppointmentRepoMock) FindByID(ctx context.Context, id string) (*model.Appointment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Appointment), args.Error(1)
}

func (m *AppointmentRepoMock) FindUpcoming(ctx context.Context, customerID string, from time.Time, limit int) ([]model.Appointment, error) {
	args := m.Called(ctx, customerID, from, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Appointment), args.Error(1)
}

// --- TurnRepo Mock ---

type TurnRepoMock struct {
	mock.Mock
}

// Append records the turns as one slice argument.
func (m *TurnRepoMock) Append(ctx context.Context, turns ...model.ConversationTurn) error {
	args := m.Called(ctx, turns)
	return args.Error(0)
}

func (m *TurnRepoMock) Recent(ctx context.Context, customerID string, limit int) ([]model.ConversationTurn, error) {
	args := m.Called(ctx, customerID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ConversationTurn), args.Error(1)
}

// --- OnboardingLogRepo Mock ---

type OnboardingLogRepoMock struct {
	mock.Mock
}

func (m *OnboardingLogRepoMock) Save(ctx context.Context, entry model.OnboardingLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *OnboardingLogRepoMock) FindByCustomerID(ctx context.Context, customerID string) ([]model.OnboardingLog, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.OnboardingLog), args.Error(1)
}

// --- InconsistencyRepo Mock ---

type InconsistencyRepoMock struct {
	mock.Mock
}

func (m *InconsistencyRepoMock) SaveIfAbsent(ctx context.Context, rec model.Inconsistency) (*model.Inconsistency, error) {
	args := m.Called(ctx, rec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Inconsistency), args.Error(1)
}

func (m *InconsistencyRepoMock) RecordAttempt(ctx context.Context, eventID string, lastErr string) error {
	args := m.Called(ctx, eventID, lastErr)
	return args.Error(0)
}

func (m *InconsistencyRepoMock) MarkResolved(ctx context.Context, eventID string, notes string) error {
	args := m.Called(ctx, eventID, notes)
	return args.Error(0)
}

func (m *InconsistencyRepoMock) FindUnresolved(ctx context.Context, limit int) ([]model.Inconsistency, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Inconsistency), args.Error(1)
}
