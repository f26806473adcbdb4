package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/calendar"
)

type GatewayMock struct {
	mock.Mock
}

func (m *GatewayMock) CalendarID() string {
	args := m.Called()
	return args.String(0)
}

func (m *GatewayMock) CheckAvailability(ctx context.Context, start, end time.Time) calendar.Result {
	args := m.Called(ctx, start, end)
	return args.Get(0).(calendar.Result)
}

func (m *GatewayMock) CreateEvent(ctx context.Context, ev calendar.NewEvent) (string, error) {
	args := m.Called(ctx, ev)
	return args.String(0), args.Error(1)
}

func (m *GatewayMock) UpdateEvent(ctx context.Context, eventID string, start, end time.Time) error {
	args := m.Called(ctx, eventID, start, end)
	return args.Error(0)
}

func (m *GatewayMock) DeleteEvent(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}
