package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

// RouterMock mocks ingestion.RouterInterface.
type RouterMock struct {
	mock.Mock
}

var _ ingestion.RouterInterface = (*RouterMock)(nil)

func (m *RouterMock) Register(eventType model.EventType, handler ingestion.EventHandler) {
	m.Called(eventType, handler)
}

func (m *RouterMock) RegisterDefault(handler ingestion.EventHandler) {
	m.Called(handler)
}

func (m *RouterMock) Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	args := m.Called(ctx, metadata, rawEvent)
	return args.Error(0)
}

// ConsumerMock mocks ingestion.ConsumerInterface.
type ConsumerMock struct {
	mock.Mock
}

var _ ingestion.ConsumerInterface = (*ConsumerMock)(nil)

func (m *ConsumerMock) Setup() error {
	args := m.Called()
	return args.Error(0)
}

func (m *ConsumerMock) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *ConsumerMock) Stop() {
	m.Called()
}

// SubmitterMock mocks ingestion.MessageSubmitter.
type SubmitterMock struct {
	mock.Mock
}

var _ ingestion.MessageSubmitter = (*SubmitterMock)(nil)

func (m *SubmitterMock) Submit(ctx context.Context, msg model.InboundMessage, metadata *model.LastMetadata) error {
	args := m.Called(ctx, msg, metadata)
	return args.Error(0)
}
