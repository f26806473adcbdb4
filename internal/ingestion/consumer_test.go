package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/config"
	clientmock "gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream/mock"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
)

const testBusiness = "biz_inbound"

type routerMock struct {
	mock.Mock
}

func (m *routerMock) Register(eventType model.EventType, handler EventHandler) {
	m.Called(eventType, handler)
}

func (m *routerMock) RegisterDefault(handler EventHandler) {
	m.Called(handler)
}

func (m *routerMock) Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	args := m.Called(ctx, metadata, rawEvent)
	return args.Error(0)
}

type submitterMock struct {
	mock.Mock
}

func (m *submitterMock) Submit(ctx context.Context, msg model.InboundMessage, metadata *model.LastMetadata) error {
	args := m.Called(ctx, msg, metadata)
	return args.Error(0)
}

func newTestConsumer(t *testing.T) (*InboundConsumer, *clientmock.ClientMock, *routerMock) {
	logger.Log = zaptest.NewLogger(t).Named("test")
	client := new(clientmock.ClientMock)
	router := new(routerMock)
	cfg := config.ConsumerNatsConfig{
		Stream:       "wa_inbound",
		Consumer:     "booking-inbound-" + testBusiness,
		QueueGroup:   "booking-inbound-" + testBusiness,
		SubjectList:  []string{string(model.V1MessagesInbound)},
		MaxAge:       1,
		MaxDeliver:   5,
		AckWait:      45 * time.Second,
		NakBaseDelay: time.Second,
		NakMaxDelay:  30 * time.Second,
	}
	c := NewInboundConsumer(client, router, cfg, testBusiness, "v1.dlq", 2*time.Minute)
	t.Cleanup(c.cancel)
	return c, client, router
}

func TestInboundConsumer_Setup(t *testing.T) {
	c, client, _ := newTestConsumer(t)

	client.On("SetupStream", mock.Anything, mock.MatchedBy(func(sc *nats.StreamConfig) bool {
		return sc.Name == "wa_inbound" &&
			assert.ElementsMatch(t, []string{"v1.messages.inbound.*"}, sc.Subjects) &&
			sc.Duplicates == 2*time.Minute &&
			sc.MaxAge == 24*time.Hour &&
			sc.Retention == nats.LimitsPolicy
	})).Return(nil)
	client.On("SetupConsumer", mock.Anything, "wa_inbound", mock.MatchedBy(func(cc *nats.ConsumerConfig) bool {
		return cc.Durable == "booking-inbound-"+testBusiness &&
			assert.ElementsMatch(t, []string{"v1.messages.inbound." + testBusiness}, cc.FilterSubjects) &&
			cc.AckPolicy == nats.AckExplicitPolicy &&
			cc.MaxDeliver == 5 &&
			cc.AckWait == 45*time.Second &&
			cc.DeliverSubject != ""
	})).Return(nil)

	require.NoError(t, c.Setup())
	client.AssertExpectations(t)
}

func TestInboundConsumer_Setup_StreamError(t *testing.T) {
	c, client, _ := newTestConsumer(t)
	client.On("SetupStream", mock.Anything, mock.Anything).Return(errors.New("stream setup failed"))

	err := c.Setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to setup inbound stream")
	client.AssertNotCalled(t, "SetupConsumer", mock.Anything, mock.Anything, mock.Anything)
}

func TestInboundConsumer_Setup_ConsumerError(t *testing.T) {
	c, client, _ := newTestConsumer(t)
	client.On("SetupStream", mock.Anything, mock.Anything).Return(nil)
	client.On("SetupConsumer", mock.Anything, "wa_inbound", mock.Anything).Return(errors.New("consumer setup failed"))

	err := c.Setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer setup failed")
}

func TestInboundConsumer_Start(t *testing.T) {
	c, client, _ := newTestConsumer(t)
	client.On("SubscribePush", "", c.cfg.Consumer, c.cfg.QueueGroup, "wa_inbound", mock.AnythingOfType("nats.MsgHandler")).Return(nil, nil)

	require.NoError(t, c.Start())
	client.AssertExpectations(t)
}

func TestInboundConsumer_Start_Error(t *testing.T) {
	c, client, _ := newTestConsumer(t)
	client.On("SubscribePush", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("no responders"))

	assert.Error(t, c.Start())
}

func TestDetermineAckNakAction(t *testing.T) {
	retryable := apperrors.NewRetryable(apperrors.ErrRateLimited, "pool overloaded")
	fatal := apperrors.NewFatal(apperrors.ErrValidation, "bad payload")

	testCases := []struct {
		name         string
		err          error
		numDelivered uint64
		action       AckNakAction
		delay        time.Duration
	}{
		{"success", nil, 1, ActionAck, 0},
		{"fatal goes to DLQ", fatal, 1, ActionDLQ, 0},
		{"unclassified goes to DLQ", errors.New("boom"), 1, ActionDLQ, 0},
		{"first retry uses base delay", retryable, 1, ActionNakDelay, time.Second},
		{"third retry doubles twice", retryable, 3, ActionNakDelay, 4 * time.Second},
		{"delay is capped", retryable, 4, ActionNakDelay, 5 * time.Second},
		{"out of attempts", retryable, 5, ActionDLQ, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			action, delay := determineAckNakAction(tc.err, tc.numDelivered, 5, time.Second, 5*time.Second)
			assert.Equal(t, tc.action, action)
			assert.Equal(t, tc.delay, delay)
		})
	}
}

func TestInboundConsumer_PublishDLQ(t *testing.T) {
	c, client, _ := newTestConsumer(t)
	msg := nats.NewMsg(model.V1MessagesInbound.Subject(testBusiness))
	msg.Data = []byte(`{"message_id":"wamid.9"}`)

	var published []byte
	client.On("Publish", mock.Anything, "v1.dlq."+testBusiness, mock.Anything, map[string]string{"Original-Nats-Msg-Id": "wamid.9"}).
		Run(func(args mock.Arguments) { published = args.Get(2).([]byte) }).
		Return(nil)

	err := c.publishDLQ(context.Background(), msg, "wamid.9", 1, apperrors.NewFatal(apperrors.ErrValidation, "invalid inbound message"))
	require.NoError(t, err)

	var payload model.DLQPayload
	require.NoError(t, json.Unmarshal(published, &payload))
	assert.Equal(t, "fatal", payload.ErrorType)
	assert.Equal(t, testBusiness, payload.BusinessID)
	assert.JSONEq(t, `{"message_id":"wamid.9"}`, string(payload.OriginalPayload))
}

func TestDLQOriginal_NonJSON(t *testing.T) {
	assert.Equal(t, `"not json"`, string(dlqOriginal([]byte("not json"))))
}

func TestInboundConsumer_HandleMessage_UnboundMessage(t *testing.T) {
	c, client, router := newTestConsumer(t)

	// Without a subscription the metadata cannot be read; the router must not run.
	msg := nats.NewMsg(model.V1MessagesInbound.Subject(testBusiness))
	msg.Data = []byte(`{}`)
	assert.NotPanics(t, func() { c.handleMessage(msg) })

	unknown := nats.NewMsg("v9.unknown")
	assert.NotPanics(t, func() { c.handleMessage(unknown) })

	router.AssertNotCalled(t, "Route", mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
