package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/calendar"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/config"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/intent"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/reconcile"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/slotlock"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
)

// memCalendar is an always-free calendar that keeps created events in memory.
type memCalendar struct {
	mu     sync.Mutex
	events map[string][2]time.Time
	seq    int
}

func (c *memCalendar) CalendarID() string { return "primary" }

func (c *memCalendar) CheckAvailability(context.Context, time.Time, time.Time) calendar.Result {
	return calendar.Result{Status: calendar.StatusFree}
}

func (c *memCalendar) CreateEvent(_ context.Context, ev calendar.NewEvent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := fmt.Sprintf("evt%d", c.seq)
	c.events[id] = [2]time.Time{ev.Start, ev.End}
	return id, nil
}

func (c *memCalendar) UpdateEvent(_ context.Context, id string, start, end time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.events[id]; !ok {
		return calendar.ErrEventNotFound
	}
	c.events[id] = [2]time.Time{start, end}
	return nil
}

func (c *memCalendar) DeleteEvent(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.events[id]; !ok {
		return calendar.ErrEventNotFound
	}
	delete(c.events, id)
	return nil
}

func (c *memCalendar) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// scriptedResolver maps fixed phrases to intents and chats otherwise.
type scriptedResolver struct {
	rawDate string
}

func (r scriptedResolver) Resolve(_ context.Context, req intent.Request) (intent.Intent, error) {
	switch req.Text {
	case "quiero una cita":
		return intent.Booking{RawDate: r.rawDate, Reply: "Agendando"}, nil
	case "¿qué citas tengo?":
		return intent.Check{Reply: "Reviso"}, nil
	case "cancélala":
		return intent.Cancel{Reply: "Cancelo"}, nil
	}
	return intent.Chat{Reply: "¿En qué te ayudo?"}, nil
}

type capturedReply struct {
	To   string
	Text string
}

type captureSender struct {
	mu      sync.Mutex
	replies []capturedReply
}

func (s *captureSender) Send(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, capturedReply{To: to, Text: text})
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

func (s *captureSender) last() capturedReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replies[len(s.replies)-1]
}

// PipelineTestSuite runs the inbound consumer, worker pool and assistant against real
// JetStream and Postgres with an in-memory calendar and a scripted resolver.
type PipelineTestSuite struct {
	BaseIntegrationSuite
	js        *jetstream.Client
	processor *usecase.Processor
	worker    *usecase.MessageWorker
	calendar  *memCalendar
	sender    *captureSender
	cfg       *config.Config
	format    usecase.Formatter
	slot      time.Time
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) SetupTest() {
	s.BaseIntegrationSuite.SetupTest()

	var err error
	s.js, err = jetstream.NewClient(s.NATSURL, "pipeline-test")
	s.Require().NoError(err)

	s.cfg = pipelineConfig(s.BusinessID)
	s.calendar = &memCalendar{events: map[string][2]time.Time{}}
	s.sender = &captureSender{}

	loc := time.UTC
	rawDate := time.Now().In(loc).AddDate(0, 0, 2).Format("2006-01-02") + "T10:00"
	s.slot, err = time.ParseInLocation("2006-01-02T15:04", rawDate, loc)
	s.Require().NoError(err)
	s.format = usecase.NewFormatter(loc, "es_ES")
	timeouts := usecase.Timeouts{Calendar: 5 * time.Second, Store: 5 * time.Second, Send: 5 * time.Second}

	customers := storage.NewCustomerRepoAdapter(s.Repo)
	appointments := storage.NewAppointmentRepoAdapter(s.Repo)
	reporter := reconcile.NewPublisher(s.js, s.BusinessID)

	machine := usecase.NewConversationStateMachine(customers, storage.NewOnboardingLogRepoAdapter(s.Repo), appointments,
		s.calendar, reporter, usecase.OnboardingConfig{BusinessName: "Peluquería Test"}, timeouts)
	orchestrator := usecase.NewBookingOrchestrator(appointments, s.calendar, slotlock.NoopLocker{}, reporter,
		s.format, usecase.BookingConfig{Duration: time.Hour, CheckLimit: 3}, timeouts)
	assistant := usecase.NewAssistant(machine, intent.NewFallbackResolver(scriptedResolver{rawDate: rawDate}, 5*time.Second),
		orchestrator, storage.NewTurnRepoAdapter(s.Repo), s.sender, 8, timeouts)

	s.worker, err = usecase.NewMessageWorker(s.cfg.WorkerPools.Messages, assistant, logger.Log)
	s.Require().NoError(err)

	s.processor = usecase.NewProcessor(s.worker, s.js, s.cfg)
	s.Require().NoError(s.processor.Setup())
	s.Require().NoError(s.processor.Start())
}

func (s *PipelineTestSuite) TearDownTest() {
	if s.processor != nil {
		s.processor.Stop()
	}
	if s.worker != nil {
		s.worker.Stop(5 * time.Second)
	}
	if s.js != nil {
		// Each test gets a fresh stream so a new durable never replays earlier messages.
		if js, err := s.js.NatsConn().JetStream(); err == nil {
			_ = js.DeleteStream(s.cfg.NATS.Inbound.Stream)
		}
		s.js.Close()
	}
}

func pipelineConfig(businessID string) *config.Config {
	var cfg config.Config
	cfg.Business.ID = businessID
	cfg.NATS.Inbound = config.ConsumerNatsConfig{
		MaxAge:      1,
		Stream:      "wa_inbound",
		Consumer:    "booking_assistant_",
		QueueGroup:  "booking_assistant_group_",
		SubjectList: []string{string(model.V1MessagesInbound)},
		MaxDeliver:  3,
		AckWait:     10 * time.Second,
	}
	cfg.NATS.DLQSubject = "v1.dlq"
	cfg.NATS.DuplicateWindow = time.Minute
	cfg.WorkerPools.Messages = config.WorkerPoolConfig{PoolSize: 4, QueueSize: 16, ExpiryTime: time.Minute}
	return &cfg
}

func (s *PipelineTestSuite) publish(msg model.InboundMessage) {
	data, err := json.Marshal(msg)
	s.Require().NoError(err)
	err = s.js.Publish(s.Ctx, model.V1MessagesInbound.Subject(s.BusinessID), data,
		map[string]string{jetstream.HeaderMsgID: msg.MessageID})
	s.Require().NoError(err)
}

func (s *PipelineTestSuite) waitReplies(n int) capturedReply {
	s.Require().Eventually(func() bool { return s.sender.count() >= n }, 15*time.Second, 50*time.Millisecond)
	return s.sender.last()
}

func (s *PipelineTestSuite) TestOnboardingThenBooking() {
	phone := model.FakePhone()
	say := func(text string) model.InboundMessage {
		msg := *model.NewInboundMessage(s.BusinessID, text)
		msg.SenderAddress = phone
		return msg
	}

	s.publish(say("hola"))
	reply := s.waitReplies(1)
	s.Equal(phone, reply.To)
	s.Contains(reply.Text, "¿cómo te llamas?")

	s.publish(say("ana maría"))
	reply = s.waitReplies(2)
	s.Contains(reply.Text, "Ana")

	customer, err := storage.NewCustomerRepoAdapter(s.Repo).FindByPhone(s.BusinessCtx(), phone)
	s.Require().NoError(err)
	s.True(customer.IsActive())
	s.Equal("Ana María", customer.DisplayName)

	s.publish(say("quiero una cita"))
	reply = s.waitReplies(3)
	s.Contains(reply.Text, "Cita confirmada")
	s.Contains(reply.Text, s.format.Date(s.slot))

	n, err := countRows(s.Ctx, s.PostgresDSN, s.SchemaName, "appointments", "customer_id = $1", customer.ID)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(1, s.calendar.count())

	turns, err := countRows(s.Ctx, s.PostgresDSN, s.SchemaName, "conversation_turns", "customer_id = $1", customer.ID)
	s.Require().NoError(err)
	s.Equal(2, turns, "onboarding replies are not logged as turns")

	s.publish(say("¿qué citas tengo?"))
	reply = s.waitReplies(4)
	s.Equal("Tus próximas citas:\n1. "+s.format.Date(s.slot), reply.Text)

	s.publish(say("cancélala"))
	reply = s.waitReplies(5)
	s.Contains(reply.Text, "Cancelé tu cita del "+s.format.Date(s.slot))

	n, err = countRows(s.Ctx, s.PostgresDSN, s.SchemaName, "appointments", "customer_id = $1", customer.ID)
	s.Require().NoError(err)
	s.Zero(n)
	s.Zero(s.calendar.count())

	s.publish(say("quiero una cita"))
	reply = s.waitReplies(6)
	s.Contains(reply.Text, "Cita confirmada", "a cancelled slot can be booked again")
	s.Equal(1, s.calendar.count())

	s.publish(say("/reset"))
	reply = s.waitReplies(7)
	s.Contains(reply.Text, "borré tus datos")
	s.Zero(s.calendar.count())

	left, err := countRows(s.Ctx, s.PostgresDSN, s.SchemaName, "customers", "phone_number = $1", phone)
	s.Require().NoError(err)
	s.Zero(left)
}

func (s *PipelineTestSuite) TestRedeliveredMessageIsDeduplicated() {
	msg := *model.NewInboundMessage(s.BusinessID, "hola")

	s.publish(msg)
	s.publish(msg)

	s.waitReplies(1)
	s.Never(func() bool { return s.sender.count() > 1 }, 2*time.Second, 100*time.Millisecond)
}
