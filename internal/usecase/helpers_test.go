package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/intent"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/slotlock"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
)

var (
	testLoc = time.FixedZone("COT", -5*60*60)
	testNow = time.Date(2026, 3, 9, 12, 0, 0, 0, testLoc)
)

func testTimeouts() Timeouts {
	return Timeouts{Calendar: time.Second, Store: time.Second, Send: time.Second}
}

func testContext(t *testing.T) context.Context {
	ctx := logger.WithLogger(context.Background(), zaptest.NewLogger(t))
	return tenant.WithBusinessID(ctx, "biz")
}

func sameInstant(want time.Time) interface{} {
	return func(got time.Time) bool { return got.Equal(want) }
}

type recordingReporter struct {
	mu     sync.Mutex
	events []model.InconsistencyEvent
	err    error
}

func (r *recordingReporter) Report(_ context.Context, ev model.InconsistencyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingReporter) Events() []model.InconsistencyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.InconsistencyEvent(nil), r.events...)
}

type sentMessage struct {
	To   string
	Text string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{To: to, Text: text})
	return s.err
}

func (s *recordingSender) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type stubResolver struct {
	mu       sync.Mutex
	result   intent.Intent
	err      error
	panicMsg string
	requests []intent.Request
}

func (r *stubResolver) Resolve(_ context.Context, req intent.Request) (intent.Intent, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	return r.result, r.err
}

func (r *stubResolver) Requests() []intent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]intent.Request(nil), r.requests...)
}

// heldLocker always reports the slot as held by someone else.
type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Time) (slotlock.Release, error) {
	return nil, slotlock.ErrHeld
}

// memLocker is an in-process slotlock.Locker.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) Acquire(_ context.Context, calendarID string, start time.Time) (slotlock.Release, error) {
	key := calendarID + "|" + start.UTC().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, slotlock.ErrHeld
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
