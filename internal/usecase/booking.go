package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/calendar"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/intent"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/slotlock"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// Layouts that carry their own offset.
var offsetLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
}

// Layouts read in the business timezone when the resolver omits the offset.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseRequestedTime parses a resolver date. RFC 3339 (seconds optional) keeps its offset; the local
// layouts are interpreted in loc. Errors wrap apperrors.ErrValidation.
func ParseRequestedTime(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", apperrors.ErrValidation)
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized date %q", apperrors.ErrValidation, raw)
}

// BookingConfig is the booking policy of the business.
type BookingConfig struct {
	Duration   time.Duration
	CheckLimit int
}

// BookingOrchestrator executes a resolved intent against the calendar and the store.
// The calendar is written first; every failure after a calendar write is either
// compensated or reported to the reconciliation hook.
type BookingOrchestrator struct {
	appointments storage.AppointmentRepo
	calendar     calendar.Gateway
	locker       slotlock.Locker
	reporter     InconsistencyReporter
	format       Formatter
	cfg          BookingConfig
	timeouts     Timeouts
	now          func() time.Time
}

func NewBookingOrchestrator(
	appointments storage.AppointmentRepo,
	cal calendar.Gateway,
	locker slotlock.Locker,
	reporter InconsistencyReporter,
	format Formatter,
	cfg BookingConfig,
	timeouts Timeouts,
) *BookingOrchestrator {
	if cfg.Duration <= 0 {
		cfg.Duration = time.Hour
	}
	if cfg.CheckLimit <= 0 {
		cfg.CheckLimit = 3
	}
	if locker == nil {
		locker = slotlock.NoopLocker{}
	}
	return &BookingOrchestrator{
		appointments: appointments,
		calendar:     cal,
		locker:       locker,
		reporter:     reporter,
		format:       format,
		cfg:          cfg,
		timeouts:     timeouts,
		now:          utils.Now,
	}
}

// Dispatch runs in and returns the customer reply. It never returns raw error text.
func (o *BookingOrchestrator) Dispatch(ctx context.Context, customer *model.Customer, in intent.Intent) string {
	ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With(
		zap.String("intent", string(in.Kind())),
		zap.String("customer_id", customer.ID),
	))

	switch v := in.(type) {
	case intent.Booking:
		return o.book(ctx, customer, v)
	case intent.Check:
		return o.check(ctx, customer)
	case intent.Cancel:
		return o.cancel(ctx, customer)
	case intent.Reschedule:
		return o.reschedule(ctx, customer, v)
	case intent.Chat:
		o.outcome(in, "chat")
		if strings.TrimSpace(v.Reply) == "" {
			return intent.GenericReply
		}
		return v.Reply
	default:
		logger.FromContext(ctx).Error("Unhandled intent type", zap.String("type", fmt.Sprintf("%T", in)))
		return intent.GenericReply
	}
}

func (o *BookingOrchestrator) book(ctx context.Context, c *model.Customer, in intent.Booking) string {
	log := logger.FromContext(ctx)

	start, reply := o.requestedStart(ctx, in, in.RawDate)
	if reply != "" {
		return reply
	}
	end := start.Add(o.cfg.Duration)

	release, reply := o.claimSlot(ctx, in, start, end)
	if reply != "" {
		return reply
	}
	defer release()

	calCtx, cancel := withTimeout(ctx, o.timeouts.Calendar)
	eventID, err := o.calendar.CreateEvent(calCtx, calendar.NewEvent{
		Summary:       fmt.Sprintf("Cita: %s", c.DisplayName),
		Description:   fmt.Sprintf("Agendada por WhatsApp. Teléfono: %s", c.PhoneNumber),
		Start:         start,
		End:           end,
		AttendeeEmail: c.ContactEmail,
	})
	cancel()
	if err != nil {
		log.Error("Failed to create calendar event", zap.String("step", "calendar.create"), zap.Error(err))
		o.outcome(in, "error")
		return replyTransient
	}

	appt := model.Appointment{
		ID:              uuid.NewString(),
		BusinessID:      c.BusinessID,
		CustomerID:      c.ID,
		CalendarID:      o.calendar.CalendarID(),
		ExternalEventID: eventID,
		StartTime:       start,
		EndTime:         end,
	}
	storeCtx, cancel := withTimeout(ctx, o.timeouts.Store)
	err = o.appointments.Create(storeCtx, appt)
	cancel()

	if apperrors.IsDuplicateError(err) {
		log.Warn("Slot taken concurrently, removing calendar event",
			zap.String("step", "store.create"),
			zap.String("external_event_id", eventID),
		)
		o.removeEvent(ctx, appt, err)
		o.outcome(in, "conflict")
		return replySlotBusy
	}
	if err != nil {
		log.Error("Calendar event created but appointment not stored",
			zap.String("step", "store.create"),
			zap.String("external_event_id", eventID),
			zap.Error(err),
		)
		o.report(ctx, model.KindOrphanEvent, appt, err)
		o.outcome(in, "error")
		return replyTransient
	}

	log.Info("Appointment booked",
		zap.String("appointment_id", appt.ID),
		zap.Time("start_time", start),
	)
	o.outcome(in, "booked")
	return fmt.Sprintf(replyBooked, firstName(c.DisplayName), o.format.Date(start))
}

func (o *BookingOrchestrator) check(ctx context.Context, c *model.Customer) string {
	storeCtx, cancel := withTimeout(ctx, o.timeouts.Store)
	appts, err := o.appointments.FindUpcoming(storeCtx, c.ID, o.now(), o.cfg.CheckLimit)
	cancel()
	if err != nil {
		logger.FromContext(ctx).Error("Failed to list appointments", zap.String("step", "store.find_upcoming"), zap.Error(err))
		o.outcome(intent.Check{}, "error")
		return replyTransient
	}
	o.outcome(intent.Check{}, "listed")
	return o.format.Upcoming(appts)
}

func (o *BookingOrchestrator) cancel(ctx context.Context, c *model.Customer) string {
	log := logger.FromContext(ctx)

	appt, err := o.soonest(ctx, c)
	if err != nil {
		o.outcome(intent.Cancel{}, "error")
		return replyTransient
	}
	if appt == nil {
		o.outcome(intent.Cancel{}, "none")
		return replyNothingCancel
	}

	calCtx, cancel := withTimeout(ctx, o.timeouts.Calendar)
	err = o.calendar.DeleteEvent(calCtx, appt.ExternalEventID)
	cancel()
	if err != nil && !errors.Is(err, calendar.ErrEventNotFound) {
		log.Error("Failed to delete calendar event", zap.String("step", "calendar.delete"), zap.Error(err))
		o.outcome(intent.Cancel{}, "error")
		return replyTransient
	}

	storeCtx, cancel := withTimeout(ctx, o.timeouts.Store)
	err = o.appointments.Delete(storeCtx, appt.ID)
	cancel()
	if err != nil && !apperrors.IsNotFoundError(err) {
		// The calendar no longer has the event; the customer is cancelled either way.
		log.Error("Calendar event deleted but appointment row kept",
			zap.String("step", "store.delete"),
			zap.String("appointment_id", appt.ID),
			zap.Error(err),
		)
		o.report(ctx, model.KindDanglingRow, *appt, err)
	}

	log.Info("Appointment cancelled", zap.String("appointment_id", appt.ID))
	o.outcome(intent.Cancel{}, "cancelled")
	return fmt.Sprintf(replyCancelled, o.format.Date(appt.StartTime))
}

func (o *BookingOrchestrator) reschedule(ctx context.Context, c *model.Customer, in intent.Reschedule) string {
	log := logger.FromContext(ctx)

	start, reply := o.requestedStart(ctx, in, in.RawDate)
	if reply != "" {
		return reply
	}
	end := start.Add(o.cfg.Duration)

	release, reply := o.claimSlot(ctx, in, start, end)
	if reply != "" {
		return reply
	}
	defer release()

	appt, err := o.soonest(ctx, c)
	if err != nil {
		o.outcome(in, "error")
		return replyTransient
	}
	if appt == nil {
		o.outcome(in, "none")
		return replyNothingToMove
	}

	calCtx, cancel := withTimeout(ctx, o.timeouts.Calendar)
	err = o.calendar.UpdateEvent(calCtx, appt.ExternalEventID, start, end)
	cancel()
	if errors.Is(err, calendar.ErrEventNotFound) {
		log.Error("Appointment points at a missing calendar event",
			zap.String("step", "calendar.patch"),
			zap.String("appointment_id", appt.ID),
			zap.String("external_event_id", appt.ExternalEventID),
		)
		o.report(ctx, model.KindDanglingRow, *appt, err)
		o.outcome(in, "error")
		return replyTransient
	}
	if err != nil {
		log.Error("Failed to move calendar event", zap.String("step", "calendar.patch"), zap.Error(err))
		o.outcome(in, "error")
		return replyTransient
	}

	storeCtx, cancel := withTimeout(ctx, o.timeouts.Store)
	err = o.appointments.UpdateTimes(storeCtx, appt.ID, start, end)
	cancel()

	moved := *appt
	moved.StartTime = start
	moved.EndTime = end

	if apperrors.IsDuplicateError(err) {
		log.Warn("Target slot taken concurrently, reverting calendar event",
			zap.String("step", "store.update_times"),
			zap.String("appointment_id", appt.ID),
		)
		calCtx, cancel := withTimeout(ctx, o.timeouts.Calendar)
		revertErr := o.calendar.UpdateEvent(calCtx, appt.ExternalEventID, appt.StartTime, appt.EndTime)
		cancel()
		if revertErr != nil {
			log.Error("Failed to revert calendar event", zap.String("step", "calendar.revert"), zap.Error(revertErr))
			o.report(ctx, model.KindStaleRow, moved, revertErr)
		}
		o.outcome(in, "conflict")
		return replySlotBusy
	}
	if err != nil {
		// The calendar already holds the new times and is aligned back into the row.
		log.Error("Calendar event moved but appointment times not stored",
			zap.String("step", "store.update_times"),
			zap.String("appointment_id", appt.ID),
			zap.Error(err),
		)
		o.report(ctx, model.KindStaleRow, moved, err)
	}

	log.Info("Appointment rescheduled",
		zap.String("appointment_id", appt.ID),
		zap.Time("from", appt.StartTime),
		zap.Time("to", start),
	)
	o.outcome(in, "rescheduled")
	return fmt.Sprintf(replyRescheduled, o.format.Date(appt.StartTime), o.format.Date(start))
}

// requestedStart validates a resolver date. A non-empty reply means the caller stops.
func (o *BookingOrchestrator) requestedStart(ctx context.Context, in intent.Intent, raw string) (time.Time, string) {
	start, err := ParseRequestedTime(raw, o.format.loc)
	if err != nil {
		logger.FromContext(ctx).Info("Resolver date rejected", zap.String("raw_date", raw), zap.Error(err))
		o.outcome(in, "invalid_date")
		return time.Time{}, replyAskDate
	}
	if !start.After(o.now()) {
		o.outcome(in, "past_date")
		return time.Time{}, replyPastDate
	}
	return start, ""
}

// claimSlot takes the slot lock and checks availability. On a non-empty reply the
// lock is already released.
func (o *BookingOrchestrator) claimSlot(ctx context.Context, in intent.Intent, start, end time.Time) (slotlock.Release, string) {
	log := logger.FromContext(ctx)

	release, err := o.locker.Acquire(ctx, o.calendar.CalendarID(), start)
	if errors.Is(err, slotlock.ErrHeld) {
		o.outcome(in, "busy")
		return nil, replySlotBusy
	}
	if err != nil {
		log.Warn("Slot lock unavailable, continuing without it", zap.String("step", "slotlock.acquire"), zap.Error(err))
		release = func() {}
	}

	calCtx, cancel := withTimeout(ctx, o.timeouts.Calendar)
	res := o.calendar.CheckAvailability(calCtx, start, end)
	cancel()

	switch res.Status {
	case calendar.StatusFree:
		return release, ""
	case calendar.StatusBusy:
		release()
		log.Info("Requested slot is busy", zap.Time("start_time", start), zap.String("detail", res.Detail))
		o.outcome(in, "conflict")
		return nil, fmt.Sprintf(replySlotTaken, o.format.Date(start))
	default:
		release()
		log.Error("Availability check failed", zap.String("step", "calendar.check"), zap.Error(res.Err))
		o.outcome(in, "error")
		return nil, replyTransient
	}
}

// soonest returns the customer's next appointment, or nil when there is none.
func (o *BookingOrchestrator) soonest(ctx context.Context, c *model.Customer) (*model.Appointment, error) {
	storeCtx, cancel := withTimeout(ctx, o.timeouts.Store)
	defer cancel()
	appts, err := o.appointments.FindUpcoming(storeCtx, c.ID, o.now(), 1)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to find next appointment", zap.String("step", "store.find_upcoming"), zap.Error(err))
		return nil, err
	}
	if len(appts) == 0 {
		return nil, nil
	}
	return &appts[0], nil
}

// removeEvent compensates a calendar insert whose row lost the unique race.
func (o *BookingOrchestrator) removeEvent(ctx context.Context, appt model.Appointment, cause error) {
	calCtx, cancel := withTimeout(ctx, o.timeouts.Calendar)
	err := o.calendar.DeleteEvent(calCtx, appt.ExternalEventID)
	cancel()
	if err == nil || errors.Is(err, calendar.ErrEventNotFound) {
		return
	}
	logger.FromContext(ctx).Error("Failed to remove calendar event of a lost slot",
		zap.String("step", "calendar.delete"),
		zap.String("external_event_id", appt.ExternalEventID),
		zap.Error(err),
	)
	o.report(ctx, model.KindOrphanEvent, appt, errors.Join(cause, err))
}

func (o *BookingOrchestrator) report(ctx context.Context, kind model.InconsistencyKind, appt model.Appointment, cause error) {
	if o.reporter == nil {
		return
	}
	ev := model.InconsistencyEvent{
		Kind:            kind,
		CalendarID:      appt.CalendarID,
		ExternalEventID: appt.ExternalEventID,
		AppointmentID:   appt.ID,
		CustomerID:      appt.CustomerID,
		StartTime:       appt.StartTime,
		EndTime:         appt.EndTime,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := o.reporter.Report(ctx, ev); err != nil {
		logger.FromContext(ctx).Error("Inconsistency could not be reported", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (o *BookingOrchestrator) outcome(in intent.Intent, outcome string) {
	observer.IncBookingOutcome(string(in.Kind()), outcome)
}
