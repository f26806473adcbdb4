package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

var tracer = otel.Tracer("gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/calendar")

// GoogleConfig configures the Google Calendar gateway.
type GoogleConfig struct {
	CalendarID      string
	CredentialsFile string
	// Endpoint overrides the API base URL and disables authentication (emulators, tests).
	Endpoint    string
	SendUpdates string
	Location    *time.Location
}

// GoogleGateway implements Gateway on the Google Calendar v3 API.
type GoogleGateway struct {
	svc         *gcal.Service
	calendarID  string
	sendUpdates string
	loc         *time.Location
}

// NewGoogleGateway builds the service client. Extra options are appended last.
func NewGoogleGateway(ctx context.Context, cfg GoogleConfig, extra ...option.ClientOption) (*GoogleGateway, error) {
	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts,
			option.WithEndpoint(cfg.Endpoint),
			option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		)
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile), option.WithScopes(gcal.CalendarEventsScope))
	}
	opts = append(opts, extra...)

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create calendar service: %w", apperrors.ErrCalendar, err)
	}

	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &GoogleGateway{svc: svc, calendarID: calendarID, sendUpdates: cfg.SendUpdates, loc: loc}, nil
}

func (g *GoogleGateway) CalendarID() string {
	return g.calendarID
}

// CheckAvailability lists expanded events in the window and evaluates them locally.
func (g *GoogleGateway) CheckAvailability(ctx context.Context, start, end time.Time) Result {
	ctx, span := g.startSpan(ctx, "calendar.check_availability")
	defer span.End()

	began := utils.Now()
	var events []Event
	err := g.svc.Events.List(g.calendarID).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(false).
		Pages(ctx, func(page *gcal.Events) error {
			for _, item := range page.Items {
				// Cancelled recurring instances come back with no start or end.
				if excluded(item.Status, item.Transparency) {
					continue
				}
				ev, err := g.toEvent(item)
				if err != nil {
					return err
				}
				events = append(events, ev)
			}
			return nil
		})
	observer.ObserveCalendarCall("list", time.Since(began), err)
	if err != nil {
		endSpan(span, err)
		logger.FromContext(ctx).Warn("Calendar availability lookup failed", zap.Error(err))
		return Result{Status: StatusError, Err: fmt.Errorf("%w: list events: %w", apperrors.ErrCalendar, err)}
	}

	res := Evaluate(events, start, end)
	span.SetAttributes(attribute.String("calendar.availability", res.Status.String()), attribute.Int("calendar.events", len(events)))
	return res
}

func (g *GoogleGateway) CreateEvent(ctx context.Context, ev NewEvent) (string, error) {
	ctx, span := g.startSpan(ctx, "calendar.create_event")
	defer span.End()

	body := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.In(g.loc).Format(time.RFC3339), TimeZone: g.loc.String()},
		End:         &gcal.EventDateTime{DateTime: ev.End.In(g.loc).Format(time.RFC3339), TimeZone: g.loc.String()},
	}
	if ev.AttendeeEmail != "" {
		body.Attendees = []*gcal.EventAttendee{{Email: ev.AttendeeEmail}}
	}

	call := g.svc.Events.Insert(g.calendarID, body).Context(ctx)
	if g.sendUpdates != "" {
		call = call.SendUpdates(g.sendUpdates)
	}

	began := utils.Now()
	created, err := call.Do()
	observer.ObserveCalendarCall("insert", time.Since(began), err)
	if err != nil {
		endSpan(span, err)
		return "", fmt.Errorf("%w: insert event: %w", apperrors.ErrCalendar, err)
	}
	if created.Id == "" {
		err := fmt.Errorf("%w: insert returned no event id", apperrors.ErrCalendar)
		endSpan(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("calendar.event_id", created.Id))
	return created.Id, nil
}

func (g *GoogleGateway) UpdateEvent(ctx context.Context, eventID string, start, end time.Time) error {
	ctx, span := g.startSpan(ctx, "calendar.update_event")
	defer span.End()
	span.SetAttributes(attribute.String("calendar.event_id", eventID))

	patch := &gcal.Event{
		Start: &gcal.EventDateTime{DateTime: start.In(g.loc).Format(time.RFC3339), TimeZone: g.loc.String()},
		End:   &gcal.EventDateTime{DateTime: end.In(g.loc).Format(time.RFC3339), TimeZone: g.loc.String()},
	}
	call := g.svc.Events.Patch(g.calendarID, eventID, patch).Context(ctx)
	if g.sendUpdates != "" {
		call = call.SendUpdates(g.sendUpdates)
	}

	began := utils.Now()
	_, err := call.Do()
	observer.ObserveCalendarCall("patch", time.Since(began), err)
	if err != nil {
		endSpan(span, err)
		if isGone(err) {
			return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		return fmt.Errorf("%w: patch event %s: %w", apperrors.ErrCalendar, eventID, err)
	}
	return nil
}

func (g *GoogleGateway) DeleteEvent(ctx context.Context, eventID string) error {
	ctx, span := g.startSpan(ctx, "calendar.delete_event")
	defer span.End()
	span.SetAttributes(attribute.String("calendar.event_id", eventID))

	call := g.svc.Events.Delete(g.calendarID, eventID).Context(ctx)
	if g.sendUpdates != "" {
		call = call.SendUpdates(g.sendUpdates)
	}

	began := utils.Now()
	err := call.Do()
	if isGone(err) {
		observer.ObserveCalendarCall("delete", time.Since(began), nil)
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	observer.ObserveCalendarCall("delete", time.Since(began), err)
	if err != nil {
		endSpan(span, err)
		return fmt.Errorf("%w: delete event %s: %w", apperrors.ErrCalendar, eventID, err)
	}
	return nil
}

func (g *GoogleGateway) toEvent(item *gcal.Event) (Event, error) {
	ev := Event{ID: item.Id, Status: item.Status, Transparency: item.Transparency}
	if item.Start == nil || item.End == nil {
		return ev, fmt.Errorf("event %s has no start or end", item.Id)
	}
	if item.Start.DateTime == "" {
		start, end, err := allDaySpan(item.Start.Date, item.End.Date, g.loc)
		if err != nil {
			return ev, err
		}
		ev.Start, ev.End, ev.AllDay = start, end, true
		return ev, nil
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return ev, fmt.Errorf("event %s: invalid start: %w", item.Id, err)
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return ev, fmt.Errorf("event %s: invalid end: %w", item.Id, err)
	}
	ev.Start, ev.End = start, end
	return ev, nil
}

func (g *GoogleGateway) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("calendar.id", g.calendarID))
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}
