package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned when the provider no longer has the event (404 or 410).
var ErrEventNotFound = errors.New("calendar event not found")

// Status is the outcome of an availability check.
type Status int

// The zero value is StatusUnknown so an unset Result never reads as free.
const (
	StatusUnknown Status = iota
	StatusFree
	StatusBusy
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result of CheckAvailability. Err is set only when Status is StatusError;
// callers treat StatusUnknown like StatusError.
type Result struct {
	Status Status
	Detail string
	Err    error
}

// Event is the provider-neutral view of a calendar entry used for availability.
type Event struct {
	ID           string
	Start        time.Time
	End          time.Time
	AllDay       bool
	Status       string
	Transparency string
}

// NewEvent describes an appointment event to create.
type NewEvent struct {
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
	AttendeeEmail string
}

// Gateway is the calendar provider used by the booking flow and the reconciler.
type Gateway interface {
	CalendarID() string
	CheckAvailability(ctx context.Context, start, end time.Time) Result
	CreateEvent(ctx context.Context, ev NewEvent) (string, error)
	UpdateEvent(ctx context.Context, eventID string, start, end time.Time) error
	// DeleteEvent returns ErrEventNotFound when the event is already gone.
	DeleteEvent(ctx context.Context, eventID string) error
}
