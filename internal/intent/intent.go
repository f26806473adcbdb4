// Package intent turns a customer's free text into one of the actions the
// assistant can take.
package intent

import (
	"time"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

// Kind is the wire name of an intent.
type Kind string

const (
	KindBooking    Kind = "booking"
	KindCheck      Kind = "check"
	KindCancel     Kind = "cancel"
	KindReschedule Kind = "reschedule"
	KindChat       Kind = "chat"
)

// Intent is one of Booking, Check, Cancel, Reschedule or Chat.
type Intent interface {
	Kind() Kind
	// ReplyText is the resolver's suggested reply.
	ReplyText() string
	isIntent()
}

// Booking asks for a new appointment. RawDate is unvalidated resolver output.
type Booking struct {
	RawDate   string
	HumanDate string
	Reply     string
}

type Check struct {
	Reply string
}

type Cancel struct {
	Reply string
}

// Reschedule moves the soonest upcoming appointment to RawDate.
type Reschedule struct {
	RawDate   string
	HumanDate string
	Reply     string
}

// Chat is small talk or anything that is not an appointment action.
type Chat struct {
	Reply string
}

func (Booking) Kind() Kind    { return KindBooking }
func (Check) Kind() Kind      { return KindCheck }
func (Cancel) Kind() Kind     { return KindCancel }
func (Reschedule) Kind() Kind { return KindReschedule }
func (Chat) Kind() Kind       { return KindChat }

func (i Booking) ReplyText() string    { return i.Reply }
func (i Check) ReplyText() string      { return i.Reply }
func (i Cancel) ReplyText() string     { return i.Reply }
func (i Reschedule) ReplyText() string { return i.Reply }
func (i Chat) ReplyText() string       { return i.Reply }

func (Booking) isIntent()    {}
func (Check) isIntent()      {}
func (Cancel) isIntent()     {}
func (Reschedule) isIntent() {}
func (Chat) isIntent()       {}

// Request is the input of one resolution.
type Request struct {
	Text         string
	CustomerName string
	// History is the recent conversation, oldest first, without the current message.
	History []model.ConversationTurn
	Now     time.Time
}
