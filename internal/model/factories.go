package model

import (
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// NewCustomer returns an ACTIVE customer with fake data. Non-zero fields of the
// optional override replace the generated ones.
func NewCustomer(override ...*Customer) *Customer {
	c := &Customer{
		ID:              uuid.NewString(),
		BusinessID:      "biz_" + gofakeit.LetterN(6),
		PhoneNumber:     FakePhone(),
		DisplayName:     gofakeit.FirstName() + " " + gofakeit.LastName(),
		OnboardingState: StateActive,
		CreatedAt:       utils.Now().Add(-time.Duration(gofakeit.Number(1, 500)) * time.Hour),
		UpdatedAt:       utils.Now(),
	}
	if len(override) > 0 && override[0] != nil {
		o := override[0]
		if o.ID != "" {
			c.ID = o.ID
		}
		if o.BusinessID != "" {
			c.BusinessID = o.BusinessID
		}
		if o.PhoneNumber != "" {
			c.PhoneNumber = o.PhoneNumber
		}
		if o.DisplayName != "" {
			c.DisplayName = o.DisplayName
		}
		if o.ContactEmail != "" {
			c.ContactEmail = o.ContactEmail
		}
		if o.OnboardingState != "" {
			c.OnboardingState = o.OnboardingState
		}
	}
	return c
}

// NewAppointment returns an appointment one to ten days ahead for the customer.
func NewAppointment(customer *Customer, duration time.Duration) *Appointment {
	start := utils.Now().Truncate(time.Hour).Add(time.Duration(gofakeit.Number(24, 240)) * time.Hour)
	return &Appointment{
		ID:              uuid.NewString(),
		BusinessID:      customer.BusinessID,
		CustomerID:      customer.ID,
		CalendarID:      "primary",
		ExternalEventID: strings.ToLower(gofakeit.LetterN(26)),
		StartTime:       start,
		EndTime:         start.Add(duration),
	}
}

// NewInboundMessage returns a text message from a random address.
func NewInboundMessage(businessID, text string) *InboundMessage {
	return &InboundMessage{
		MessageID:     "wamid." + gofakeit.LetterN(24),
		BusinessID:    businessID,
		SenderAddress: FakePhone(),
		SenderName:    gofakeit.FirstName(),
		Text:          text,
		Timestamp:     utils.Now(),
	}
}

// FakePhone returns an E.164 number without the plus sign, the way WhatsApp reports it.
func FakePhone() string {
	return "57" + gofakeit.Numerify("3#########")
}
