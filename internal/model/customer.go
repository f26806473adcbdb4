package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// OnboardingState is the position of a customer in the onboarding flow.
type OnboardingState string

const (
	// StateNew has no stored row; a customer is never persisted in this state.
	StateNew           OnboardingState = "NEW"
	StateAwaitingName  OnboardingState = "AWAITING_NAME"
	StateAwaitingEmail OnboardingState = "AWAITING_EMAIL"
	StateActive        OnboardingState = "ACTIVE"
)

// Customer is a person who writes to the business over WhatsApp.
type Customer struct {
	ID              string          `json:"id" gorm:"primaryKey;type:text"`
	BusinessID      string          `json:"business_id" gorm:"column:business_id;type:text;not null;uniqueIndex:idx_customers_business_phone,priority:1"`
	PhoneNumber     string          `json:"phone_number" gorm:"column:phone_number;type:text;not null;uniqueIndex:idx_customers_business_phone,priority:2" validate:"required"`
	DisplayName     string          `json:"display_name,omitempty" gorm:"column:display_name;type:text"`
	ContactEmail    string          `json:"contact_email,omitempty" gorm:"column:contact_email;type:text"`
	OnboardingState OnboardingState `json:"onboarding_state" gorm:"column:onboarding_state;type:text;not null"`
	CreatedAt       time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
	LastMetadata    datatypes.JSON  `json:"last_metadata,omitempty" gorm:"type:jsonb;column:last_metadata"`
}

func (Customer) TableName(namer schema.Namer) string {
	return namer.TableName("customers")
}

// IsActive reports whether the customer may reach intent resolution.
func (c Customer) IsActive() bool {
	return c.OnboardingState == StateActive && c.DisplayName != ""
}

// CustomerUpdateColumns lists the columns touched by onboarding updates.
func CustomerUpdateColumns() []string {
	return []string{"display_name", "contact_email", "onboarding_state", "last_metadata", "updated_at"}
}
