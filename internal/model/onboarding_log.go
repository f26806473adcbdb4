package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// OnboardingLog records one onboarding transition of a customer.
type OnboardingLog struct {
	ID          int64           `json:"-" gorm:"primaryKey;autoIncrement"`
	BusinessID  string          `json:"business_id" gorm:"column:business_id;type:text"`
	CustomerID  string          `json:"customer_id" gorm:"column:customer_id;type:text;index"`
	PhoneNumber string          `json:"phone_number" gorm:"column:phone_number;index" validate:"required"`
	MessageID   string          `json:"message_id" gorm:"column:message_id;index"`
	FromState   OnboardingState `json:"from_state" gorm:"column:from_state;type:text"`
	ToState     OnboardingState `json:"to_state" gorm:"column:to_state;type:text" validate:"required"`
	Timestamp   int64           `json:"timestamp" gorm:"column:timestamp" validate:"gte=0"`
	CreatedAt   time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (OnboardingLog) TableName(namer schema.Namer) string {
	return namer.TableName("onboarding_log")
}
