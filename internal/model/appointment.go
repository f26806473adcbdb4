package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Appointment is a confirmed booking. A row exists exactly while its calendar event exists.
type Appointment struct {
	ID              string    `json:"id" gorm:"primaryKey;type:text"`
	BusinessID      string    `json:"business_id" gorm:"column:business_id;type:text;not null"`
	CustomerID      string    `json:"customer_id" gorm:"column:customer_id;type:text;not null;index"`
	CalendarID      string    `json:"calendar_id" gorm:"column:calendar_id;type:text;not null"`
	ExternalEventID string    `json:"external_event_id" gorm:"column:external_event_id;type:text;not null" validate:"required"`
	StartTime       time.Time `json:"start_time" gorm:"column:start_time;not null;index"`
	EndTime         time.Time `json:"end_time" gorm:"column:end_time;not null"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Appointment) TableName(namer schema.Namer) string {
	return namer.TableName("appointments")
}
