package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// InconsistencyKind names the window in which the store and the calendar diverged.
type InconsistencyKind string

const (
	// KindOrphanEvent: a calendar event exists without an appointment row.
	KindOrphanEvent InconsistencyKind = "orphan_event"
	// KindDanglingRow: an appointment row points at a deleted calendar event.
	KindDanglingRow InconsistencyKind = "dangling_row"
	// KindStaleRow: an appointment row holds times the calendar no longer has.
	KindStaleRow InconsistencyKind = "stale_row"
)

// InconsistencyEvent is the JetStream payload of a reported mismatch.
type InconsistencyEvent struct {
	EventID         string            `json:"event_id" validate:"required"`
	BusinessID      string            `json:"business_id" validate:"required"`
	Kind            InconsistencyKind `json:"kind" validate:"required,oneof=orphan_event dangling_row stale_row"`
	CalendarID      string            `json:"calendar_id"`
	ExternalEventID string            `json:"external_event_id"`
	AppointmentID   string            `json:"appointment_id,omitempty"`
	CustomerID      string            `json:"customer_id,omitempty"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	Error           string            `json:"error"`
	Timestamp       time.Time         `json:"ts"`
}

// Inconsistency is the persisted record of an InconsistencyEvent and its resolution.
type Inconsistency struct {
	ID              uint              `gorm:"primaryKey"`
	CreatedAt       time.Time
	EventID         string            `gorm:"column:event_id;type:text;uniqueIndex;not null"`
	BusinessID      string            `gorm:"column:business_id;type:text;not null"`
	Kind            InconsistencyKind `gorm:"column:kind;type:text;index;not null"`
	CalendarID      string            `gorm:"column:calendar_id;type:text"`
	ExternalEventID string            `gorm:"column:external_event_id;type:text"`
	AppointmentID   string            `gorm:"column:appointment_id;type:text"`
	CustomerID      string            `gorm:"column:customer_id;type:text"`
	StartTime       time.Time
	EndTime         time.Time
	LastError       string
	Attempts        int
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	Resolved        bool           `gorm:"index;default:false"`
	ResolvedAt      *time.Time     `gorm:"index"`
	Notes           string         `gorm:"type:text"`
}

func (Inconsistency) TableName(namer schema.Namer) string {
	return namer.TableName("inconsistencies")
}
