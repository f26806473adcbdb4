package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// TurnRole identifies who produced a conversation turn.
type TurnRole string

const (
	RoleCustomer  TurnRole = "customer"
	RoleAssistant TurnRole = "assistant"
)

// ConversationTurn is one appended line of dialogue. Turns are never edited.
type ConversationTurn struct {
	ID         int64     `json:"-" gorm:"primaryKey;autoIncrement"`
	BusinessID string    `json:"business_id" gorm:"column:business_id;type:text;not null"`
	CustomerID string    `json:"customer_id" gorm:"column:customer_id;type:text;not null;index:idx_turns_customer_created,priority:1"`
	Role       TurnRole  `json:"role" gorm:"column:role;type:text;not null"`
	Content    string    `json:"content" gorm:"column:content;type:text"`
	CreatedAt  time.Time `json:"created_at" gorm:"column:created_at;index:idx_turns_customer_created,priority:2"`
}

func (ConversationTurn) TableName(namer schema.Namer) string {
	return namer.TableName("conversation_turns")
}
