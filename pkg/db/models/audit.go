package models

import (
	"encoding/json"
	"time"
)

// AdminAction is one append-only row recording an operator/admin touching an order.
type AdminAction struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID       string    `gorm:"column:order_id;not null;index"`
	AdminID       int64     `gorm:"column:admin_id;not null"`
	AdminUsername *string   `gorm:"column:admin_username"`
	Action        string    `gorm:"column:action;not null"`
	Note          *string   `gorm:"column:note"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// EventLog is the generic append-only observability log.
type EventLog struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	EventType string          `gorm:"column:event_type;not null;index"`
	Payload   json.RawMessage `gorm:"column:payload;type:jsonb"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// TableName keeps the historical table name.
func (EventLog) TableName() string {
	return "events_log"
}
