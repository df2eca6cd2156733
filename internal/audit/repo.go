// Package audit appends admin-action and event rows. Nothing in the engine
// ever reads them back; they exist for operators and debugging.
package audit

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
)

// AdminActionInput describes one admin touching one order.
type AdminActionInput struct {
	OrderID       string
	AdminID       int64
	AdminUsername *string
	Action        string
	Note          *string
}

// Repository is the append-only audit store.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LogAdminAction(ctx context.Context, input AdminActionInput) error
	LogEvent(ctx context.Context, eventType string, payload any) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an audit repository bound to the provided DB.
func NewRepository(gdb *gorm.DB) Repository {
	return &repository{db: gdb}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) LogAdminAction(ctx context.Context, input AdminActionInput) error {
	row := models.AdminAction{
		OrderID:       input.OrderID,
		AdminID:       input.AdminID,
		AdminUsername: input.AdminUsername,
		Action:        input.Action,
		Note:          input.Note,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *repository) LogEvent(ctx context.Context, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	row := models.EventLog{
		EventType: eventType,
		Payload:   raw,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}
