// Package blocklist bans abusive users from opening new orders.
package blocklist

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
)

// Repository is the blocked-user store.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Block(ctx context.Context, tgID int64, reason *string, blockedBy *int64) error
	Unblock(ctx context.Context, tgID int64) error
	IsBlocked(ctx context.Context, tgID int64) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a blocklist repository bound to the provided DB.
func NewRepository(gdb *gorm.DB) Repository {
	return &repository{db: gdb}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Block(ctx context.Context, tgID int64, reason *string, blockedBy *int64) error {
	row := models.BlockedUser{
		TgID:      tgID,
		Reason:    reason,
		BlockedBy: blockedBy,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tg_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"reason":     reason,
				"blocked_by": blockedBy,
			}),
		}).
		Create(&row).Error
}

func (r *repository) Unblock(ctx context.Context, tgID int64) error {
	return r.db.WithContext(ctx).
		Where("tg_id = ?", tgID).
		Delete(&models.BlockedUser{}).Error
}

func (r *repository) IsBlocked(ctx context.Context, tgID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.BlockedUser{}).
		Where("tg_id = ?", tgID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
