// Package users keeps the lightweight identity rows for everyone who ever
// talked to the service.
package users

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
)

// Repository is the user identity store.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Upsert(ctx context.Context, tgID int64, username *string, sourceKey *string) error
	Get(ctx context.Context, tgID int64) (*models.User, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a users repository bound to the provided DB.
func NewRepository(gdb *gorm.DB) Repository {
	return &repository{db: gdb}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Upsert records a sighting. A nil sourceKey keeps the last stored one so the
// original acquisition source survives later interactions.
func (r *repository) Upsert(ctx context.Context, tgID int64, username *string, sourceKey *string) error {
	now := time.Now().UTC()
	user := models.User{
		TgID:          tgID,
		Username:      username,
		FirstSeenAt:   now,
		LastSeenAt:    now,
		SourceKeyLast: sourceKey,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tg_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"username":        username,
				"last_seen_at":    now,
				"source_key_last": gorm.Expr("COALESCE(?, users.source_key_last)", sourceKey),
			}),
		}).
		Create(&user).Error
}

func (r *repository) Get(ctx context.Context, tgID int64) (*models.User, error) {
	var rows []models.User
	err := r.db.WithContext(ctx).
		Where("tg_id = ?", tgID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
