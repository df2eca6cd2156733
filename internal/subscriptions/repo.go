// Package subscriptions persists the paid access window per (user, product).
// A renewal reuses the same row: dates move forward and both reminder flags
// re-arm so the next cycle notifies again.
package subscriptions

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
)

// UpsertInput describes the subscription window written after a confirmed order.
type UpsertInput struct {
	TgID        int64
	ProductCode string
	StartDate   time.Time
	EndDate     time.Time
	LastOrderID string
}

// Repository is the subscription store.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Upsert(ctx context.Context, input UpsertInput) error
	Get(ctx context.Context, tgID int64, productCode string) (*models.Subscription, error)
	ListDue(ctx context.Context, today time.Time, window time.Duration) ([]models.Subscription, error)
	MarkReminderSent(ctx context.Context, subscriptionID int64, daysLeft int) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a subscriptions repository bound to the provided DB.
func NewRepository(gdb *gorm.DB) Repository {
	return &repository{db: gdb}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Upsert writes the window for (user, product), resetting both reminder flags
// so a renewal is reminded about again.
func (r *repository) Upsert(ctx context.Context, input UpsertInput) error {
	sub := models.Subscription{
		TgID:        input.TgID,
		ProductCode: input.ProductCode,
		StartDate:   input.StartDate,
		EndDate:     input.EndDate,
		LastOrderID: input.LastOrderID,
		Remind3Sent: false,
		Remind0Sent: false,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tg_id"}, {Name: "product_code"}},
			DoUpdates: clause.Assignments(map[string]any{
				"start_date":    input.StartDate,
				"end_date":      input.EndDate,
				"last_order_id": input.LastOrderID,
				"remind_3_sent": false,
				"remind_0_sent": false,
			}),
		}).
		Create(&sub).Error
}

func (r *repository) Get(ctx context.Context, tgID int64, productCode string) (*models.Subscription, error) {
	var rows []models.Subscription
	err := r.db.WithContext(ctx).
		Where("tg_id = ? AND product_code = ?", tgID, productCode).
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

// ListDue returns subscriptions ending between today and today+window.
func (r *repository) ListDue(ctx context.Context, today time.Time, window time.Duration) ([]models.Subscription, error) {
	var rows []models.Subscription
	err := r.db.WithContext(ctx).
		Where("end_date BETWEEN ? AND ?", today, today.Add(window)).
		Order("end_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkReminderSent flips the one-shot flag matching the reminder tier.
func (r *repository) MarkReminderSent(ctx context.Context, subscriptionID int64, daysLeft int) error {
	column := "remind_3_sent"
	if daysLeft <= 0 {
		column = "remind_0_sent"
	}
	return r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", subscriptionID).
		Update(column, true).Error
}
