package models

import "time"

// Subscription tracks the paid access window per (user, product). Renewals
// extend the row in place and re-arm the reminder flags.
type Subscription struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TgID        int64     `gorm:"column:tg_id;not null;uniqueIndex:idx_subscriptions_user_product"`
	ProductCode string    `gorm:"column:product_code;not null;uniqueIndex:idx_subscriptions_user_product"`
	StartDate   time.Time `gorm:"column:start_date;not null"`
	EndDate     time.Time `gorm:"column:end_date;not null;index"`
	LastOrderID string    `gorm:"column:last_order_id;not null"`
	Remind3Sent bool      `gorm:"column:remind_3_sent;not null;default:false"`
	Remind0Sent bool      `gorm:"column:remind_0_sent;not null;default:false"`
}
