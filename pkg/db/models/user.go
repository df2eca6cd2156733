package models

import "time"

// User is a lightweight identity row keyed by the messenger id.
type User struct {
	TgID          int64     `gorm:"column:tg_id;primaryKey"`
	Username      *string   `gorm:"column:username"`
	FirstSeenAt   time.Time `gorm:"column:first_seen_at;not null;autoCreateTime"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at;not null;autoUpdateTime"`
	SourceKeyLast *string   `gorm:"column:source_key_last"`
}

// BlockedUser bans a user from creating new orders.
type BlockedUser struct {
	TgID      int64     `gorm:"column:tg_id;primaryKey"`
	Reason    *string   `gorm:"column:reason"`
	BlockedBy *int64    `gorm:"column:blocked_by"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
