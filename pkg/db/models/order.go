package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/khabusiness/rusbridge-backend/pkg/enums"
)

// Order is the single source of truth for one purchase attempt. Product name
// and price are snapshotted at creation so later catalog edits never alter an
// open order.
type Order struct {
	ID        int64   `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID   string  `gorm:"column:order_id;not null;unique"`
	TgID      int64   `gorm:"column:tg_id;not null;index"`
	Username  *string `gorm:"column:username"`
	SourceKey *string `gorm:"column:source_key"`

	ProductCode string `gorm:"column:product_code;not null"`
	ProductName string `gorm:"column:product_name;not null"`
	PriceRub    int64  `gorm:"column:price_rub;not null"`

	Status enums.OrderStatus `gorm:"column:status;type:text;not null;index"`

	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	PaidAt    *time.Time `gorm:"column:paid_at"`

	ServiceLink           *string    `gorm:"column:service_link"`
	ServiceLinkReceivedAt *time.Time `gorm:"column:service_link_received_at"`

	OperatorID        *int64     `gorm:"column:operator_id"`
	OperatorUsername  *string    `gorm:"column:operator_username"`
	ClaimedAt         *time.Time `gorm:"column:claimed_at"`
	DoneAt            *time.Time `gorm:"column:done_at"`
	ClientConfirmedAt *time.Time `gorm:"column:client_confirmed_at"`

	PaymentInvID      *int64           `gorm:"column:payment_inv_id;unique"`
	PaymentOutSum     *decimal.Decimal `gorm:"column:payment_out_sum;type:numeric(12,2)"`
	PaymentStatusText *string          `gorm:"column:payment_status_text"`

	ErrorCode *string `gorm:"column:error_code"`
	ErrorText *string `gorm:"column:error_text"`

	Metadata json.RawMessage `gorm:"column:metadata;type:jsonb"`
}
