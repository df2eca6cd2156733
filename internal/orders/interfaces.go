package orders

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
	"github.com/khabusiness/rusbridge-backend/pkg/enums"
)

// CreateOrderInput carries everything needed to open a new order row. Product
// name and price are snapshotted into the row at insert time.
type CreateOrderInput struct {
	TgID           int64
	Username       *string
	SourceKey      *string
	ProductCode    string
	ProductName    string
	PriceRub       int64
	WaitPayTimeout time.Duration
}

// TransitionFields are the optional column updates applied together with a
// status move, in the same statement.
type TransitionFields struct {
	PaidAt                *time.Time
	ServiceLink           *string
	ServiceLinkReceivedAt *time.Time
	OperatorID            *int64
	OperatorUsername      *string
	ClaimedAt             *time.Time
	DoneAt                *time.Time
	ClientConfirmedAt     *time.Time
	ErrorCode             *string
	ErrorText             *string
}

// Repository is the order ledger: every status write goes through
// TransitionOrder, which validates against the lifecycle table and applies the
// move as a single compare-and-swap statement.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByPaymentInvID(ctx context.Context, invID int64) (*models.Order, error)
	FindActiveOrder(ctx context.Context, tgID int64, productCode string) (*models.Order, error)
	FindActiveOrderAny(ctx context.Context, tgID int64) (*models.Order, error)
	ListOrdersByUserAndStatuses(ctx context.Context, tgID int64, statuses []enums.OrderStatus) ([]models.Order, error)
	CountOrdersCreatedBetween(ctx context.Context, tgID int64, start, end time.Time) (int64, error)

	UpdatePaymentFields(ctx context.Context, orderID string, outSum *string, paymentStatusText *string) error
	TransitionOrder(ctx context.Context, orderID string, target enums.OrderStatus, fields *TransitionFields) (*models.Order, error)
	TransitionOrderFrom(ctx context.Context, orderID string, expected, target enums.OrderStatus, fields *TransitionFields) (*models.Order, error)

	ClaimOrder(ctx context.Context, orderID string, operatorID int64, operatorUsername *string) (*models.Order, error)
	SetOrderInProgress(ctx context.Context, orderID string) (*models.Order, error)
	SetServiceLinkReady(ctx context.Context, orderID string, serviceLink string) (*models.Order, error)
	MarkOrderDone(ctx context.Context, orderID string) (*models.Order, error)
	MarkOrderError(ctx context.Context, orderID string, errorCode, errorText string) (*models.Order, error)
	MarkOrderClientConfirmed(ctx context.Context, orderID string) (*models.Order, error)

	FindWaitPayTimeouts(ctx context.Context, now time.Time, timeout time.Duration) ([]models.Order, error)
	FindWaitServiceLinkTimeouts(ctx context.Context, now time.Time, timeout time.Duration) ([]models.Order, error)
}
