package orderflow

import (
	"fmt"

	"github.com/khabusiness/rusbridge-backend/pkg/enums"
)

// OpenOrderError enforces cross-product exclusivity: a user with any active
// order may not open one for a different product. It carries the blocking
// order so the caller can point the user at it.
type OpenOrderError struct {
	TgID                int64
	ExistingOrderID     string
	ExistingProductCode string
	ExistingStatus      enums.OrderStatus
}

func (e *OpenOrderError) Error() string {
	return fmt.Sprintf("user %d already has open order %s (%s, %s)",
		e.TgID, e.ExistingOrderID, e.ExistingProductCode, e.ExistingStatus)
}

// DailyLimitError surfaces the creation quota with the numbers the caller
// needs for user messaging.
type DailyLimitError struct {
	TgID         int64
	Limit        int
	CreatedToday int
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("daily order limit exceeded for tg_id=%d: %d/%d", e.TgID, e.CreatedToday, e.Limit)
}

// InvalidLinkError reports a rejected service link with a machine code and
// ready user-facing text.
type InvalidLinkError struct {
	Code string
	Text string
}

func (e *InvalidLinkError) Error() string {
	return fmt.Sprintf("invalid service link (%s): %s", e.Code, e.Text)
}

// BlockedUserError rejects interactions from banned users.
type BlockedUserError struct {
	TgID int64
}

func (e *BlockedUserError) Error() string {
	return fmt.Sprintf("user %d is blocked", e.TgID)
}
