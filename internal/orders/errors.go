package orders

import (
	"errors"
	"fmt"

	"github.com/khabusiness/rusbridge-backend/pkg/enums"
)

// ErrOrderNotFound signals a missing order row.
var ErrOrderNotFound = errors.New("order not found")

// ActiveOrderExistsError surfaces the uniqueness guard firing on insert. The
// caller is expected to recover by re-reading the existing row: resuming it
// when the product matches, rejecting the create when it does not.
type ActiveOrderExistsError struct {
	TgID                int64
	ProductCode         string
	ExistingOrderID     string
	ExistingProductCode string
}

func (e *ActiveOrderExistsError) Error() string {
	if e.ExistingOrderID != "" {
		return fmt.Sprintf("active order exists for tg_id=%d product=%s: %s", e.TgID, e.ProductCode, e.ExistingOrderID)
	}
	return fmt.Sprintf("active order exists for tg_id=%d product=%s", e.TgID, e.ProductCode)
}

// StateConflictError reports a lost compare-and-swap: the row moved between
// the read and the guarded update. Actual carries the status seen on reload.
type StateConflictError struct {
	OrderID  string
	Expected enums.OrderStatus
	Actual   enums.OrderStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("order %s moved from %s to %s during transition", e.OrderID, e.Expected, e.Actual)
}

// ClaimConflictError reports that another operator already owns the order.
type ClaimConflictError struct {
	OrderID    string
	OperatorID int64
	OwnerID    int64
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("order %s already claimed by operator %d", e.OrderID, e.OwnerID)
}
