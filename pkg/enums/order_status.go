package enums

import "fmt"

// OrderStatus tracks the lifecycle of a client order.
type OrderStatus string

const (
	OrderStatusNew               OrderStatus = "NEW"
	OrderStatusWaitPay           OrderStatus = "WAIT_PAY"
	OrderStatusPaid              OrderStatus = "PAID"
	OrderStatusWaitServiceLink   OrderStatus = "WAIT_SERVICE_LINK"
	OrderStatusReadyForOperator  OrderStatus = "READY_FOR_OPERATOR"
	OrderStatusInProgress        OrderStatus = "IN_PROGRESS"
	OrderStatusDone              OrderStatus = "DONE"
	OrderStatusWaitClientConfirm OrderStatus = "WAIT_CLIENT_CONFIRM"
	OrderStatusClientConfirmed   OrderStatus = "CLIENT_CONFIRMED"
	OrderStatusError             OrderStatus = "ERROR"
	OrderStatusExpired           OrderStatus = "EXPIRED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusNew,
	OrderStatusWaitPay,
	OrderStatusPaid,
	OrderStatusWaitServiceLink,
	OrderStatusReadyForOperator,
	OrderStatusInProgress,
	OrderStatusDone,
	OrderStatusWaitClientConfirm,
	OrderStatusClientConfirmed,
	OrderStatusError,
	OrderStatusExpired,
	OrderStatusCancelled,
}

// ActiveOrderStatuses are the statuses guarded by the one-active-order
// uniqueness constraint. An order in any of these still occupies the
// (user, product) slot.
var ActiveOrderStatuses = []OrderStatus{
	OrderStatusNew,
	OrderStatusWaitPay,
	OrderStatusPaid,
	OrderStatusWaitServiceLink,
	OrderStatusReadyForOperator,
	OrderStatusInProgress,
	OrderStatusDone,
	OrderStatusWaitClientConfirm,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsActive reports whether the status occupies the active-order slot.
func (s OrderStatus) IsActive() bool {
	for _, candidate := range ActiveOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusClientConfirmed, OrderStatusError, OrderStatusExpired, OrderStatusCancelled:
		return true
	}
	return false
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
