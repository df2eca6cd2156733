// Package lifecycle holds the order status graph. The transition table is the
// single source of truth: every status write in the system goes through
// EnsureTransition before touching storage.
package lifecycle

import (
	"fmt"

	"github.com/khabusiness/rusbridge-backend/pkg/enums"
)

// TransitionError reports a status move outside the allowed table.
type TransitionError struct {
	Current enums.OrderStatus
	Target  enums.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.Current, e.Target)
}

var allowedTransitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusNew: {
		enums.OrderStatusWaitPay,
		enums.OrderStatusCancelled,
		enums.OrderStatusExpired,
	},
	enums.OrderStatusWaitPay: {
		enums.OrderStatusPaid,
		enums.OrderStatusCancelled,
		enums.OrderStatusExpired,
	},
	enums.OrderStatusPaid: {
		enums.OrderStatusWaitServiceLink,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusWaitServiceLink: {
		enums.OrderStatusReadyForOperator,
		enums.OrderStatusExpired,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusReadyForOperator: {
		enums.OrderStatusInProgress,
		enums.OrderStatusError,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusInProgress: {
		enums.OrderStatusDone,
		enums.OrderStatusError,
	},
	enums.OrderStatusDone: {
		enums.OrderStatusWaitClientConfirm,
		enums.OrderStatusClientConfirmed,
	},
	enums.OrderStatusWaitClientConfirm: {
		enums.OrderStatusClientConfirmed,
		enums.OrderStatusError,
	},
	enums.OrderStatusClientConfirmed: {},
	enums.OrderStatusError:           {},
	enums.OrderStatusExpired:         {},
	enums.OrderStatusCancelled:       {},
}

// EnsureTransition validates the move from current to target. A same-status
// move is a no-op success so retried deliveries stay idempotent.
func EnsureTransition(current, target enums.OrderStatus) error {
	if current == target {
		return nil
	}
	for _, candidate := range allowedTransitions[current] {
		if candidate == target {
			return nil
		}
	}
	return &TransitionError{Current: current, Target: target}
}

// CanTransition reports whether the move is legal without allocating an error.
func CanTransition(current, target enums.OrderStatus) bool {
	return EnsureTransition(current, target) == nil
}

// AllowedTargets returns the legal next statuses for the given status.
func AllowedTargets(current enums.OrderStatus) []enums.OrderStatus {
	targets := allowedTransitions[current]
	out := make([]enums.OrderStatus, len(targets))
	copy(out, targets)
	return out
}
