package orders

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/khabusiness/rusbridge-backend/internal/lifecycle"
	"github.com/khabusiness/rusbridge-backend/pkg/db"
	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
	"github.com/khabusiness/rusbridge-backend/pkg/enums"
)

const activeOrderConstraint = "idx_orders_one_active_per_user"

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(gdb *gorm.DB) Repository {
	return &repository{db: gdb}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// buildOrderID returns a human-readable id: RB-<YYYYMMDDHHMMSS>-<4 hex chars>.
func buildOrderID(now time.Time) string {
	buf := make([]byte, 2)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("RB-%s-%s", now.UTC().Format("20060102150405"), strings.ToUpper(hex.EncodeToString(buf)))
}

// CreateOrder inserts a NEW order and assigns its payment reference in the
// same transaction: the row id doubles as the provider invoice id. A
// uniqueness violation on the active-order index comes back as
// ActiveOrderExistsError carrying the blocking row's order id.
func (r *repository) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(input.WaitPayTimeout)

	order := &models.Order{
		OrderID:     buildOrderID(now),
		TgID:        input.TgID,
		Username:    input.Username,
		SourceKey:   input.SourceKey,
		ProductCode: input.ProductCode,
		ProductName: input.ProductName,
		PriceRub:    input.PriceRub,
		Status:      enums.OrderStatusNew,
		ExpiresAt:   &expiresAt,
		Metadata:    json.RawMessage(`{}`),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		invID := order.ID
		if err := tx.Model(&models.Order{}).
			Where("id = ?", order.ID).
			Update("payment_inv_id", invID).Error; err != nil {
			return err
		}
		order.PaymentInvID = &invID
		return nil
	})
	if err != nil {
		if db.IsUniqueViolation(err, activeOrderConstraint) || db.IsUniqueViolation(err, "") {
			// the index spans all products, so the blocking row may be for
			// a different one
			existing, findErr := r.FindActiveOrderAny(ctx, input.TgID)
			activeErr := &ActiveOrderExistsError{TgID: input.TgID, ProductCode: input.ProductCode}
			if findErr == nil && existing != nil {
				activeErr.ExistingOrderID = existing.OrderID
				activeErr.ExistingProductCode = existing.ProductCode
			}
			return nil, activeErr
		}
		return nil, err
	}
	return order, nil
}

func (r *repository) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *repository) GetOrderByPaymentInvID(ctx context.Context, invID int64) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("payment_inv_id = ?", invID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindActiveOrder(ctx context.Context, tgID int64, productCode string) (*models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("tg_id = ? AND product_code = ? AND status IN ?", tgID, productCode, enums.ActiveOrderStatuses).
		Order("created_at DESC").
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

func (r *repository) FindActiveOrderAny(ctx context.Context, tgID int64) (*models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("tg_id = ? AND status IN ?", tgID, enums.ActiveOrderStatuses).
		Order("created_at DESC").
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

func (r *repository) ListOrdersByUserAndStatuses(ctx context.Context, tgID int64, statuses []enums.OrderStatus) ([]models.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("tg_id = ? AND status IN ?", tgID, statuses).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) CountOrdersCreatedBetween(ctx context.Context, tgID int64, start, end time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("tg_id = ? AND created_at >= ? AND created_at < ?", tgID, start, end).
		Count(&count).Error
	return count, err
}

func (r *repository) UpdatePaymentFields(ctx context.Context, orderID string, outSum *string, paymentStatusText *string) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if outSum != nil {
		updates["payment_out_sum"] = *outSum
	}
	if paymentStatusText != nil {
		updates["payment_status_text"] = *paymentStatusText
	}
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("order_id = ?", orderID).
		Updates(updates).Error
}

// TransitionOrder moves the order to target after validating against the
// lifecycle table, guarding on the status read at the start of the call.
func (r *repository) TransitionOrder(ctx context.Context, orderID string, target enums.OrderStatus, fields *TransitionFields) (*models.Order, error) {
	order, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return r.TransitionOrderFrom(ctx, orderID, order.Status, target, fields)
}

// TransitionOrderFrom applies the move as a compare-and-swap against the
// status the caller observed. A concurrent writer that advanced the row past
// expected makes the guarded update touch zero rows; the caller gets
// StateConflictError instead of silently re-applying a move the winner
// already made. Callers that read the order before deciding to transition
// must pass that read's status here, not rely on a fresh internal read.
func (r *repository) TransitionOrderFrom(ctx context.Context, orderID string, expected, target enums.OrderStatus, fields *TransitionFields) (*models.Order, error) {
	if err := lifecycle.EnsureTransition(expected, target); err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":     target,
		"updated_at": time.Now().UTC(),
	}
	applyTransitionFields(updates, fields)

	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("order_id = ? AND status = ?", orderID, expected).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		reloaded, reloadErr := r.GetOrder(ctx, orderID)
		if reloadErr != nil {
			return nil, reloadErr
		}
		return nil, &StateConflictError{OrderID: orderID, Expected: expected, Actual: reloaded.Status}
	}

	return r.GetOrder(ctx, orderID)
}

func applyTransitionFields(updates map[string]any, fields *TransitionFields) {
	if fields == nil {
		return
	}
	if fields.PaidAt != nil {
		updates["paid_at"] = *fields.PaidAt
	}
	if fields.ServiceLink != nil {
		updates["service_link"] = *fields.ServiceLink
	}
	if fields.ServiceLinkReceivedAt != nil {
		updates["service_link_received_at"] = *fields.ServiceLinkReceivedAt
	}
	if fields.OperatorID != nil {
		updates["operator_id"] = *fields.OperatorID
	}
	if fields.OperatorUsername != nil {
		updates["operator_username"] = *fields.OperatorUsername
	}
	if fields.ClaimedAt != nil {
		updates["claimed_at"] = *fields.ClaimedAt
	}
	if fields.DoneAt != nil {
		updates["done_at"] = *fields.DoneAt
	}
	if fields.ClientConfirmedAt != nil {
		updates["client_confirmed_at"] = *fields.ClientConfirmedAt
	}
	if fields.ErrorCode != nil {
		updates["error_code"] = *fields.ErrorCode
	}
	if fields.ErrorText != nil {
		updates["error_text"] = *fields.ErrorText
	}
}

// ClaimOrder assigns the order to an operator. The status stays
// READY_FOR_OPERATOR; the ownership check lives in the UPDATE's WHERE
// clause, so two operators racing for the same order cannot both win — the
// second update touches zero rows and surfaces as a claim conflict.
func (r *repository) ClaimOrder(ctx context.Context, orderID string, operatorID int64, operatorUsername *string) (*models.Order, error) {
	order, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != enums.OrderStatusReadyForOperator {
		return nil, &lifecycle.TransitionError{Current: order.Status, Target: enums.OrderStatusReadyForOperator}
	}

	updates := map[string]any{
		"operator_id": operatorID,
		"updated_at":  time.Now().UTC(),
	}
	if operatorUsername != nil {
		updates["operator_username"] = *operatorUsername
	}
	if order.ClaimedAt == nil {
		updates["claimed_at"] = time.Now().UTC()
	}

	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("order_id = ? AND status = ? AND (operator_id IS NULL OR operator_id = ?)",
			orderID, enums.OrderStatusReadyForOperator, operatorID).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		reloaded, reloadErr := r.GetOrder(ctx, orderID)
		if reloadErr != nil {
			return nil, reloadErr
		}
		if reloaded.Status != enums.OrderStatusReadyForOperator {
			return nil, &lifecycle.TransitionError{Current: reloaded.Status, Target: enums.OrderStatusReadyForOperator}
		}
		owner := int64(0)
		if reloaded.OperatorID != nil {
			owner = *reloaded.OperatorID
		}
		return nil, &ClaimConflictError{OrderID: orderID, OperatorID: operatorID, OwnerID: owner}
	}

	return r.GetOrder(ctx, orderID)
}

func (r *repository) SetOrderInProgress(ctx context.Context, orderID string) (*models.Order, error) {
	return r.TransitionOrder(ctx, orderID, enums.OrderStatusInProgress, nil)
}

func (r *repository) SetServiceLinkReady(ctx context.Context, orderID string, serviceLink string) (*models.Order, error) {
	now := time.Now().UTC()
	return r.TransitionOrder(ctx, orderID, enums.OrderStatusReadyForOperator, &TransitionFields{
		ServiceLink:           &serviceLink,
		ServiceLinkReceivedAt: &now,
	})
}

// MarkOrderDone records completion and immediately advances to the
// client-confirmation stage. Both moves run in one transaction, so other
// readers see the order either before the call or already waiting for
// confirmation.
func (r *repository) MarkOrderDone(ctx context.Context, orderID string) (*models.Order, error) {
	now := time.Now().UTC()
	var confirmed *models.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := r.WithTx(tx)
		if _, err := txRepo.TransitionOrder(ctx, orderID, enums.OrderStatusDone, &TransitionFields{DoneAt: &now}); err != nil {
			return err
		}
		var err error
		confirmed, err = txRepo.TransitionOrder(ctx, orderID, enums.OrderStatusWaitClientConfirm, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

func (r *repository) MarkOrderError(ctx context.Context, orderID string, errorCode, errorText string) (*models.Order, error) {
	return r.TransitionOrder(ctx, orderID, enums.OrderStatusError, &TransitionFields{
		ErrorCode: &errorCode,
		ErrorText: &errorText,
	})
}

func (r *repository) MarkOrderClientConfirmed(ctx context.Context, orderID string) (*models.Order, error) {
	now := time.Now().UTC()
	return r.TransitionOrder(ctx, orderID, enums.OrderStatusClientConfirmed, &TransitionFields{
		ClientConfirmedAt: &now,
	})
}

func (r *repository) FindWaitPayTimeouts(ctx context.Context, now time.Time, timeout time.Duration) ([]models.Order, error) {
	cutoff := now.Add(-timeout)
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", enums.OrderStatusWaitPay, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) FindWaitServiceLinkTimeouts(ctx context.Context, now time.Time, timeout time.Duration) ([]models.Order, error) {
	cutoff := now.Add(-timeout)
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND COALESCE(paid_at, updated_at) <= ?", enums.OrderStatusWaitServiceLink, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
