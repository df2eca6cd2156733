// Package orderflow is the order lifecycle engine: creation with quota and
// exclusivity rules, payment confirmation, operator handoff and client
// confirmation. It holds no cross-call state; concurrency safety comes from
// the ledger's uniqueness constraint and compare-and-swap transitions.
package orderflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/khabusiness/rusbridge-backend/internal/audit"
	"github.com/khabusiness/rusbridge-backend/internal/blocklist"
	"github.com/khabusiness/rusbridge-backend/internal/catalog"
	"github.com/khabusiness/rusbridge-backend/internal/lifecycle"
	"github.com/khabusiness/rusbridge-backend/internal/links"
	"github.com/khabusiness/rusbridge-backend/internal/orders"
	"github.com/khabusiness/rusbridge-backend/internal/payments"
	"github.com/khabusiness/rusbridge-backend/internal/subscriptions"
	"github.com/khabusiness/rusbridge-backend/internal/users"
	"github.com/khabusiness/rusbridge-backend/pkg/config"
	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
	"github.com/khabusiness/rusbridge-backend/pkg/enums"
	pkgerrors "github.com/khabusiness/rusbridge-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type paymentLinker interface {
	CreatePaymentLink(orderID string, invID int64, amountRub int64, description string) payments.Link
}

// Webhook result reasons.
const (
	ReasonOK               = "ok"
	ReasonOrderNotFound    = "order_not_found"
	ReasonAlreadyProcessed = "already_processed"
)

// CreateOrderInput describes a user-initiated purchase attempt. Custom price
// and name override the catalog snapshot for admin-arranged deals.
type CreateOrderInput struct {
	TgID              int64
	Username          *string
	SourceKey         *string
	ProductCode       string
	CustomPriceRub    *int64
	CustomProductName *string
}

// CreateOrderResult is the engine's answer to a create-or-resume call.
type CreateOrderResult struct {
	Order             *models.Order
	Payment           payments.Link
	ReusedActiveOrder bool
}

// WebhookResult reports how a payment callback was handled. Updated is true
// only for the delivery that actually moved the order.
type WebhookResult struct {
	Order   *models.Order
	Updated bool
	Reason  string
}

// OperatorAction identifies the acting operator for audited operations.
type OperatorAction struct {
	AdminID       int64
	AdminUsername *string
	Note          *string
}

// Service is the order lifecycle engine.
type Service interface {
	CreateOrResumeOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error)
	PaymentLinkForOrder(ctx context.Context, order *models.Order) (payments.Link, error)
	HandlePaymentWebhook(ctx context.Context, invID int64, outSum, paymentStatusText string) (*WebhookResult, error)
	SetServiceLink(ctx context.Context, orderID, rawLink string) (*models.Order, error)
	MarkClientConfirmed(ctx context.Context, orderID string) (*models.Order, error)

	ClaimOrder(ctx context.Context, orderID string, action OperatorAction) (*models.Order, error)
	SetInProgress(ctx context.Context, orderID string, action OperatorAction) (*models.Order, error)
	MarkDone(ctx context.Context, orderID string, action OperatorAction) (*models.Order, error)
	MarkError(ctx context.Context, orderID string, errorCode, errorText string, action OperatorAction) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string, action OperatorAction) (*models.Order, error)

	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListUserOrders(ctx context.Context, tgID int64, statuses []enums.OrderStatus) ([]models.Order, error)
	Product(code string) (catalog.Product, bool)
}

type service struct {
	ordersRepo orders.Repository
	subsRepo   subscriptions.Repository
	usersRepo  users.Repository
	blocked    blocklist.Repository
	audit      audit.Repository
	catalog    *catalog.Catalog
	payment    paymentLinker
	tx         txRunner
	cfg        config.OrderFlowConfig
	now        func() time.Time
}

// NewService builds the order engine with the required dependencies.
func NewService(
	ordersRepo orders.Repository,
	subsRepo subscriptions.Repository,
	usersRepo users.Repository,
	blocked blocklist.Repository,
	auditRepo audit.Repository,
	cat *catalog.Catalog,
	payment paymentLinker,
	tx txRunner,
	cfg config.OrderFlowConfig,
) (Service, error) {
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if subsRepo == nil {
		return nil, fmt.Errorf("subscriptions repository required")
	}
	if usersRepo == nil {
		return nil, fmt.Errorf("users repository required")
	}
	if blocked == nil {
		return nil, fmt.Errorf("blocklist repository required")
	}
	if auditRepo == nil {
		return nil, fmt.Errorf("audit repository required")
	}
	if cat == nil {
		return nil, fmt.Errorf("catalog required")
	}
	if payment == nil {
		return nil, fmt.Errorf("payment linker required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{
		ordersRepo: ordersRepo,
		subsRepo:   subsRepo,
		usersRepo:  usersRepo,
		blocked:    blocked,
		audit:      auditRepo,
		catalog:    cat,
		payment:    payment,
		tx:         tx,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Product(code string) (catalog.Product, bool) {
	return s.catalog.Get(code)
}

func (s *service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.ordersRepo.GetOrder(ctx, orderID)
}

func (s *service) ListUserOrders(ctx context.Context, tgID int64, statuses []enums.OrderStatus) ([]models.Order, error) {
	return s.ordersRepo.ListOrdersByUserAndStatuses(ctx, tgID, statuses)
}

func (s *service) buildPaymentLink(order *models.Order) (payments.Link, error) {
	if order.PaymentInvID == nil {
		return payments.Link{}, pkgerrors.New(pkgerrors.CodeInternal, "order has no payment reference")
	}
	description := fmt.Sprintf("%s (%s)", order.ProductName, order.OrderID)
	return s.payment.CreatePaymentLink(order.OrderID, *order.PaymentInvID, order.PriceRub, description), nil
}

// PaymentLinkForOrder regenerates the link deterministically from the stored
// payment reference and records the quoted amount.
func (s *service) PaymentLinkForOrder(ctx context.Context, order *models.Order) (payments.Link, error) {
	link, err := s.buildPaymentLink(order)
	if err != nil {
		return payments.Link{}, err
	}
	if err := s.ordersRepo.UpdatePaymentFields(ctx, order.OrderID, &link.OutSum, nil); err != nil {
		return payments.Link{}, err
	}
	return link, nil
}

// CreateOrResumeOrder opens a new order or resumes the user's active one.
// Resuming never creates a second payment reference.
func (s *service) CreateOrResumeOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error) {
	isBlocked, err := s.blocked.IsBlocked(ctx, input.TgID)
	if err != nil {
		return nil, err
	}
	if isBlocked {
		return nil, &BlockedUserError{TgID: input.TgID}
	}

	product, ok := s.catalog.Get(input.ProductCode)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("unknown product %q", input.ProductCode))
	}

	if err := s.usersRepo.Upsert(ctx, input.TgID, input.Username, input.SourceKey); err != nil {
		return nil, err
	}

	priceRub := product.PriceRub
	if input.CustomPriceRub != nil {
		priceRub = *input.CustomPriceRub
	}
	productName := product.Name
	if input.CustomProductName != nil && *input.CustomProductName != "" {
		productName = *input.CustomProductName
	}

	active, err := s.ordersRepo.FindActiveOrderAny(ctx, input.TgID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if active.ProductCode != input.ProductCode {
			return nil, &OpenOrderError{
				TgID:                input.TgID,
				ExistingOrderID:     active.OrderID,
				ExistingProductCode: active.ProductCode,
				ExistingStatus:      active.Status,
			}
		}
		return s.resumeOrder(ctx, active)
	}

	if err := s.checkDailyQuota(ctx, input.TgID); err != nil {
		return nil, err
	}

	order, err := s.ordersRepo.CreateOrder(ctx, orders.CreateOrderInput{
		TgID:           input.TgID,
		Username:       input.Username,
		SourceKey:      input.SourceKey,
		ProductCode:    product.Code,
		ProductName:    productName,
		PriceRub:       priceRub,
		WaitPayTimeout: s.cfg.WaitPayTimeout,
	})
	if err != nil {
		// lost the create race: resume the winner's row when it is for the
		// same product, otherwise report the open order
		var activeErr *orders.ActiveOrderExistsError
		if errors.As(err, &activeErr) && activeErr.ExistingOrderID != "" {
			existing, getErr := s.ordersRepo.GetOrder(ctx, activeErr.ExistingOrderID)
			if getErr != nil {
				return nil, err
			}
			if existing.ProductCode != input.ProductCode {
				return nil, &OpenOrderError{
					TgID:                input.TgID,
					ExistingOrderID:     existing.OrderID,
					ExistingProductCode: existing.ProductCode,
					ExistingStatus:      existing.Status,
				}
			}
			return s.resumeOrder(ctx, existing)
		}
		return nil, err
	}

	order, err = s.ordersRepo.TransitionOrder(ctx, order.OrderID, enums.OrderStatusWaitPay, nil)
	if err != nil {
		return nil, err
	}

	link, err := s.PaymentLinkForOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	_ = s.audit.LogEvent(ctx, "order_created", map[string]any{
		"order_id": order.OrderID,
		"tg_id":    order.TgID,
		"product":  order.ProductCode,
	})

	return &CreateOrderResult{Order: order, Payment: link, ReusedActiveOrder: false}, nil
}

func (s *service) resumeOrder(ctx context.Context, order *models.Order) (*CreateOrderResult, error) {
	if order.Status == enums.OrderStatusNew {
		advanced, err := s.ordersRepo.TransitionOrder(ctx, order.OrderID, enums.OrderStatusWaitPay, nil)
		if err != nil {
			return nil, err
		}
		order = advanced
	}
	link, err := s.PaymentLinkForOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	return &CreateOrderResult{Order: order, Payment: link, ReusedActiveOrder: true}, nil
}

func (s *service) checkDailyQuota(ctx context.Context, tgID int64) error {
	if s.cfg.TestMode || s.cfg.DailyOrderLimit <= 0 {
		return nil
	}
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	createdToday, err := s.ordersRepo.CountOrdersCreatedBetween(ctx, tgID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return err
	}
	if createdToday >= int64(s.cfg.DailyOrderLimit) {
		return &DailyLimitError{
			TgID:         tgID,
			Limit:        s.cfg.DailyOrderLimit,
			CreatedToday: int(createdToday),
		}
	}
	return nil
}

// paidChain covers every status from PAID onward: a webhook for such an order
// is a duplicate delivery, not an error.
var paidChain = map[enums.OrderStatus]struct{}{
	enums.OrderStatusPaid:              {},
	enums.OrderStatusWaitServiceLink:   {},
	enums.OrderStatusReadyForOperator:  {},
	enums.OrderStatusInProgress:        {},
	enums.OrderStatusDone:              {},
	enums.OrderStatusWaitClientConfirm: {},
	enums.OrderStatusClientConfirmed:   {},
}

// HandlePaymentWebhook applies a successful-payment callback. Exactly one of
// several concurrent deliveries for the same invoice observes Updated=true.
func (s *service) HandlePaymentWebhook(ctx context.Context, invID int64, outSum, paymentStatusText string) (*WebhookResult, error) {
	order, err := s.ordersRepo.GetOrderByPaymentInvID(ctx, invID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			return &WebhookResult{Reason: ReasonOrderNotFound}, nil
		}
		return nil, err
	}

	if _, done := paidChain[order.Status]; done {
		return &WebhookResult{Order: order, Reason: ReasonAlreadyProcessed}, nil
	}
	if order.Status != enums.OrderStatusWaitPay {
		return &WebhookResult{Order: order, Reason: "unexpected_status:" + order.Status.String()}, nil
	}

	// The WAIT_PAY→PAID move is guarded on the status observed above, not on
	// a fresh read: a duplicate delivery arriving after the winner committed
	// must lose the compare-and-swap, never ride the same-status path to a
	// second Updated=true. The whole chain commits atomically.
	paidAt := s.now()
	var waitLink *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ordersRepo := s.ordersRepo.WithTx(tx)

		if _, txErr := ordersRepo.TransitionOrderFrom(ctx, order.OrderID, enums.OrderStatusWaitPay, enums.OrderStatusPaid, &orders.TransitionFields{PaidAt: &paidAt}); txErr != nil {
			return txErr
		}
		if txErr := ordersRepo.UpdatePaymentFields(ctx, order.OrderID, &outSum, &paymentStatusText); txErr != nil {
			return txErr
		}
		var txErr error
		waitLink, txErr = ordersRepo.TransitionOrderFrom(ctx, order.OrderID, enums.OrderStatusPaid, enums.OrderStatusWaitServiceLink, nil)
		return txErr
	})
	if err != nil {
		// a concurrent delivery won the race
		var conflict *orders.StateConflictError
		var transition *lifecycle.TransitionError
		if errors.As(err, &conflict) || errors.As(err, &transition) {
			reloaded, reloadErr := s.ordersRepo.GetOrder(ctx, order.OrderID)
			if reloadErr != nil {
				return nil, reloadErr
			}
			if _, done := paidChain[reloaded.Status]; done {
				return &WebhookResult{Order: reloaded, Reason: ReasonAlreadyProcessed}, nil
			}
			return &WebhookResult{Order: reloaded, Reason: "unexpected_status:" + reloaded.Status.String()}, nil
		}
		return nil, err
	}

	_ = s.audit.LogEvent(ctx, "payment_received", map[string]any{
		"order_id": order.OrderID,
		"inv_id":   invID,
		"out_sum":  outSum,
	})

	return &WebhookResult{Order: waitLink, Updated: true, Reason: ReasonOK}, nil
}

// SetServiceLink validates the client-provided link against the product's
// domain allowlist and hands the order to the operator queue.
func (s *service) SetServiceLink(ctx context.Context, orderID, rawLink string) (*models.Order, error) {
	order, err := s.ordersRepo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var allowedDomains []string
	if product, ok := s.catalog.Get(order.ProductCode); ok {
		allowedDomains = product.AllowedDomains
	}

	result := links.ValidateServiceLink(rawLink, allowedDomains)
	if !result.IsValid {
		return nil, &InvalidLinkError{Code: result.ErrorCode, Text: result.ErrorText}
	}

	updated, err := s.ordersRepo.SetServiceLinkReady(ctx, orderID, result.NormalizedURL)
	if err != nil {
		return nil, err
	}

	_ = s.audit.LogEvent(ctx, "service_link_received", map[string]any{
		"order_id": orderID,
	})
	return updated, nil
}

// MarkClientConfirmed finalizes the order and upserts the subscription window
// in the same transaction, so a confirmed order never lacks its subscription.
func (s *service) MarkClientConfirmed(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.ordersRepo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	product, ok := s.catalog.Get(order.ProductCode)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("unknown product %q", order.ProductCode))
	}

	var confirmed *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ordersRepo := s.ordersRepo.WithTx(tx)
		subsRepo := s.subsRepo.WithTx(tx)

		var txErr error
		confirmed, txErr = ordersRepo.MarkOrderClientConfirmed(ctx, orderID)
		if txErr != nil {
			return txErr
		}

		now := s.now()
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return subsRepo.Upsert(ctx, subscriptions.UpsertInput{
			TgID:        order.TgID,
			ProductCode: product.Code,
			StartDate:   start,
			EndDate:     start.AddDate(0, 0, product.DurationDays),
			LastOrderID: order.OrderID,
		})
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

func (s *service) ClaimOrder(ctx context.Context, orderID string, action OperatorAction) (*models.Order, error) {
	claimed, err := s.ordersRepo.ClaimOrder(ctx, orderID, action.AdminID, action.AdminUsername)
	if err != nil {
		return nil, err
	}
	s.logAdminAction(ctx, orderID, action, "claim")
	return claimed, nil
}

func (s *service) SetInProgress(ctx context.Context, orderID string, action OperatorAction) (*models.Order, error) {
	order, err := s.ordersRepo.SetOrderInProgress(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.logAdminAction(ctx, orderID, action, "in_progress")
	return order, nil
}

func (s *service) MarkDone(ctx context.Context, orderID string, action OperatorAction) (*models.Order, error) {
	order, err := s.ordersRepo.MarkOrderDone(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.logAdminAction(ctx, orderID, action, "done")
	return order, nil
}

func (s *service) MarkError(ctx context.Context, orderID string, errorCode, errorText string, action OperatorAction) (*models.Order, error) {
	order, err := s.ordersRepo.MarkOrderError(ctx, orderID, errorCode, errorText)
	if err != nil {
		return nil, err
	}
	s.logAdminAction(ctx, orderID, action, "error")
	return order, nil
}

func (s *service) CancelOrder(ctx context.Context, orderID string, action OperatorAction) (*models.Order, error) {
	order, err := s.ordersRepo.TransitionOrder(ctx, orderID, enums.OrderStatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	s.logAdminAction(ctx, orderID, action, "cancel")
	return order, nil
}

func (s *service) logAdminAction(ctx context.Context, orderID string, action OperatorAction, name string) {
	_ = s.audit.LogAdminAction(ctx, audit.AdminActionInput{
		OrderID:       orderID,
		AdminID:       action.AdminID,
		AdminUsername: action.AdminUsername,
		Action:        name,
		Note:          action.Note,
	})
}
