// Package orders exposes the order lifecycle over the admin JSON API. The
// Telegram bot and the operator panel both speak to these endpoints.
package orders

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/khabusiness/rusbridge-backend/api/responses"
	"github.com/khabusiness/rusbridge-backend/api/validators"
	"github.com/khabusiness/rusbridge-backend/internal/lifecycle"
	"github.com/khabusiness/rusbridge-backend/internal/orderflow"
	internalorders "github.com/khabusiness/rusbridge-backend/internal/orders"
	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
	"github.com/khabusiness/rusbridge-backend/pkg/enums"
	pkgerrors "github.com/khabusiness/rusbridge-backend/pkg/errors"
	"github.com/khabusiness/rusbridge-backend/pkg/logger"
)

type createOrderRequest struct {
	TgID              int64   `json:"tg_id" validate:"required,gt=0"`
	Username          *string `json:"username,omitempty"`
	SourceKey         *string `json:"source_key,omitempty"`
	ProductCode       string  `json:"product_code" validate:"required"`
	CustomPriceRub    *int64  `json:"custom_price_rub,omitempty" validate:"omitempty,gte=0"`
	CustomProductName *string `json:"custom_product_name,omitempty"`
}

type serviceLinkRequest struct {
	Link string `json:"link" validate:"required"`
}

type operatorRequest struct {
	AdminID       int64   `json:"admin_id" validate:"required,gt=0"`
	AdminUsername *string `json:"admin_username,omitempty"`
	Note          *string `json:"note,omitempty"`
}

type markErrorRequest struct {
	operatorRequest
	ErrorCode string `json:"error_code" validate:"required"`
	ErrorText string `json:"error_text" validate:"required"`
}

type orderResponse struct {
	OrderID           string     `json:"order_id"`
	TgID              int64      `json:"tg_id"`
	ProductCode       string     `json:"product_code"`
	ProductName       string     `json:"product_name"`
	PriceRub          int64      `json:"price_rub"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	ServiceLink       *string    `json:"service_link,omitempty"`
	OperatorID        *int64     `json:"operator_id,omitempty"`
	OperatorUsername  *string    `json:"operator_username,omitempty"`
	DoneAt            *time.Time `json:"done_at,omitempty"`
	ClientConfirmedAt *time.Time `json:"client_confirmed_at,omitempty"`
	ErrorCode         *string    `json:"error_code,omitempty"`
	ErrorText         *string    `json:"error_text,omitempty"`
}

type createOrderResponse struct {
	Order   orderResponse `json:"order"`
	PayURL  string        `json:"pay_url"`
	OutSum  string        `json:"out_sum"`
	Resumed bool          `json:"resumed"`
}

func toOrderResponse(order *models.Order) orderResponse {
	return orderResponse{
		OrderID:           order.OrderID,
		TgID:              order.TgID,
		ProductCode:       order.ProductCode,
		ProductName:       order.ProductName,
		PriceRub:          order.PriceRub,
		Status:            order.Status.String(),
		CreatedAt:         order.CreatedAt,
		UpdatedAt:         order.UpdatedAt,
		ExpiresAt:         order.ExpiresAt,
		PaidAt:            order.PaidAt,
		ServiceLink:       order.ServiceLink,
		OperatorID:        order.OperatorID,
		OperatorUsername:  order.OperatorUsername,
		DoneAt:            order.DoneAt,
		ClientConfirmedAt: order.ClientConfirmedAt,
		ErrorCode:         order.ErrorCode,
		ErrorText:         order.ErrorText,
	}
}

// mapEngineError translates the engine's typed errors into API error codes.
func mapEngineError(err error) error {
	if err == nil {
		return nil
	}
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}

	var openErr *orderflow.OpenOrderError
	if errors.As(err, &openErr) {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "another order is already in progress").WithDetails(map[string]any{
			"existing_order_id": openErr.ExistingOrderID,
			"product_code":      openErr.ExistingProductCode,
			"status":            openErr.ExistingStatus.String(),
		})
	}
	var limitErr *orderflow.DailyLimitError
	if errors.As(err, &limitErr) {
		return pkgerrors.Wrap(pkgerrors.CodeLimitExceeded, err, "daily order limit reached").WithDetails(map[string]any{
			"limit":         limitErr.Limit,
			"created_today": limitErr.CreatedToday,
		})
	}
	var blockedErr *orderflow.BlockedUserError
	if errors.As(err, &blockedErr) {
		return pkgerrors.Wrap(pkgerrors.CodeForbidden, err, "user is blocked")
	}
	var linkErr *orderflow.InvalidLinkError
	if errors.As(err, &linkErr) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "service link rejected").WithDetails(map[string]any{
			"code":   linkErr.Code,
			"reason": linkErr.Text,
		})
	}
	var transitionErr *lifecycle.TransitionError
	if errors.As(err, &transitionErr) {
		return pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "transition not allowed").WithDetails(map[string]any{
			"current": transitionErr.Current.String(),
			"target":  transitionErr.Target.String(),
		})
	}
	var stateErr *internalorders.StateConflictError
	if errors.As(err, &stateErr) {
		return pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "order moved concurrently").WithDetails(map[string]any{
			"expected": stateErr.Expected.String(),
			"actual":   stateErr.Actual.String(),
		})
	}
	var claimErr *internalorders.ClaimConflictError
	if errors.As(err, &claimErr) {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "order claimed by another operator").WithDetails(map[string]any{
			"owner_id": claimErr.OwnerID,
		})
	}
	var activeErr *internalorders.ActiveOrderExistsError
	if errors.As(err, &activeErr) {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "active order already exists").WithDetails(map[string]any{
			"existing_order_id": activeErr.ExistingOrderID,
		})
	}
	if errors.Is(err, internalorders.ErrOrderNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "order not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "order operation failed")
}

// Create opens or resumes an order for a user.
func Create(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "order engine unavailable"))
			return
		}

		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := engine.CreateOrResumeOrder(r.Context(), orderflow.CreateOrderInput{
			TgID:              req.TgID,
			Username:          req.Username,
			SourceKey:         req.SourceKey,
			ProductCode:       req.ProductCode,
			CustomPriceRub:    req.CustomPriceRub,
			CustomProductName: req.CustomProductName,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, mapEngineError(err))
			return
		}

		status := http.StatusCreated
		if result.ReusedActiveOrder {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, createOrderResponse{
			Order:   toOrderResponse(result.Order),
			PayURL:  result.Payment.PayURL,
			OutSum:  result.Payment.OutSum,
			Resumed: result.ReusedActiveOrder,
		})
	}
}

// Get returns one order by its public id.
func Get(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := orderIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := engine.GetOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, mapEngineError(err))
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order))
	}
}

// ListByUser returns a user's orders, optionally filtered by status.
func ListByUser(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawTgID := chi.URLParam(r, "tgID")
		tgID, err := strconv.ParseInt(rawTgID, 10, 64)
		if err != nil || tgID <= 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid tg id"))
			return
		}

		var statuses []enums.OrderStatus
		if raw := strings.TrimSpace(r.URL.Query().Get("statuses")); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				status, parseErr := enums.ParseOrderStatus(strings.TrimSpace(part))
				if parseErr != nil {
					responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, parseErr, "invalid status filter"))
					return
				}
				statuses = append(statuses, status)
			}
		} else {
			statuses = enums.ActiveOrderStatuses
		}

		rows, err := engine.ListUserOrders(r.Context(), tgID, statuses)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, mapEngineError(err))
			return
		}
		out := make([]orderResponse, 0, len(rows))
		for i := range rows {
			out = append(out, toOrderResponse(&rows[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

// SetServiceLink records the client's service link and queues the order for
// an operator.
func SetServiceLink(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := orderIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req serviceLinkRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := engine.SetServiceLink(r.Context(), orderID, req.Link)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, mapEngineError(err))
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order))
	}
}

// Confirm finalizes the order on the client's behalf and opens the
// subscription window.
func Confirm(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := orderIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := engine.MarkClientConfirmed(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, mapEngineError(err))
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order))
	}
}

// Claim assigns the order to an operator.
func Claim(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return operatorHandler(engine, logg, func(r *http.Request, orderID string, action orderflow.OperatorAction) (*models.Order, error) {
		return engine.ClaimOrder(r.Context(), orderID, action)
	})
}

// InProgress marks the claimed order as being worked on.
func InProgress(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return operatorHandler(engine, logg, func(r *http.Request, orderID string, action orderflow.OperatorAction) (*models.Order, error) {
		return engine.SetInProgress(r.Context(), orderID, action)
	})
}

// Done marks the work finished and asks the client to confirm.
func Done(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return operatorHandler(engine, logg, func(r *http.Request, orderID string, action orderflow.OperatorAction) (*models.Order, error) {
		return engine.MarkDone(r.Context(), orderID, action)
	})
}

// Cancel closes the order and frees the user's active slot.
func Cancel(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return operatorHandler(engine, logg, func(r *http.Request, orderID string, action orderflow.OperatorAction) (*models.Order, error) {
		return engine.CancelOrder(r.Context(), orderID, action)
	})
}

// MarkError parks the order in the failure state with a diagnostic code.
func MarkError(engine orderflow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := orderIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req markErrorRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := engine.MarkError(r.Context(), orderID, req.ErrorCode, req.ErrorText, orderflow.OperatorAction{
			AdminID:       req.AdminID,
			AdminUsername: req.AdminUsername,
			Note:          req.Note,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, mapEngineError(err))
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order))
	}
}

func operatorHandler(
	engine orderflow.Service,
	logg *logger.Logger,
	call func(r *http.Request, orderID string, action orderflow.OperatorAction) (*models.Order, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "order engine unavailable"))
			return
		}
		orderID, err := orderIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req operatorRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := call(r, orderID, orderflow.OperatorAction{
			AdminID:       req.AdminID,
			AdminUsername: req.AdminUsername,
			Note:          req.Note,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, mapEngineError(err))
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order))
	}
}

func orderIDParam(r *http.Request) (string, error) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	return orderID, nil
}
