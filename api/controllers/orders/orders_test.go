package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/khabusiness/rusbridge-backend/internal/catalog"
	"github.com/khabusiness/rusbridge-backend/internal/orderflow"
	internalorders "github.com/khabusiness/rusbridge-backend/internal/orders"
	"github.com/khabusiness/rusbridge-backend/internal/payments"
	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
	"github.com/khabusiness/rusbridge-backend/pkg/enums"
)

type stubEngine struct {
	createOrResume func(ctx context.Context, input orderflow.CreateOrderInput) (*orderflow.CreateOrderResult, error)
	getOrder       func(ctx context.Context, orderID string) (*models.Order, error)
	claimOrder     func(ctx context.Context, orderID string, action orderflow.OperatorAction) (*models.Order, error)
	setServiceLink func(ctx context.Context, orderID, rawLink string) (*models.Order, error)
	listUserOrders func(ctx context.Context, tgID int64, statuses []enums.OrderStatus) ([]models.Order, error)
}

func (s *stubEngine) CreateOrResumeOrder(ctx context.Context, input orderflow.CreateOrderInput) (*orderflow.CreateOrderResult, error) {
	if s.createOrResume != nil {
		return s.createOrResume(ctx, input)
	}
	panic("not implemented")
}

func (s *stubEngine) PaymentLinkForOrder(ctx context.Context, order *models.Order) (payments.Link, error) {
	panic("not implemented")
}

func (s *stubEngine) HandlePaymentWebhook(ctx context.Context, invID int64, outSum, paymentStatusText string) (*orderflow.WebhookResult, error) {
	panic("not implemented")
}

func (s *stubEngine) SetServiceLink(ctx context.Context, orderID, rawLink string) (*models.Order, error) {
	if s.setServiceLink != nil {
		return s.setServiceLink(ctx, orderID, rawLink)
	}
	panic("not implemented")
}

func (s *stubEngine) MarkClientConfirmed(ctx context.Context, orderID string) (*models.Order, error) {
	panic("not implemented")
}

func (s *stubEngine) ClaimOrder(ctx context.Context, orderID string, action orderflow.OperatorAction) (*models.Order, error) {
	if s.claimOrder != nil {
		return s.claimOrder(ctx, orderID, action)
	}
	panic("not implemented")
}

func (s *stubEngine) SetInProgress(ctx context.Context, orderID string, action orderflow.OperatorAction) (*models.Order, error) {
	panic("not implemented")
}

func (s *stubEngine) MarkDone(ctx context.Context, orderID string, action orderflow.OperatorAction) (*models.Order, error) {
	panic("not implemented")
}

func (s *stubEngine) MarkError(ctx context.Context, orderID string, errorCode, errorText string, action orderflow.OperatorAction) (*models.Order, error) {
	panic("not implemented")
}

func (s *stubEngine) CancelOrder(ctx context.Context, orderID string, action orderflow.OperatorAction) (*models.Order, error) {
	panic("not implemented")
}

func (s *stubEngine) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if s.getOrder != nil {
		return s.getOrder(ctx, orderID)
	}
	panic("not implemented")
}

func (s *stubEngine) ListUserOrders(ctx context.Context, tgID int64, statuses []enums.OrderStatus) ([]models.Order, error) {
	if s.listUserOrders != nil {
		return s.listUserOrders(ctx, tgID, statuses)
	}
	panic("not implemented")
}

func (s *stubEngine) Product(code string) (catalog.Product, bool) {
	panic("not implemented")
}

func testRouter(engine orderflow.Service) http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", Create(engine, nil))
	r.Get("/orders/{orderID}", Get(engine, nil))
	r.Post("/orders/{orderID}/claim", Claim(engine, nil))
	r.Post("/orders/{orderID}/service-link", SetServiceLink(engine, nil))
	r.Get("/users/{tgID}/orders", ListByUser(engine, nil))
	return r
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return envelope
}

func TestCreateOrderEndpoint(t *testing.T) {
	engine := &stubEngine{
		createOrResume: func(ctx context.Context, input orderflow.CreateOrderInput) (*orderflow.CreateOrderResult, error) {
			if input.TgID != 42 || input.ProductCode != "vpn_1m" {
				t.Fatalf("unexpected input: %+v", input)
			}
			return &orderflow.CreateOrderResult{
				Order: &models.Order{
					OrderID:     "RB-TEST",
					TgID:        42,
					ProductCode: "vpn_1m",
					Status:      enums.OrderStatusWaitPay,
				},
				Payment: payments.Link{PayURL: "https://pay.test/1", OutSum: "990.00"},
			}, nil
		},
	}
	router := testRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"tg_id":42,"product_code":"vpn_1m"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec)
	data, ok := envelope["data"].(map[string]any)
	if !ok {
		t.Fatalf("missing data envelope: %v", envelope)
	}
	if data["pay_url"] != "https://pay.test/1" {
		t.Fatalf("missing pay url: %v", data)
	}
}

func TestCreateOrderEndpointRejectsBadBody(t *testing.T) {
	router := testRouter(&stubEngine{})

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"product_code":"vpn_1m"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tg_id, got %d", rec.Code)
	}
}

func TestCreateOrderEndpointMapsOpenOrderConflict(t *testing.T) {
	engine := &stubEngine{
		createOrResume: func(ctx context.Context, input orderflow.CreateOrderInput) (*orderflow.CreateOrderResult, error) {
			return nil, &orderflow.OpenOrderError{
				TgID:                42,
				ExistingOrderID:     "RB-OLD",
				ExistingProductCode: "proxy_1m",
				ExistingStatus:      enums.OrderStatusWaitPay,
			}
		},
	}
	router := testRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"tg_id":42,"product_code":"vpn_1m"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "RB-OLD") {
		t.Fatalf("conflict should name the blocking order: %s", rec.Body.String())
	}
}

func TestGetOrderEndpointNotFound(t *testing.T) {
	engine := &stubEngine{
		getOrder: func(ctx context.Context, orderID string) (*models.Order, error) {
			return nil, internalorders.ErrOrderNotFound
		},
	}
	router := testRouter(engine)

	req := httptest.NewRequest(http.MethodGet, "/orders/RB-MISSING", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestClaimEndpointMapsClaimConflict(t *testing.T) {
	engine := &stubEngine{
		claimOrder: func(ctx context.Context, orderID string, action orderflow.OperatorAction) (*models.Order, error) {
			return nil, &internalorders.ClaimConflictError{OrderID: orderID, OperatorID: action.AdminID, OwnerID: 9001}
		},
	}
	router := testRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/orders/RB-TEST/claim", strings.NewReader(`{"admin_id":9002}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestSetServiceLinkEndpointMapsValidation(t *testing.T) {
	engine := &stubEngine{
		setServiceLink: func(ctx context.Context, orderID, rawLink string) (*models.Order, error) {
			return nil, &orderflow.InvalidLinkError{Code: "shortener", Text: "Сокращатели ссылок запрещены."}
		},
	}
	router := testRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/orders/RB-TEST/service-link", strings.NewReader(`{"link":"https://bit.ly/x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "shortener") {
		t.Fatalf("details should carry the rejection code: %s", rec.Body.String())
	}
}

func TestListByUserEndpointDefaultsToActiveStatuses(t *testing.T) {
	var captured []enums.OrderStatus
	engine := &stubEngine{
		listUserOrders: func(ctx context.Context, tgID int64, statuses []enums.OrderStatus) ([]models.Order, error) {
			captured = statuses
			return []models.Order{{OrderID: "RB-1", TgID: tgID, Status: enums.OrderStatusWaitPay}}, nil
		},
	}
	router := testRouter(engine)

	req := httptest.NewRequest(http.MethodGet, "/users/42/orders", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(captured) != len(enums.ActiveOrderStatuses) {
		t.Fatalf("expected active statuses by default, got %v", captured)
	}
}
