package orderflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/khabusiness/rusbridge-backend/internal/audit"
	"github.com/khabusiness/rusbridge-backend/internal/blocklist"
	"github.com/khabusiness/rusbridge-backend/internal/catalog"
	"github.com/khabusiness/rusbridge-backend/internal/lifecycle"
	"github.com/khabusiness/rusbridge-backend/internal/orders"
	"github.com/khabusiness/rusbridge-backend/internal/payments"
	"github.com/khabusiness/rusbridge-backend/internal/subscriptions"
	"github.com/khabusiness/rusbridge-backend/internal/users"
	"github.com/khabusiness/rusbridge-backend/pkg/config"
	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
	"github.com/khabusiness/rusbridge-backend/pkg/enums"
)

// fakeLedger is an in-memory orders.Repository honoring the same uniqueness
// and transition rules as the real one.
type fakeLedger struct {
	rows       map[string]*models.Order
	byInv      map[int64]string
	seq        int64
	createHook func(input orders.CreateOrderInput) error
	transHook  func(orderID string, target enums.OrderStatus) error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		rows:  map[string]*models.Order{},
		byInv: map[int64]string{},
	}
}

func (f *fakeLedger) WithTx(tx *gorm.DB) orders.Repository { return f }

func (f *fakeLedger) CreateOrder(ctx context.Context, input orders.CreateOrderInput) (*models.Order, error) {
	if f.createHook != nil {
		if err := f.createHook(input); err != nil {
			return nil, err
		}
	}
	for _, row := range f.rows {
		// one active order per user, whatever the product
		if row.TgID == input.TgID && row.Status.IsActive() {
			return nil, &orders.ActiveOrderExistsError{
				TgID:                input.TgID,
				ProductCode:         input.ProductCode,
				ExistingOrderID:     row.OrderID,
				ExistingProductCode: row.ProductCode,
			}
		}
	}
	f.seq++
	now := time.Now().UTC()
	expires := now.Add(input.WaitPayTimeout)
	invID := f.seq
	order := &models.Order{
		ID:           f.seq,
		OrderID:      fmt.Sprintf("RB-TEST-%04d", f.seq),
		TgID:         input.TgID,
		Username:     input.Username,
		SourceKey:    input.SourceKey,
		ProductCode:  input.ProductCode,
		ProductName:  input.ProductName,
		PriceRub:     input.PriceRub,
		Status:       enums.OrderStatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    &expires,
		PaymentInvID: &invID,
	}
	f.rows[order.OrderID] = order
	f.byInv[invID] = order.OrderID
	return cloneOrder(order), nil
}

func (f *fakeLedger) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row, ok := f.rows[orderID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return cloneOrder(row), nil
}

func (f *fakeLedger) GetOrderByPaymentInvID(ctx context.Context, invID int64) (*models.Order, error) {
	orderID, ok := f.byInv[invID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return f.GetOrder(ctx, orderID)
}

func (f *fakeLedger) FindActiveOrder(ctx context.Context, tgID int64, productCode string) (*models.Order, error) {
	for _, row := range f.rows {
		if row.TgID == tgID && row.ProductCode == productCode && row.Status.IsActive() {
			return cloneOrder(row), nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) FindActiveOrderAny(ctx context.Context, tgID int64) (*models.Order, error) {
	for _, row := range f.rows {
		if row.TgID == tgID && row.Status.IsActive() {
			return cloneOrder(row), nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) ListOrdersByUserAndStatuses(ctx context.Context, tgID int64, statuses []enums.OrderStatus) ([]models.Order, error) {
	var out []models.Order
	for _, row := range f.rows {
		if row.TgID != tgID {
			continue
		}
		for _, status := range statuses {
			if row.Status == status {
				out = append(out, *cloneOrder(row))
				break
			}
		}
	}
	return out, nil
}

func (f *fakeLedger) CountOrdersCreatedBetween(ctx context.Context, tgID int64, start, end time.Time) (int64, error) {
	var count int64
	for _, row := range f.rows {
		if row.TgID == tgID && !row.CreatedAt.Before(start) && row.CreatedAt.Before(end) {
			count++
		}
	}
	return count, nil
}

func (f *fakeLedger) UpdatePaymentFields(ctx context.Context, orderID string, outSum *string, paymentStatusText *string) error {
	row, ok := f.rows[orderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	if outSum != nil {
		sum, err := decimal.NewFromString(*outSum)
		if err != nil {
			return err
		}
		row.PaymentOutSum = &sum
	}
	if paymentStatusText != nil {
		row.PaymentStatusText = paymentStatusText
	}
	return nil
}

func (f *fakeLedger) TransitionOrder(ctx context.Context, orderID string, target enums.OrderStatus, fields *orders.TransitionFields) (*models.Order, error) {
	row, ok := f.rows[orderID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return f.TransitionOrderFrom(ctx, orderID, row.Status, target, fields)
}

func (f *fakeLedger) TransitionOrderFrom(ctx context.Context, orderID string, expected, target enums.OrderStatus, fields *orders.TransitionFields) (*models.Order, error) {
	if f.transHook != nil {
		if err := f.transHook(orderID, target); err != nil {
			return nil, err
		}
	}
	row, ok := f.rows[orderID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	if err := lifecycle.EnsureTransition(expected, target); err != nil {
		return nil, err
	}
	if row.Status != expected {
		return nil, &orders.StateConflictError{OrderID: orderID, Expected: expected, Actual: row.Status}
	}
	row.Status = target
	row.UpdatedAt = time.Now().UTC()
	if fields != nil {
		if fields.PaidAt != nil {
			row.PaidAt = fields.PaidAt
		}
		if fields.ServiceLink != nil {
			row.ServiceLink = fields.ServiceLink
		}
		if fields.ServiceLinkReceivedAt != nil {
			row.ServiceLinkReceivedAt = fields.ServiceLinkReceivedAt
		}
		if fields.OperatorID != nil {
			row.OperatorID = fields.OperatorID
		}
		if fields.OperatorUsername != nil {
			row.OperatorUsername = fields.OperatorUsername
		}
		if fields.ClaimedAt != nil {
			row.ClaimedAt = fields.ClaimedAt
		}
		if fields.DoneAt != nil {
			row.DoneAt = fields.DoneAt
		}
		if fields.ClientConfirmedAt != nil {
			row.ClientConfirmedAt = fields.ClientConfirmedAt
		}
		if fields.ErrorCode != nil {
			row.ErrorCode = fields.ErrorCode
		}
		if fields.ErrorText != nil {
			row.ErrorText = fields.ErrorText
		}
	}
	return cloneOrder(row), nil
}

func (f *fakeLedger) ClaimOrder(ctx context.Context, orderID string, operatorID int64, operatorUsername *string) (*models.Order, error) {
	row, ok := f.rows[orderID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	if row.Status != enums.OrderStatusReadyForOperator {
		return nil, &lifecycle.TransitionError{Current: row.Status, Target: enums.OrderStatusReadyForOperator}
	}
	if row.OperatorID != nil && *row.OperatorID != operatorID {
		return nil, &orders.ClaimConflictError{OrderID: orderID, OperatorID: operatorID, OwnerID: *row.OperatorID}
	}
	fields := &orders.TransitionFields{OperatorID: &operatorID, OperatorUsername: operatorUsername}
	if row.ClaimedAt == nil {
		now := time.Now().UTC()
		fields.ClaimedAt = &now
	}
	return f.TransitionOrder(ctx, orderID, enums.OrderStatusReadyForOperator, fields)
}

func (f *fakeLedger) SetOrderInProgress(ctx context.Context, orderID string) (*models.Order, error) {
	return f.TransitionOrder(ctx, orderID, enums.OrderStatusInProgress, nil)
}

func (f *fakeLedger) SetServiceLinkReady(ctx context.Context, orderID string, serviceLink string) (*models.Order, error) {
	now := time.Now().UTC()
	return f.TransitionOrder(ctx, orderID, enums.OrderStatusReadyForOperator, &orders.TransitionFields{
		ServiceLink:           &serviceLink,
		ServiceLinkReceivedAt: &now,
	})
}

func (f *fakeLedger) MarkOrderDone(ctx context.Context, orderID string) (*models.Order, error) {
	now := time.Now().UTC()
	if _, err := f.TransitionOrder(ctx, orderID, enums.OrderStatusDone, &orders.TransitionFields{DoneAt: &now}); err != nil {
		return nil, err
	}
	return f.TransitionOrder(ctx, orderID, enums.OrderStatusWaitClientConfirm, nil)
}

func (f *fakeLedger) MarkOrderError(ctx context.Context, orderID string, errorCode, errorText string) (*models.Order, error) {
	return f.TransitionOrder(ctx, orderID, enums.OrderStatusError, &orders.TransitionFields{
		ErrorCode: &errorCode,
		ErrorText: &errorText,
	})
}

func (f *fakeLedger) MarkOrderClientConfirmed(ctx context.Context, orderID string) (*models.Order, error) {
	now := time.Now().UTC()
	return f.TransitionOrder(ctx, orderID, enums.OrderStatusClientConfirmed, &orders.TransitionFields{
		ClientConfirmedAt: &now,
	})
}

func (f *fakeLedger) FindWaitPayTimeouts(ctx context.Context, now time.Time, timeout time.Duration) ([]models.Order, error) {
	panic("not implemented")
}

func (f *fakeLedger) FindWaitServiceLinkTimeouts(ctx context.Context, now time.Time, timeout time.Duration) ([]models.Order, error) {
	panic("not implemented")
}

func cloneOrder(row *models.Order) *models.Order {
	copied := *row
	return &copied
}

type stubSubsRepo struct {
	upserts []subscriptions.UpsertInput
}

func (s *stubSubsRepo) WithTx(tx *gorm.DB) subscriptions.Repository { return s }

func (s *stubSubsRepo) Upsert(ctx context.Context, input subscriptions.UpsertInput) error {
	s.upserts = append(s.upserts, input)
	return nil
}

func (s *stubSubsRepo) Get(ctx context.Context, tgID int64, productCode string) (*models.Subscription, error) {
	return nil, nil
}

func (s *stubSubsRepo) ListDue(ctx context.Context, today time.Time, window time.Duration) ([]models.Subscription, error) {
	panic("not implemented")
}

func (s *stubSubsRepo) MarkReminderSent(ctx context.Context, subscriptionID int64, daysLeft int) error {
	panic("not implemented")
}

type stubUsersRepo struct {
	upserted []int64
}

func (s *stubUsersRepo) WithTx(tx *gorm.DB) users.Repository { return s }

func (s *stubUsersRepo) Upsert(ctx context.Context, tgID int64, username *string, sourceKey *string) error {
	s.upserted = append(s.upserted, tgID)
	return nil
}

func (s *stubUsersRepo) Get(ctx context.Context, tgID int64) (*models.User, error) {
	return nil, nil
}

type stubBlocklist struct {
	blocked map[int64]bool
}

func (s *stubBlocklist) WithTx(tx *gorm.DB) blocklist.Repository { return s }

func (s *stubBlocklist) Block(ctx context.Context, tgID int64, reason *string, blockedBy *int64) error {
	if s.blocked == nil {
		s.blocked = map[int64]bool{}
	}
	s.blocked[tgID] = true
	return nil
}

func (s *stubBlocklist) Unblock(ctx context.Context, tgID int64) error {
	delete(s.blocked, tgID)
	return nil
}

func (s *stubBlocklist) IsBlocked(ctx context.Context, tgID int64) (bool, error) {
	return s.blocked[tgID], nil
}

type stubAudit struct {
	events  []string
	actions []audit.AdminActionInput
}

func (s *stubAudit) WithTx(tx *gorm.DB) audit.Repository { return s }

func (s *stubAudit) LogAdminAction(ctx context.Context, input audit.AdminActionInput) error {
	s.actions = append(s.actions, input)
	return nil
}

func (s *stubAudit) LogEvent(ctx context.Context, eventType string, payload any) error {
	s.events = append(s.events, eventType)
	return nil
}

type stubPayment struct {
	calls int
}

func (s *stubPayment) CreatePaymentLink(orderID string, invID int64, amountRub int64, description string) payments.Link {
	s.calls++
	return payments.Link{
		PayURL:       fmt.Sprintf("https://pay.test/%d", invID),
		InvID:        invID,
		OutSum:       payments.FormatOutSum(amountRub),
		ProviderMode: payments.ModeStub,
	}
}

type stubTx struct{}

func (stubTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse([]byte(`[
		{"code":"vpn_1m","name":"VPN Premium","price_rub":990,"duration_days":30,"allowed_domains":["example.com"]},
		{"code":"proxy_1m","name":"Proxy","price_rub":490,"duration_days":30}
	]`))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return cat
}

type testEnv struct {
	svc     Service
	ledger  *fakeLedger
	subs    *stubSubsRepo
	users   *stubUsersRepo
	blocked *stubBlocklist
	audit   *stubAudit
	payment *stubPayment
}

func newTestEnv(t *testing.T, cfg config.OrderFlowConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger:  newFakeLedger(),
		subs:    &stubSubsRepo{},
		users:   &stubUsersRepo{},
		blocked: &stubBlocklist{},
		audit:   &stubAudit{},
		payment: &stubPayment{},
	}
	svc, err := NewService(env.ledger, env.subs, env.users, env.blocked, env.audit, testCatalog(t), env.payment, stubTx{}, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	env.svc = svc
	return env
}

func defaultFlowConfig() config.OrderFlowConfig {
	return config.OrderFlowConfig{
		DailyOrderLimit:        3,
		WaitPayTimeout:         time.Hour,
		WaitServiceLinkTimeout: 12 * time.Hour,
	}
}

func TestCreateOrderHappyPath(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	result, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 100, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.ReusedActiveOrder {
		t.Fatalf("fresh order should not be marked reused")
	}
	if result.Order.Status != enums.OrderStatusWaitPay {
		t.Fatalf("expected WAIT_PAY, got %s", result.Order.Status)
	}
	if result.Order.ProductName != "VPN Premium" || result.Order.PriceRub != 990 {
		t.Fatalf("snapshot fields wrong: %+v", result.Order)
	}
	if result.Payment.OutSum != "990.00" {
		t.Fatalf("expected OutSum 990.00, got %s", result.Payment.OutSum)
	}
	if result.Order.PaymentInvID == nil || result.Payment.InvID != *result.Order.PaymentInvID {
		t.Fatalf("payment link must reuse the order's invoice id")
	}
	if len(env.users.upserted) != 1 {
		t.Fatalf("user should be upserted")
	}
	if len(env.audit.events) == 0 || env.audit.events[0] != "order_created" {
		t.Fatalf("expected order_created event, got %v", env.audit.events)
	}
}

func TestCreateOrderResumesSameProduct(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	first, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 101, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	second, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 101, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !second.ReusedActiveOrder {
		t.Fatalf("expected resume")
	}
	if second.Order.OrderID != first.Order.OrderID {
		t.Fatalf("resume must reuse the same order")
	}
	if *second.Order.PaymentInvID != *first.Order.PaymentInvID {
		t.Fatalf("resume must not mint a new payment reference")
	}
	if len(env.ledger.rows) != 1 {
		t.Fatalf("expected a single row, got %d", len(env.ledger.rows))
	}
}

func TestCreateOrderCrossProductExclusivity(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	first, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 102, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 102, ProductCode: "proxy_1m"})
	var openErr *OpenOrderError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenOrderError, got %v", err)
	}
	if openErr.ExistingOrderID != first.Order.OrderID || openErr.ExistingProductCode != "vpn_1m" {
		t.Fatalf("error should reference the blocking order: %+v", openErr)
	}
	if len(env.ledger.rows) != 1 {
		t.Fatalf("no second row may be created")
	}
}

func TestCreateOrderDailyQuota(t *testing.T) {
	cfg := defaultFlowConfig()
	cfg.DailyOrderLimit = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 103, ProductCode: "vpn_1m"})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		// close it so the active-order rule does not interfere
		if _, err := env.ledger.TransitionOrder(ctx, result.Order.OrderID, enums.OrderStatusCancelled, nil); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}

	_, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 103, ProductCode: "vpn_1m"})
	var limitErr *DailyLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected DailyLimitError, got %v", err)
	}
	if limitErr.Limit != 2 || limitErr.CreatedToday != 2 {
		t.Fatalf("limit error should carry the numbers: %+v", limitErr)
	}
}

func TestCreateOrderQuotaBypassInTestMode(t *testing.T) {
	cfg := defaultFlowConfig()
	cfg.DailyOrderLimit = 1
	cfg.TestMode = true
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 104, ProductCode: "vpn_1m"})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if _, err := env.ledger.TransitionOrder(ctx, result.Order.OrderID, enums.OrderStatusCancelled, nil); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}
}

func TestCreateOrderRecoversFromInsertRace(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	// winner's row appears after the exclusivity check but before the insert
	raced := false
	env.ledger.createHook = func(input orders.CreateOrderInput) error {
		if raced {
			return nil
		}
		raced = true
		winner, err := env.ledger.CreateOrder(ctx, input)
		if err != nil {
			return err
		}
		if _, err := env.ledger.TransitionOrder(ctx, winner.OrderID, enums.OrderStatusWaitPay, nil); err != nil {
			return err
		}
		return &orders.ActiveOrderExistsError{
			TgID:            input.TgID,
			ProductCode:     input.ProductCode,
			ExistingOrderID: winner.OrderID,
		}
	}

	result, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 105, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create should recover: %v", err)
	}
	if !result.ReusedActiveOrder {
		t.Fatalf("loser of the race must observe reused=true")
	}
	if len(env.ledger.rows) != 1 {
		t.Fatalf("race must never yield two active rows")
	}
}

func TestCreateOrderInsertRaceAcrossProducts(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	// a racing create for a DIFFERENT product wins the per-user slot after
	// the exclusivity check but before the insert
	raced := false
	env.ledger.createHook = func(input orders.CreateOrderInput) error {
		if raced {
			return nil
		}
		raced = true
		winner, err := env.ledger.CreateOrder(ctx, orders.CreateOrderInput{
			TgID: input.TgID, ProductCode: "vpn_1m", ProductName: "VPN Premium", PriceRub: 990, WaitPayTimeout: time.Hour,
		})
		if err != nil {
			return err
		}
		if _, err := env.ledger.TransitionOrder(ctx, winner.OrderID, enums.OrderStatusWaitPay, nil); err != nil {
			return err
		}
		return &orders.ActiveOrderExistsError{
			TgID:                input.TgID,
			ProductCode:         input.ProductCode,
			ExistingOrderID:     winner.OrderID,
			ExistingProductCode: "vpn_1m",
		}
	}

	_, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 114, ProductCode: "proxy_1m"})
	var openErr *OpenOrderError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenOrderError, got %v", err)
	}
	if openErr.ExistingProductCode != "vpn_1m" {
		t.Fatalf("error should name the blocking product: %+v", openErr)
	}
	if len(env.ledger.rows) != 1 {
		t.Fatalf("the user must never hold two active orders, got %d rows", len(env.ledger.rows))
	}
}

func TestCreateOrderBlockedUser(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	_ = env.blocked.Block(ctx, 106, nil, nil)

	_, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 106, ProductCode: "vpn_1m"})
	var blockedErr *BlockedUserError
	if !errors.As(err, &blockedErr) {
		t.Fatalf("expected BlockedUserError, got %v", err)
	}
}

func TestWebhookHappyPathThenDuplicate(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	created, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 107, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	invID := *created.Order.PaymentInvID

	first, err := env.svc.HandlePaymentWebhook(ctx, invID, "990.00", "payment confirmed")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if !first.Updated || first.Reason != ReasonOK {
		t.Fatalf("first delivery should update: %+v", first)
	}
	if first.Order.Status != enums.OrderStatusWaitServiceLink {
		t.Fatalf("expected WAIT_SERVICE_LINK, got %s", first.Order.Status)
	}
	if first.Order.PaidAt == nil {
		t.Fatalf("paid_at must be set")
	}

	second, err := env.svc.HandlePaymentWebhook(ctx, invID, "990.00", "payment confirmed")
	if err != nil {
		t.Fatalf("duplicate webhook: %v", err)
	}
	if second.Updated || second.Reason != ReasonAlreadyProcessed {
		t.Fatalf("duplicate must be a no-op: %+v", second)
	}
}

func TestWebhookUnknownInvoice(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())

	result, err := env.svc.HandlePaymentWebhook(context.Background(), 99999, "1.00", "x")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if result.Updated || result.Reason != ReasonOrderNotFound {
		t.Fatalf("expected order_not_found, got %+v", result)
	}
}

func TestWebhookUnexpectedStatus(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	order, err := env.ledger.CreateOrder(ctx, orders.CreateOrderInput{
		TgID: 108, ProductCode: "vpn_1m", ProductName: "VPN Premium", PriceRub: 990, WaitPayTimeout: time.Hour,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// the order never reached WAIT_PAY
	result, err := env.svc.HandlePaymentWebhook(ctx, *order.PaymentInvID, "990.00", "x")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if result.Updated || result.Reason != "unexpected_status:NEW" {
		t.Fatalf("expected unexpected_status:NEW, got %+v", result)
	}
}

func TestWebhookConcurrentDeliveriesSingleWinner(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	created, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 109, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	invID := *created.Order.PaymentInvID

	// the "other" delivery wins the compare-and-swap between this delivery's
	// read and write
	fired := false
	env.ledger.transHook = func(orderID string, target enums.OrderStatus) error {
		if fired || target != enums.OrderStatusPaid {
			return nil
		}
		fired = true
		env.ledger.transHook = nil
		if _, err := env.ledger.TransitionOrder(ctx, orderID, enums.OrderStatusPaid, nil); err != nil {
			return err
		}
		if _, err := env.ledger.TransitionOrder(ctx, orderID, enums.OrderStatusWaitServiceLink, nil); err != nil {
			return err
		}
		return &orders.StateConflictError{
			OrderID:  orderID,
			Expected: enums.OrderStatusWaitPay,
			Actual:   enums.OrderStatusWaitServiceLink,
		}
	}

	result, err := env.svc.HandlePaymentWebhook(ctx, invID, "990.00", "payment confirmed")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if result.Updated || result.Reason != ReasonAlreadyProcessed {
		t.Fatalf("loser delivery must see already_processed: %+v", result)
	}
}

func TestWebhookDuplicateWithStaleReadIsNoOp(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	created, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 115, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	invID := *created.Order.PaymentInvID

	// the winning delivery runs to completion between this delivery's read
	// of the order and its WAIT_PAY to PAID write, so this delivery's
	// snapshot is stale by the time it writes
	var winner *WebhookResult
	fired := false
	env.ledger.transHook = func(orderID string, target enums.OrderStatus) error {
		if fired || target != enums.OrderStatusPaid {
			return nil
		}
		fired = true
		env.ledger.transHook = nil
		winner, err = env.svc.HandlePaymentWebhook(ctx, invID, "990.00", "payment confirmed")
		return err
	}

	loser, err := env.svc.HandlePaymentWebhook(ctx, invID, "990.00", "payment confirmed")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if winner == nil || !winner.Updated || winner.Reason != ReasonOK {
		t.Fatalf("winning delivery should update: %+v", winner)
	}
	if loser.Updated || loser.Reason != ReasonAlreadyProcessed {
		t.Fatalf("stale delivery must observe already_processed: %+v", loser)
	}

	paid := 0
	for _, event := range env.audit.events {
		if event == "payment_received" {
			paid++
		}
	}
	if paid != 1 {
		t.Fatalf("exactly one delivery may record payment_received, got %d", paid)
	}
}

func TestSetServiceLink(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	created, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 110, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.HandlePaymentWebhook(ctx, *created.Order.PaymentInvID, "990.00", "ok"); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	_, err = env.svc.SetServiceLink(ctx, created.Order.OrderID, "https://bit.ly/short")
	var linkErr *InvalidLinkError
	if !errors.As(err, &linkErr) {
		t.Fatalf("expected InvalidLinkError, got %v", err)
	}

	updated, err := env.svc.SetServiceLink(ctx, created.Order.OrderID, "https://Pay.Example.com/abc")
	if err != nil {
		t.Fatalf("set link: %v", err)
	}
	if updated.Status != enums.OrderStatusReadyForOperator {
		t.Fatalf("expected READY_FOR_OPERATOR, got %s", updated.Status)
	}
	if updated.ServiceLink == nil || *updated.ServiceLink != "https://pay.example.com/abc" {
		t.Fatalf("link should be normalized, got %v", updated.ServiceLink)
	}
}

func TestMarkClientConfirmedUpsertsSubscription(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	created, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 111, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	orderID := created.Order.OrderID
	if _, err := env.svc.HandlePaymentWebhook(ctx, *created.Order.PaymentInvID, "990.00", "ok"); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if _, err := env.svc.SetServiceLink(ctx, orderID, "https://pay.example.com/abc"); err != nil {
		t.Fatalf("set link: %v", err)
	}
	op := OperatorAction{AdminID: 9001}
	if _, err := env.svc.ClaimOrder(ctx, orderID, op); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.svc.SetInProgress(ctx, orderID, op); err != nil {
		t.Fatalf("in progress: %v", err)
	}
	if _, err := env.svc.MarkDone(ctx, orderID, op); err != nil {
		t.Fatalf("done: %v", err)
	}

	confirmed, err := env.svc.MarkClientConfirmed(ctx, orderID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != enums.OrderStatusClientConfirmed {
		t.Fatalf("expected CLIENT_CONFIRMED, got %s", confirmed.Status)
	}

	if len(env.subs.upserts) != 1 {
		t.Fatalf("expected one subscription upsert, got %d", len(env.subs.upserts))
	}
	sub := env.subs.upserts[0]
	if sub.TgID != 111 || sub.ProductCode != "vpn_1m" || sub.LastOrderID != orderID {
		t.Fatalf("unexpected subscription input: %+v", sub)
	}
	if got := sub.EndDate.Sub(sub.StartDate); got != 30*24*time.Hour {
		t.Fatalf("expected 30-day window, got %v", got)
	}
}

func TestOperatorActionsAreAudited(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	created, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 112, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	orderID := created.Order.OrderID
	if _, err := env.svc.HandlePaymentWebhook(ctx, *created.Order.PaymentInvID, "990.00", "ok"); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if _, err := env.svc.SetServiceLink(ctx, orderID, "https://pay.example.com/abc"); err != nil {
		t.Fatalf("set link: %v", err)
	}

	op := OperatorAction{AdminID: 9001}
	if _, err := env.svc.ClaimOrder(ctx, orderID, op); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// another operator cannot steal the claim
	_, err = env.svc.ClaimOrder(ctx, orderID, OperatorAction{AdminID: 9002})
	var claimErr *orders.ClaimConflictError
	if !errors.As(err, &claimErr) {
		t.Fatalf("expected ClaimConflictError, got %v", err)
	}

	if _, err := env.svc.SetInProgress(ctx, orderID, op); err != nil {
		t.Fatalf("in progress: %v", err)
	}
	if _, err := env.svc.MarkDone(ctx, orderID, op); err != nil {
		t.Fatalf("done: %v", err)
	}

	want := []string{"claim", "in_progress", "done"}
	if len(env.audit.actions) != len(want) {
		t.Fatalf("expected %d admin actions, got %d", len(want), len(env.audit.actions))
	}
	for i, action := range want {
		if env.audit.actions[i].Action != action {
			t.Fatalf("action %d: expected %s, got %s", i, action, env.audit.actions[i].Action)
		}
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t, defaultFlowConfig())
	ctx := context.Background()

	created, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 113, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := env.svc.CancelOrder(ctx, created.Order.OrderID, OperatorAction{AdminID: 9001})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != enums.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	// the slot is free again
	fresh, err := env.svc.CreateOrResumeOrder(ctx, CreateOrderInput{TgID: 113, ProductCode: "vpn_1m"})
	if err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
	if fresh.ReusedActiveOrder {
		t.Fatalf("cancelled order must not be resumed")
	}
}
