package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/khabusiness/rusbridge-backend/internal/lifecycle"
	"github.com/khabusiness/rusbridge-backend/internal/orders"
	"github.com/khabusiness/rusbridge-backend/pkg/config"
	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
	"github.com/khabusiness/rusbridge-backend/pkg/enums"
	"github.com/khabusiness/rusbridge-backend/pkg/logger"
	"github.com/khabusiness/rusbridge-backend/pkg/metrics"
)

const (
	errCodeWaitPayTimeout  = "WAIT_PAY_TIMEOUT"
	errCodeWaitLinkTimeout = "WAIT_LINK_TIMEOUT"
)

// timeoutLedger is the slice of the orders store the timeout job needs.
type timeoutLedger interface {
	FindWaitPayTimeouts(ctx context.Context, now time.Time, timeout time.Duration) ([]models.Order, error)
	FindWaitServiceLinkTimeouts(ctx context.Context, now time.Time, timeout time.Duration) ([]models.Order, error)
	TransitionOrder(ctx context.Context, orderID string, target enums.OrderStatus, fields *orders.TransitionFields) (*models.Order, error)
}

// OrderTimeoutJobParams configure the stale-order expiration job.
type OrderTimeoutJobParams struct {
	Logger   *logger.Logger
	Ledger   timeoutLedger
	Notifier Notifier
	Metrics  *metrics.CronJobMetrics
	Flow     config.OrderFlowConfig
	Now      func() time.Time
}

// NewOrderTimeoutJob builds the cron job that expires orders stuck waiting
// for payment or for the client's service link.
func NewOrderTimeoutJob(params OrderTimeoutJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("orders ledger required")
	}
	notifier := params.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &orderTimeoutJob{
		logg:     params.Logger,
		ledger:   params.Ledger,
		notifier: notifier,
		metrics:  params.Metrics,
		flow:     params.Flow,
		now:      now,
	}, nil
}

type orderTimeoutJob struct {
	logg     *logger.Logger
	ledger   timeoutLedger
	notifier Notifier
	metrics  *metrics.CronJobMetrics
	flow     config.OrderFlowConfig
	now      func() time.Time
}

func (j *orderTimeoutJob) Name() string { return "order-timeouts" }

func (j *orderTimeoutJob) Run(ctx context.Context) error {
	var errs []error
	if err := j.expireUnpaid(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := j.expireLinkless(ctx); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

func (j *orderTimeoutJob) expireUnpaid(ctx context.Context) error {
	stale, err := j.ledger.FindWaitPayTimeouts(ctx, j.now(), j.flow.WaitPayTimeout)
	if err != nil {
		return fmt.Errorf("scan unpaid orders: %w", err)
	}
	count := 0
	var errs []error
	for _, order := range stale {
		expired, ok, expireErr := j.expire(ctx, order.OrderID, errCodeWaitPayTimeout, "Истёк таймаут оплаты")
		if expireErr != nil {
			errs = append(errs, expireErr)
			continue
		}
		if !ok {
			continue
		}
		count++
		text := fmt.Sprintf("⌛ Заказ %s отменён: оплата не поступила в срок.", expired.OrderID)
		if notifyErr := j.notifier.NotifyUser(ctx, expired.TgID, text); notifyErr != nil {
			j.logg.Error(j.logg.WithOrderID(ctx, expired.OrderID), "failed to notify user about expired order", notifyErr)
		}
	}
	j.addProcessed(count)
	return multierr.Combine(errs...)
}

func (j *orderTimeoutJob) expireLinkless(ctx context.Context) error {
	stale, err := j.ledger.FindWaitServiceLinkTimeouts(ctx, j.now(), j.flow.WaitServiceLinkTimeout)
	if err != nil {
		return fmt.Errorf("scan linkless orders: %w", err)
	}
	count := 0
	var errs []error
	for _, order := range stale {
		expired, ok, expireErr := j.expire(ctx, order.OrderID, errCodeWaitLinkTimeout, "Истёк таймаут ссылки")
		if expireErr != nil {
			errs = append(errs, expireErr)
			continue
		}
		if !ok {
			continue
		}
		count++
		text := fmt.Sprintf("⌛ Заказ %s закрыт: ссылка на сервис не была получена в срок. Напишите в поддержку.", expired.OrderID)
		if notifyErr := j.notifier.NotifyUser(ctx, expired.TgID, text); notifyErr != nil {
			j.logg.Error(j.logg.WithOrderID(ctx, expired.OrderID), "failed to notify user about expired order", notifyErr)
		}
		// a paid order expired without a link, someone must refund or recover
		adminText := fmt.Sprintf("⚠️ Оплаченный заказ %s (tg %d) закрыт по таймауту ссылки.", expired.OrderID, expired.TgID)
		if notifyErr := j.notifier.NotifyAdmins(ctx, adminText); notifyErr != nil {
			j.logg.Error(j.logg.WithOrderID(ctx, expired.OrderID), "failed to notify admins about expired order", notifyErr)
		}
	}
	j.addProcessed(count)
	return multierr.Combine(errs...)
}

// expire moves one order to EXPIRED. A transition conflict means another
// actor (payment webhook, operator) moved the order first; that is not an
// error, the order is simply skipped.
func (j *orderTimeoutJob) expire(ctx context.Context, orderID, errorCode, errorText string) (*models.Order, bool, error) {
	expired, err := j.ledger.TransitionOrder(ctx, orderID, enums.OrderStatusExpired, &orders.TransitionFields{
		ErrorCode: &errorCode,
		ErrorText: &errorText,
	})
	if err != nil {
		var transitionErr *lifecycle.TransitionError
		var conflictErr *orders.StateConflictError
		if errors.As(err, &transitionErr) || errors.As(err, &conflictErr) || errors.Is(err, orders.ErrOrderNotFound) {
			j.logg.Info(j.logg.WithOrderID(ctx, orderID), "order moved before expiration; skipping")
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("expire order %s: %w", orderID, err)
	}
	return expired, true, nil
}

func (j *orderTimeoutJob) addProcessed(count int) {
	if j.metrics == nil || count == 0 {
		return
	}
	j.metrics.AddProcessed(j.Name(), count)
}
