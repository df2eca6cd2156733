package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/khabusiness/rusbridge-backend/internal/catalog"
	"github.com/khabusiness/rusbridge-backend/pkg/db/models"
	"github.com/khabusiness/rusbridge-backend/pkg/logger"
	"github.com/khabusiness/rusbridge-backend/pkg/metrics"
)

const reminderWindow = 3 * 24 * time.Hour

// subscriptionLedger is the slice of the subscriptions store the reminder
// job needs.
type subscriptionLedger interface {
	ListDue(ctx context.Context, today time.Time, window time.Duration) ([]models.Subscription, error)
	MarkReminderSent(ctx context.Context, subscriptionID int64, daysLeft int) error
}

// RenewalReminderJobParams configure the subscription reminder job.
type RenewalReminderJobParams struct {
	Logger   *logger.Logger
	Ledger   subscriptionLedger
	Catalog  *catalog.Catalog
	Notifier Notifier
	Metrics  *metrics.CronJobMetrics
	Now      func() time.Time
}

// NewRenewalReminderJob builds the cron job that warns users before their
// subscription window closes.
func NewRenewalReminderJob(params RenewalReminderJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("subscriptions ledger required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog required")
	}
	notifier := params.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &renewalReminderJob{
		logg:     params.Logger,
		ledger:   params.Ledger,
		catalog:  params.Catalog,
		notifier: notifier,
		metrics:  params.Metrics,
		now:      now,
	}, nil
}

type renewalReminderJob struct {
	logg     *logger.Logger
	ledger   subscriptionLedger
	catalog  *catalog.Catalog
	notifier Notifier
	metrics  *metrics.CronJobMetrics
	now      func() time.Time
}

func (j *renewalReminderJob) Name() string { return "renewal-reminders" }

func (j *renewalReminderJob) Run(ctx context.Context) error {
	now := j.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	due, err := j.ledger.ListDue(ctx, today, reminderWindow)
	if err != nil {
		return fmt.Errorf("list due subscriptions: %w", err)
	}

	count := 0
	var errs []error
	for _, sub := range due {
		daysLeft := int(sub.EndDate.Sub(today).Hours() / 24)
		switch {
		case daysLeft <= 0 && !sub.Remind0Sent:
		case daysLeft == 3 && !sub.Remind3Sent:
		default:
			continue
		}

		if err := j.notifier.NotifyUser(ctx, sub.TgID, j.reminderText(sub, daysLeft)); err != nil {
			// not marked as sent, the next cycle retries
			errs = append(errs, fmt.Errorf("remind tg %d: %w", sub.TgID, err))
			continue
		}
		if err := j.ledger.MarkReminderSent(ctx, sub.ID, daysLeft); err != nil {
			errs = append(errs, fmt.Errorf("mark reminder for subscription %d: %w", sub.ID, err))
			continue
		}
		count++
	}

	if j.metrics != nil && count > 0 {
		j.metrics.AddProcessed(j.Name(), count)
	}
	return multierr.Combine(errs...)
}

func (j *renewalReminderJob) reminderText(sub models.Subscription, daysLeft int) string {
	name := sub.ProductCode
	if product, ok := j.catalog.Get(sub.ProductCode); ok {
		name = product.Name
	}
	if daysLeft <= 0 {
		return fmt.Sprintf("⏰ Подписка «%s» истекает сегодня. Продлите её, чтобы не потерять доступ.", name)
	}
	return fmt.Sprintf("⏰ Подписка «%s» истекает через %d дн. (%s). Продлить можно заранее.", name, daysLeft, sub.EndDate.Format("02.01.2006"))
}
