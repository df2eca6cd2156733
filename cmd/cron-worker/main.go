package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khabusiness/rusbridge-backend/internal/catalog"
	"github.com/khabusiness/rusbridge-backend/internal/cron"
	"github.com/khabusiness/rusbridge-backend/internal/orders"
	"github.com/khabusiness/rusbridge-backend/internal/subscriptions"
	"github.com/khabusiness/rusbridge-backend/pkg/config"
	"github.com/khabusiness/rusbridge-backend/pkg/db"
	"github.com/khabusiness/rusbridge-backend/pkg/logger"
	"github.com/khabusiness/rusbridge-backend/pkg/metrics"
	"github.com/khabusiness/rusbridge-backend/pkg/migrate"
	"github.com/khabusiness/rusbridge-backend/pkg/redis"
)

const lockKeyFormat = "cron-worker:%s:%s"

// logNotifier surfaces job messages in the worker log. Actual delivery to
// Telegram happens in the bot, which polls order state over the API.
type logNotifier struct {
	logg *logger.Logger
}

func (n *logNotifier) NotifyUser(ctx context.Context, tgID int64, text string) error {
	n.logg.Info(n.logg.WithFields(ctx, map[string]any{"tg_id": tgID, "notify": text}), "user notification queued")
	return nil
}

func (n *logNotifier) NotifyAdmins(ctx context.Context, text string) error {
	n.logg.Info(n.logg.WithField(ctx, "notify", text), "admin notification queued")
	return nil
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	cat, err := catalog.Load(cfg.Catalog.ProductsFile)
	if err != nil {
		logg.Error(context.Background(), "failed to load product catalog", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	notifier := &logNotifier{logg: logg}

	timeoutJob, err := cron.NewOrderTimeoutJob(cron.OrderTimeoutJobParams{
		Logger:   logg,
		Ledger:   orders.NewRepository(dbClient.DB()),
		Notifier: notifier,
		Metrics:  metricsCollector,
		Flow:     cfg.OrderFlow,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create order timeout job", err)
		os.Exit(1)
	}

	reminderJob, err := cron.NewRenewalReminderJob(cron.RenewalReminderJobParams{
		Logger:   logg,
		Ledger:   subscriptions.NewRepository(dbClient.DB()),
		Catalog:  cat,
		Notifier: notifier,
		Metrics:  metricsCollector,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create renewal reminder job", err)
		os.Exit(1)
	}

	timeoutService, err := newCadence(logg, cfg, metricsCollector, redisClient, "timeouts", cfg.Cron.TimeoutScanInterval, timeoutJob)
	if err != nil {
		logg.Error(context.Background(), "failed to create timeout cadence", err)
		os.Exit(1)
	}
	reminderService, err := newCadence(logg, cfg, metricsCollector, redisClient, "reminders", cfg.Cron.RemindersInterval, reminderJob)
	if err != nil {
		logg.Error(context.Background(), "failed to create reminder cadence", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":            cfg.App.Env,
		"serviceKind":    cfg.Service.Kind,
		"orderflow_test": cfg.OrderFlow.TestMode,
	})
	logg.Info(ctx, "starting cron worker")

	metricsServer := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics server stopped unexpectedly", err)
		}
	}()
	defer metricsServer.Close()

	var wg sync.WaitGroup
	for _, service := range []*cron.Service{timeoutService, reminderService} {
		wg.Add(1)
		go func(svc *cron.Service) {
			defer wg.Done()
			if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error(ctx, "cron service stopped unexpectedly", err)
			}
		}(service)
	}
	wg.Wait()

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func newCadence(
	logg *logger.Logger,
	cfg *config.Config,
	metricsCollector *metrics.CronJobMetrics,
	redisClient *redis.Client,
	name string,
	interval time.Duration,
	jobs ...cron.Job,
) (*cron.Service, error) {
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockKey(cfg.App.Env, name)), 0)
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Name:     name,
		Logger:   logg,
		Registry: cron.NewRegistry(jobs...),
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: interval,
	})
}

func lockKey(env, cadence string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env, cadence)
}
