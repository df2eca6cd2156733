package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/khabusiness/rusbridge-backend/api/routes"
	"github.com/khabusiness/rusbridge-backend/internal/audit"
	"github.com/khabusiness/rusbridge-backend/internal/blocklist"
	"github.com/khabusiness/rusbridge-backend/internal/catalog"
	"github.com/khabusiness/rusbridge-backend/internal/orderflow"
	"github.com/khabusiness/rusbridge-backend/internal/orders"
	"github.com/khabusiness/rusbridge-backend/internal/payments"
	"github.com/khabusiness/rusbridge-backend/internal/subscriptions"
	"github.com/khabusiness/rusbridge-backend/internal/users"
	robokassawebhook "github.com/khabusiness/rusbridge-backend/internal/webhooks/robokassa"
	"github.com/khabusiness/rusbridge-backend/pkg/config"
	"github.com/khabusiness/rusbridge-backend/pkg/db"
	"github.com/khabusiness/rusbridge-backend/pkg/logger"
	"github.com/khabusiness/rusbridge-backend/pkg/migrate"
	"github.com/khabusiness/rusbridge-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	robokassa, err := payments.NewRobokassa(cfg.Payment)
	if err != nil {
		logg.Error(context.Background(), "failed to create payment adapter", err)
		os.Exit(1)
	}

	engine, err := orderflow.NewService(
		orders.NewRepository(dbClient.DB()),
		subscriptions.NewRepository(dbClient.DB()),
		users.NewRepository(dbClient.DB()),
		blocklist.NewRepository(dbClient.DB()),
		audit.NewRepository(dbClient.DB()),
		cat,
		robokassa,
		dbClient,
		cfg.OrderFlow,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create order engine", err)
		os.Exit(1)
	}

	webhookGuard, err := robokassawebhook.NewIdempotencyGuard(redisClient, cfg.Cron.WebhookIdempotencyTTL, "robokassa-result")
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":              cfg.App.Env,
		"addr":             addr,
		"payment_stub":     cfg.Payment.TestMode,
		"orderflow_test":   cfg.OrderFlow.TestMode,
		"catalog_products": cat.Len(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, cat, engine, robokassa, webhookGuard),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
