package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/khabusiness/rusbridge-backend/api/controllers"
	ordercontrollers "github.com/khabusiness/rusbridge-backend/api/controllers/orders"
	webhookcontrollers "github.com/khabusiness/rusbridge-backend/api/controllers/webhooks"
	"github.com/khabusiness/rusbridge-backend/api/middleware"
	"github.com/khabusiness/rusbridge-backend/internal/catalog"
	"github.com/khabusiness/rusbridge-backend/internal/orderflow"
	"github.com/khabusiness/rusbridge-backend/internal/payments"
	robokassawebhook "github.com/khabusiness/rusbridge-backend/internal/webhooks/robokassa"
	"github.com/khabusiness/rusbridge-backend/pkg/config"
	"github.com/khabusiness/rusbridge-backend/pkg/db"
	"github.com/khabusiness/rusbridge-backend/pkg/logger"
	"github.com/khabusiness/rusbridge-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	cacheP redis.Pinger,
	cat *catalog.Catalog,
	engine orderflow.Service,
	robokassa *payments.Robokassa,
	webhookGuard *robokassawebhook.IdempotencyGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, cacheP))
	})

	// Result URL registered in the merchant cabinet. The versioned alias exists
	// so the callback can move under /api/v1 without reconfiguring the cabinet.
	resultHandler := webhookcontrollers.RobokassaResult(engine, robokassa, webhookGuard, logg)
	r.Post("/payment/robokassa/result", resultHandler)
	r.Post("/api/v1/webhooks/robokassa/result", resultHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/products", controllers.Products(cat))

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", ordercontrollers.Create(engine, logg))
			r.Route("/{orderID}", func(r chi.Router) {
				r.Get("/", ordercontrollers.Get(engine, logg))
				r.Post("/service-link", ordercontrollers.SetServiceLink(engine, logg))
				r.Post("/confirm", ordercontrollers.Confirm(engine, logg))
				r.Post("/claim", ordercontrollers.Claim(engine, logg))
				r.Post("/in-progress", ordercontrollers.InProgress(engine, logg))
				r.Post("/done", ordercontrollers.Done(engine, logg))
				r.Post("/error", ordercontrollers.MarkError(engine, logg))
				r.Post("/cancel", ordercontrollers.Cancel(engine, logg))
			})
		})

		r.Get("/users/{tgID}/orders", ordercontrollers.ListByUser(engine, logg))
	})

	return r
}
