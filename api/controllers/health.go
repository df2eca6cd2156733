package controllers

import (
	"context"
	"net/http"

	"github.com/khabusiness/rusbridge-backend/api/responses"
	"github.com/khabusiness/rusbridge-backend/pkg/config"
	pkgerrors "github.com/khabusiness/rusbridge-backend/pkg/errors"
	"github.com/khabusiness/rusbridge-backend/pkg/logger"
)

const envHeader = "X-RusBridge-Env"

type pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

func HealthReady(cfg *config.Config, logg *logger.Logger, db pinger, cache pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		ctx := r.Context()

		deps := map[string]string{}
		var failed bool
		check := func(name string, p pinger) {
			if p == nil {
				deps[name] = "skipped"
				return
			}
			if err := p.Ping(ctx); err != nil {
				deps[name] = "down"
				failed = true
				if logg != nil {
					logg.Error(logg.WithField(ctx, "dependency", name), "readiness check failed", err)
				}
				return
			}
			deps[name] = "up"
		}
		check("postgres", db)
		check("redis", cache)

		if failed {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeDependency, "dependency not ready").WithDetails(deps))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "deps": deps})
	}
}
