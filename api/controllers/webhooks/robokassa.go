package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/khabusiness/rusbridge-backend/internal/orderflow"
	"github.com/khabusiness/rusbridge-backend/pkg/logger"
)

type paymentEngine interface {
	HandlePaymentWebhook(ctx context.Context, invID int64, outSum, paymentStatusText string) (*orderflow.WebhookResult, error)
}

type signatureVerifier interface {
	VerifyResultSignature(params map[string]string) bool
	TestMode() bool
}

type webhookGuard interface {
	CheckAndMark(ctx context.Context, deliveryID string) (bool, error)
	Delete(ctx context.Context, deliveryID string) error
}

// RobokassaResult handles the provider's payment confirmation callback. The
// protocol is form-encoded and expects a plain-text "OK<InvId>" answer; any
// other body makes the provider retry the delivery.
func RobokassaResult(engine paymentEngine, verifier signatureVerifier, guard webhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if engine == nil || verifier == nil || guard == nil {
			writePlain(w, http.StatusInternalServerError, "error")
			return
		}

		if err := r.ParseForm(); err != nil {
			writePlain(w, http.StatusBadRequest, "bad request")
			return
		}

		params := map[string]string{}
		for key := range r.Form {
			params[key] = r.Form.Get(key)
		}

		invIDRaw := params["InvId"]
		invID, err := strconv.ParseInt(invIDRaw, 10, 64)
		if err != nil || invID <= 0 {
			writePlain(w, http.StatusBadRequest, "bad InvId")
			return
		}

		// stub mode issues unsigned mock links, so there is nothing to verify
		if !verifier.TestMode() && !verifier.VerifyResultSignature(params) {
			if logg != nil {
				logg.Warn(logg.WithField(ctx, "inv_id", invID), "payment callback signature rejected")
			}
			writePlain(w, http.StatusBadRequest, "bad sign")
			return
		}

		alreadySeen, err := guard.CheckAndMark(ctx, invIDRaw)
		if err != nil {
			if logg != nil {
				logg.Error(ctx, "payment callback idempotency check failed", err)
			}
			writePlain(w, http.StatusInternalServerError, "error")
			return
		}
		if alreadySeen {
			writePlain(w, http.StatusOK, "OK"+invIDRaw)
			return
		}

		result, err := engine.HandlePaymentWebhook(ctx, invID, params["OutSum"], "payment confirmed")
		if err != nil {
			// drop the mark so the provider's retry gets a clean attempt
			_ = guard.Delete(ctx, invIDRaw)
			if logg != nil {
				logg.Error(logg.WithField(ctx, "inv_id", invID), "payment callback processing failed", err)
			}
			writePlain(w, http.StatusInternalServerError, "error")
			return
		}

		if logg != nil {
			fields := map[string]any{
				"inv_id":  invID,
				"updated": result.Updated,
				"reason":  result.Reason,
			}
			if result.Order != nil {
				fields["order_id"] = result.Order.OrderID
			}
			logg.Info(logg.WithFields(ctx, fields), "payment callback handled")
		}
		writePlain(w, http.StatusOK, "OK"+invIDRaw)
	}
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}
