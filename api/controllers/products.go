package controllers

import (
	"net/http"

	"github.com/khabusiness/rusbridge-backend/api/responses"
	"github.com/khabusiness/rusbridge-backend/internal/catalog"
)

type productResponse struct {
	Code         string   `json:"code"`
	Name         string   `json:"name"`
	PriceRub     int64    `json:"price_rub"`
	DisplayPrice string   `json:"display_price"`
	DurationDays int      `json:"duration_days"`
	Requirements []string `json:"requirements,omitempty"`
}

// Products lists the purchasable catalog in its configured order.
func Products(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		visible := cat.Visible()
		out := make([]productResponse, 0, len(visible))
		for _, product := range visible {
			out = append(out, productResponse{
				Code:         product.Code,
				Name:         product.Name,
				PriceRub:     product.PriceRub,
				DisplayPrice: product.PriceLabel(),
				DurationDays: product.DurationDays,
				Requirements: product.Requirements,
			})
		}
		responses.WriteSuccess(w, out)
	}
}
