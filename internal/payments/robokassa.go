// Package payments builds provider payment links and verifies result
// callbacks. In test mode the service returns static stub URLs and skips
// signing, so the rest of the pipeline runs without provider credentials.
package payments

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/khabusiness/rusbridge-backend/pkg/config"
)

const payBaseURL = "https://auth.robokassa.ru/Merchant/Index.aspx"

// Provider modes reported on generated links.
const (
	ModeStub      = "stub"
	ModeRobokassa = "robokassa"
)

// Link is a ready-to-present payment link.
type Link struct {
	PayURL       string
	SuccessURL   string
	FailURL      string
	InvID        int64
	OutSum       string
	ProviderMode string
}

// Robokassa signs and verifies provider requests.
type Robokassa struct {
	cfg config.PaymentConfig
}

// NewRobokassa validates the configured hash algorithm up front.
func NewRobokassa(cfg config.PaymentConfig) (*Robokassa, error) {
	switch cfg.Algo() {
	case "md5", "sha1", "sha256", "sha512":
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", cfg.HashAlgo)
	}
	return &Robokassa{cfg: cfg}, nil
}

func (r *Robokassa) digest(payload string) string {
	data := []byte(payload)
	switch r.cfg.Algo() {
	case "md5":
		sum := md5.Sum(data)
		return hex.EncodeToString(sum[:])
	case "sha1":
		sum := sha1.Sum(data)
		return hex.EncodeToString(sum[:])
	case "sha256":
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha512.Sum512(data)
		return hex.EncodeToString(sum[:])
	}
}

func sortedShpParts(shp map[string]string) []string {
	keys := make([]string, 0, len(shp))
	for key := range shp {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, shp[key]))
	}
	return parts
}

// FormatOutSum renders the amount the way the provider expects: two decimals.
func FormatOutSum(amountRub int64) string {
	return decimal.NewFromInt(amountRub).StringFixed(2)
}

// CreatePaymentLink builds the redirect URL for an invoice. The signature
// covers login, amount, invoice id and the Shp_ user fields sorted
// case-insensitively.
func (r *Robokassa) CreatePaymentLink(orderID string, invID int64, amountRub int64, description string) Link {
	outSum := FormatOutSum(amountRub)

	if r.cfg.TestMode {
		return Link{
			PayURL:       r.cfg.MockSuccessURL,
			SuccessURL:   r.cfg.MockSuccessURL,
			FailURL:      r.cfg.MockFailURL,
			InvID:        invID,
			OutSum:       outSum,
			ProviderMode: ModeStub,
		}
	}

	shp := map[string]string{"Shp_order_id": orderID}
	parts := append(
		[]string{r.cfg.MerchantLogin, outSum, strconv.FormatInt(invID, 10), r.cfg.Password1},
		sortedShpParts(shp)...,
	)
	signature := r.digest(strings.Join(parts, ":"))

	query := url.Values{}
	query.Set("MerchantLogin", r.cfg.MerchantLogin)
	query.Set("OutSum", outSum)
	query.Set("InvId", strconv.FormatInt(invID, 10))
	query.Set("Description", description)
	query.Set("SignatureValue", signature)
	query.Set("Culture", "ru")
	query.Set("Shp_order_id", orderID)
	if r.cfg.IsTest {
		query.Set("IsTest", "1")
	}

	return Link{
		PayURL:       payBaseURL + "?" + query.Encode(),
		SuccessURL:   r.cfg.SuccessURL,
		FailURL:      r.cfg.FailURL,
		InvID:        invID,
		OutSum:       outSum,
		ProviderMode: ModeRobokassa,
	}
}

// VerifyResultSignature checks the callback signature built over
// OutSum:InvId:password2 plus the sorted Shp_ fields.
func (r *Robokassa) VerifyResultSignature(params map[string]string) bool {
	outSum := strings.TrimSpace(params["OutSum"])
	invID := strings.TrimSpace(params["InvId"])
	provided := strings.ToLower(strings.TrimSpace(params["SignatureValue"]))
	if provided == "" {
		return false
	}

	shp := map[string]string{}
	for key, value := range params {
		if strings.HasPrefix(key, "Shp_") {
			shp[key] = value
		}
	}

	parts := append([]string{outSum, invID, r.cfg.Password2}, sortedShpParts(shp)...)
	expected := strings.ToLower(r.digest(strings.Join(parts, ":")))
	return expected == provided
}

// TestMode reports whether the adapter runs with stub links.
func (r *Robokassa) TestMode() bool {
	return r.cfg.TestMode
}
