package payments

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/khabusiness/rusbridge-backend/pkg/config"
)

func prodConfig() config.PaymentConfig {
	return config.PaymentConfig{
		TestMode:      false,
		MerchantLogin: "rusbridge",
		Password1:     "pass-one",
		Password2:     "pass-two",
		HashAlgo:      "md5",
		SuccessURL:    "https://example.com/success",
		FailURL:       "https://example.com/fail",
	}
}

func TestNewRobokassaRejectsUnknownAlgo(t *testing.T) {
	cfg := prodConfig()
	cfg.HashAlgo = "crc32"
	if _, err := NewRobokassa(cfg); err == nil {
		t.Fatalf("expected error for unsupported algorithm")
	}
}

func TestCreatePaymentLinkStubMode(t *testing.T) {
	cfg := config.PaymentConfig{
		TestMode:       true,
		MockSuccessURL: "https://example.com/mock-success",
		MockFailURL:    "https://example.com/mock-fail",
		HashAlgo:       "md5",
	}
	svc, err := NewRobokassa(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	link := svc.CreatePaymentLink("RB-20260829120000-AB12", 42, 990, "VPN Premium")
	if link.ProviderMode != ModeStub {
		t.Fatalf("expected stub mode, got %s", link.ProviderMode)
	}
	if link.PayURL != cfg.MockSuccessURL {
		t.Fatalf("stub link should use mock url, got %s", link.PayURL)
	}
	if link.OutSum != "990.00" {
		t.Fatalf("expected OutSum 990.00, got %s", link.OutSum)
	}
	if link.InvID != 42 {
		t.Fatalf("expected inv id 42, got %d", link.InvID)
	}
}

func TestCreatePaymentLinkSignsQuery(t *testing.T) {
	svc, err := NewRobokassa(prodConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	link := svc.CreatePaymentLink("RB-20260829120000-AB12", 7, 1490, "VPN Premium (RB-...)")
	if link.ProviderMode != ModeRobokassa {
		t.Fatalf("expected provider mode, got %s", link.ProviderMode)
	}

	parsed, err := url.Parse(link.PayURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := parsed.Query()
	if q.Get("MerchantLogin") != "rusbridge" || q.Get("InvId") != "7" || q.Get("OutSum") != "1490.00" {
		t.Fatalf("unexpected query: %v", q)
	}
	if q.Get("IsTest") != "" {
		t.Fatalf("IsTest should be absent")
	}

	base := strings.Join([]string{
		"rusbridge", "1490.00", "7", "pass-one", "Shp_order_id=RB-20260829120000-AB12",
	}, ":")
	sum := md5.Sum([]byte(base))
	if q.Get("SignatureValue") != hex.EncodeToString(sum[:]) {
		t.Fatalf("signature mismatch")
	}
}

func TestVerifyResultSignature(t *testing.T) {
	svc, err := NewRobokassa(prodConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	outSum := "990.00"
	invID := "42"
	base := fmt.Sprintf("%s:%s:%s:Shp_order_id=RB-1", outSum, invID, "pass-two")
	sum := md5.Sum([]byte(base))

	params := map[string]string{
		"OutSum":         outSum,
		"InvId":          invID,
		"SignatureValue": strings.ToUpper(hex.EncodeToString(sum[:])),
		"Shp_order_id":   "RB-1",
	}
	if !svc.VerifyResultSignature(params) {
		t.Fatalf("expected signature to verify (case-insensitive)")
	}

	params["SignatureValue"] = "deadbeef"
	if svc.VerifyResultSignature(params) {
		t.Fatalf("expected bad signature to fail")
	}

	params["SignatureValue"] = ""
	if svc.VerifyResultSignature(params) {
		t.Fatalf("expected empty signature to fail")
	}
}

func TestFormatOutSum(t *testing.T) {
	if got := FormatOutSum(990); got != "990.00" {
		t.Fatalf("expected 990.00, got %s", got)
	}
	if got := FormatOutSum(0); got != "0.00" {
		t.Fatalf("expected 0.00, got %s", got)
	}
}
