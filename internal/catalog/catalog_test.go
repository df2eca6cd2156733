package catalog

import (
	"testing"
)

const sampleProducts = `[
  {
    "code": "vpn_1m",
    "name": "VPN Premium, 1 month",
    "price_rub": 990,
    "duration_days": 30,
    "allowed_domains": ["example.com"]
  },
  {
    "code": "proxy_1m",
    "name": "Proxy, 1 month",
    "price_rub": 490,
    "display_price": "490 ₽ (акция)",
    "duration_days": 30,
    "hidden": true
  }
]`

func TestParseAndLookup(t *testing.T) {
	cat, err := Parse([]byte(sampleProducts))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("expected 2 products, got %d", cat.Len())
	}

	vpn, ok := cat.Get("vpn_1m")
	if !ok {
		t.Fatalf("vpn_1m not found")
	}
	if vpn.PriceRub != 990 || vpn.DurationDays != 30 {
		t.Fatalf("unexpected product fields: %+v", vpn)
	}
	if vpn.ServiceLinkPrompt == "" || vpn.InstructionTemplate == "" {
		t.Fatalf("prompt defaults should be applied")
	}
	if vpn.PriceLabel() != "990 ₽" {
		t.Fatalf("unexpected price label %q", vpn.PriceLabel())
	}

	proxy, _ := cat.Get("proxy_1m")
	if proxy.PriceLabel() != "490 ₽ (акция)" {
		t.Fatalf("display price should win: %q", proxy.PriceLabel())
	}
}

func TestVisibleSkipsHidden(t *testing.T) {
	cat, err := Parse([]byte(sampleProducts))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	visible := cat.Visible()
	if len(visible) != 1 || visible[0].Code != "vpn_1m" {
		t.Fatalf("expected only vpn_1m visible, got %+v", visible)
	}
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := map[string]string{
		"duplicate code": `[{"code":"a","name":"A","price_rub":1,"duration_days":30},{"code":"a","name":"A2","price_rub":1,"duration_days":30}]`,
		"empty code":     `[{"code":"","name":"A","price_rub":1,"duration_days":30}]`,
		"negative price": `[{"code":"a","name":"A","price_rub":-5,"duration_days":30}]`,
		"zero duration":  `[{"code":"a","name":"A","price_rub":1,"duration_days":0}]`,
		"malformed json": `{`,
	}
	for name, payload := range cases {
		if _, err := Parse([]byte(payload)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
