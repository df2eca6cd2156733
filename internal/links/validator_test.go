package links

import "testing"

func TestValidateServiceLink(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		allowed    []string
		wantValid  bool
		wantCode   string
		wantResult string
	}{
		{
			name:       "valid with path and query",
			raw:        "  https://Pay.Example.com/invoice/123?ref=abc  ",
			allowed:    []string{"example.com"},
			wantValid:  true,
			wantResult: "https://pay.example.com/invoice/123?ref=abc",
		},
		{
			name:       "subdomain of allowed domain",
			raw:        "https://billing.example.com/x",
			allowed:    []string{"example.com"},
			wantValid:  true,
			wantResult: "https://billing.example.com/x",
		},
		{
			name:       "no allowlist accepts any https host",
			raw:        "https://anything.io/pay",
			wantValid:  true,
			wantResult: "https://anything.io/pay",
		},
		{name: "empty", raw: "   ", wantCode: ErrCodeEmpty},
		{name: "extra words", raw: "вот ссылка https://example.com", wantCode: ErrCodeNotSingle},
		{name: "http scheme", raw: "http://example.com/pay", wantCode: ErrCodeScheme},
		{name: "no scheme", raw: "example.com/pay", wantCode: ErrCodeScheme},
		{name: "shortener", raw: "https://bit.ly/3xyz", wantCode: ErrCodeShortener},
		{
			name:     "domain outside allowlist",
			raw:      "https://evil.io/pay",
			allowed:  []string{"example.com"},
			wantCode: ErrCodeDomain,
		},
		{
			name:     "lookalike suffix is rejected",
			raw:      "https://notexample.com/pay",
			allowed:  []string{"example.com"},
			wantCode: ErrCodeDomain,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ValidateServiceLink(tc.raw, tc.allowed)
			if res.IsValid != tc.wantValid {
				t.Fatalf("valid=%v, want %v (code=%s)", res.IsValid, tc.wantValid, res.ErrorCode)
			}
			if tc.wantValid && res.NormalizedURL != tc.wantResult {
				t.Fatalf("normalized=%q, want %q", res.NormalizedURL, tc.wantResult)
			}
			if !tc.wantValid {
				if res.ErrorCode != tc.wantCode {
					t.Fatalf("code=%q, want %q", res.ErrorCode, tc.wantCode)
				}
				if res.ErrorText == "" {
					t.Fatalf("rejections must carry user-facing text")
				}
			}
		})
	}
}
