// Package links validates the service link a paying client submits before an
// operator sees it.
package links

import (
	"net/url"
	"strings"
)

// Rejection codes returned in Result.ErrorCode.
const (
	ErrCodeEmpty     = "empty"
	ErrCodeNotSingle = "not_single_url"
	ErrCodeScheme    = "scheme"
	ErrCodeHost      = "host"
	ErrCodeShortener = "shortener"
	ErrCodeDomain    = "domain"
)

// blockedShortDomains are URL shorteners that hide the real destination.
var blockedShortDomains = map[string]struct{}{
	"bit.ly":      {},
	"t.co":        {},
	"tinyurl.com": {},
	"goo.gl":      {},
	"vk.cc":       {},
}

// Result is the validation outcome. NormalizedURL is set only on success.
type Result struct {
	IsValid       bool
	NormalizedURL string
	ErrorCode     string
	ErrorText     string
}

func reject(code, text string) Result {
	return Result{ErrorCode: code, ErrorText: text}
}

// ValidateServiceLink checks a raw message and normalizes it to
// https://<host><path>[?query]. An empty allowedDomains list accepts any
// non-shortener https host.
func ValidateServiceLink(rawText string, allowedDomains []string) Result {
	candidate := strings.TrimSpace(rawText)
	if candidate == "" {
		return reject(ErrCodeEmpty, "Пустое сообщение. Нужна ссылка.")
	}
	if strings.Contains(candidate, " ") {
		return reject(ErrCodeNotSingle, "Нужна одна ссылка без дополнительных слов.")
	}

	parsed, err := url.Parse(candidate)
	if err != nil || !strings.EqualFold(parsed.Scheme, "https") {
		return reject(ErrCodeScheme, "Ссылка должна начинаться с https://")
	}

	host := strings.Trim(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return reject(ErrCodeHost, "Не удалось определить домен в ссылке.")
	}
	if _, blocked := blockedShortDomains[host]; blocked {
		return reject(ErrCodeShortener, "Сокращённые ссылки не принимаются.")
	}

	normalized := "https://" + host + parsed.Path
	if parsed.RawQuery != "" {
		normalized += "?" + parsed.RawQuery
	}

	if len(allowedDomains) > 0 {
		good := false
		for _, domain := range allowedDomains {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				good = true
				break
			}
		}
		if !good {
			return reject(ErrCodeDomain, "Ожидается домен: "+strings.Join(allowedDomains, ", "))
		}
	}

	return Result{IsValid: true, NormalizedURL: normalized}
}
