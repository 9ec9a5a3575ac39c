package fetcher

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// ParseCookieHeader parses a "name=value; name2=value2" string, as copied from
// a browser, into cookies scoped to domain.
func ParseCookieHeader(header, domain string) ([]acquire.Cookie, error) {
	header = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Cookie:"))
	if header == "" {
		return nil, nil
	}
	parsed, err := http.ParseCookie(header)
	if err != nil {
		return nil, fmt.Errorf("parse cookie header: %w", err)
	}
	cookies := make([]acquire.Cookie, 0, len(parsed))
	for _, c := range parsed {
		cookies = append(cookies, acquire.Cookie{Name: c.Name, Value: c.Value, Domain: domain})
	}
	return cookies, nil
}
