package extractor

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// resolveURL resolves a potentially relative URL against a base URL.
func resolveURL(base *url.URL, raw string) string {
	if base == nil {
		return raw
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// ResolveURL resolves raw against the page URL. Unparseable input is returned as is.
func ResolveURL(pageURL, raw string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return raw
	}
	return resolveURL(base, raw)
}

// IsReadyHref reports whether href points at a concrete resource rather than
// a placeholder: an absolute http(s) URL that is not just a fragment of the
// current page and that matches ready.
func IsReadyHref(href, pageURL string, ready *regexp.Regexp) bool {
	href = strings.TrimSpace(href)
	if href == "" {
		return false
	}
	u, err := url.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if page, err := url.Parse(pageURL); err == nil && u.Fragment != "" {
		u2 := *u
		u2.Fragment = ""
		p2 := *page
		p2.Fragment = ""
		if u2.String() == p2.String() {
			return false
		}
	}
	return ready == nil || ready.MatchString(href)
}

// visibleText collapses the text of s into single-spaced form, falling back to
// aria-label and title for icon-only controls.
func visibleText(s *goquery.Selection) string {
	text := strings.Join(strings.Fields(s.Text()), " ")
	if text != "" {
		return text
	}
	for _, attr := range []string{"aria-label", "title", "value"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// cssString quotes v for use inside a CSS attribute selector.
func cssString(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}

// truncate limits a string to maxLen runes.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
