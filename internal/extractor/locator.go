package extractor

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ramkansal/csvgrab/pkg/acquire"
)

const (
	// discoverySelector lists the elements scanned by heuristic discovery.
	discoverySelector = "a, button"
	// textSelector lists the clickable containers searched by visible text.
	textSelector = "a, button, li, div, span, [role=button], [role=tab]"
)

// Weights are the per-factor points of heuristic discovery scoring.
type Weights struct {
	DownloadPath int `mapstructure:"download_path"`
	Vocabulary   int `mapstructure:"vocabulary"`
	Token        int `mapstructure:"token"`
}

// DefaultWeights gives every factor one point.
func DefaultWeights() Weights {
	return Weights{DownloadPath: 1, Vocabulary: 1, Token: 1}
}

// LocatorConfig holds the compiled patterns used to rank affordances.
type LocatorConfig struct {
	DownloadPattern *regexp.Regexp
	Vocabulary      *regexp.Regexp
	Weights         Weights
}

// Locator finds download affordances in one rendered DOM snapshot.
type Locator struct {
	cfg       LocatorConfig
	doc       *goquery.Document
	base      *url.URL
	inspected []acquire.Affordance
}

// NewLocator parses the rendered HTML of the page at pageURL.
func NewLocator(cfg LocatorConfig, html, pageURL string) (*Locator, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse dom snapshot: %w", err)
	}
	base, _ := url.Parse(pageURL)
	return &Locator{cfg: cfg, doc: doc, base: base}, nil
}

// FindByReference resolves an exact identifier (id, then name, then
// data-testid). A leading '#' is ignored. It returns nil when absent.
func (l *Locator) FindByReference(ref string) *acquire.Affordance {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "#")
	if ref == "" {
		return nil
	}
	for _, attr := range []string{"id", "name", "data-testid"} {
		sel := fmt.Sprintf("[%s=%s]", attr, cssString(ref))
		s := l.doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		a := l.affordance(s, sel, 0)
		return &a
	}
	return nil
}

// FindByVisibleText returns the innermost clickable element whose text
// matches pattern, compiled case-insensitively. An invalid regular expression
// is matched as a plain substring. It returns nil when nothing matches.
func (l *Locator) FindByVisibleText(pattern string) *acquire.Affordance {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(pattern))
	}

	var (
		best    *acquire.Affordance
		bestSel *goquery.Selection
		bestLen int
	)
	l.doc.Find(textSelector).Each(func(i int, s *goquery.Selection) {
		text := visibleText(s)
		if text == "" || !re.MatchString(text) {
			return
		}
		// Containers match too; the shortest text is the innermost control.
		if best == nil || len(text) < bestLen || (len(text) == bestLen && bestSel.Contains(s.Get(0))) {
			a := l.affordance(s, textSelector, i)
			best = &a
			bestSel = s
			bestLen = len(text)
		}
	})
	return best
}

// Discover scans every anchor and button, scores the ones whose href matches
// the download-path pattern and returns them ranked by descending score.
// Ties keep DOM order. The result is empty when nothing qualifies.
func (l *Locator) Discover(token string) []acquire.Affordance {
	token = strings.ToLower(strings.TrimSpace(token))
	l.inspected = l.inspected[:0]

	var candidates []acquire.Affordance
	l.doc.Find(discoverySelector).Each(func(i int, s *goquery.Selection) {
		a := l.affordance(s, discoverySelector, i)

		eligible := a.Href != "" && l.cfg.DownloadPattern != nil && l.cfg.DownloadPattern.MatchString(l.downloadTarget(a.Href))
		if eligible {
			a.Score += l.cfg.Weights.DownloadPath
		}
		if l.cfg.Vocabulary != nil && (l.cfg.Vocabulary.MatchString(a.Text) || l.cfg.Vocabulary.MatchString(a.ID)) {
			a.Score += l.cfg.Weights.Vocabulary
		}
		if token != "" && (strings.Contains(strings.ToLower(a.Text), token) || strings.Contains(strings.ToLower(a.ID), token)) {
			a.Score += l.cfg.Weights.Token
		}

		l.inspected = append(l.inspected, a)
		if eligible {
			candidates = append(candidates, a)
		}
	})

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

// Inspected returns every element examined by the last Discover call.
func (l *Locator) Inspected() []acquire.Affordance {
	out := make([]acquire.Affordance, len(l.inspected))
	copy(out, l.inspected)
	return out
}

// downloadTarget is the part of a resolved href the download-path pattern
// is matched against: path, query and fragment, never the host. A link back
// to the current page contributes only its fragment.
func (l *Locator) downloadTarget(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if l.base != nil && u.Scheme == l.base.Scheme && u.Host == l.base.Host &&
		u.Path == l.base.Path && u.RawQuery == l.base.RawQuery {
		return u.Fragment
	}
	target := u.Path
	if u.Opaque != "" {
		target = u.Opaque
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		target += "#" + u.Fragment
	}
	return target
}

func (l *Locator) affordance(s *goquery.Selection, selector string, index int) acquire.Affordance {
	tag := goquery.NodeName(s)
	id, _ := s.Attr("id")

	var href string
	for _, attr := range []string{"href", "data-href", "data-url", "formaction"} {
		if v, ok := s.Attr(attr); ok {
			href = resolveURL(l.base, v)
			break
		}
	}

	return acquire.Affordance{
		ID:       id,
		Text:     truncate(visibleText(s), 120),
		Href:     href,
		Tag:      tag,
		Selector: selector,
		Index:    index,
		Order:    index,
	}
}
