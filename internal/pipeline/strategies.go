package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ramkansal/csvgrab/internal/capture"
	"github.com/ramkansal/csvgrab/internal/extractor"
	"github.com/ramkansal/csvgrab/internal/fetcher"
	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// strategy is one entry of the fallback chain.
type strategy struct {
	name string
	run  func(ctx context.Context, st *runState) (*acquire.DownloadResult, error)
}

// skipError marks a strategy whose prerequisites are not configured.
type skipError struct{ reason string }

func (e *skipError) Error() string { return e.reason }

func skip(reason string) error { return &skipError{reason: reason} }

// runState is shared by the strategies of one run.
type runState struct {
	target         acquire.Target
	page           acquire.Page
	presetCookies  []acquire.Cookie
	browserCookies []acquire.Cookie

	attempts  []acquire.Attempt
	inspected map[string]acquire.Affordance
	order     []string
	tried     map[string]bool

	// failedFetches holds the error of every href whose fetch failed.
	failedFetches map[string]error
}

func newRunState(target acquire.Target, preset []acquire.Cookie) *runState {
	return &runState{
		target:        target,
		presetCookies: preset,
		inspected:     make(map[string]acquire.Affordance),
		tried:         make(map[string]bool),
		failedFetches: make(map[string]error),
	}
}

func affordanceKey(a acquire.Affordance) string {
	return strings.Join([]string{a.Tag, a.ID, a.Href, a.Text}, "|")
}

// inspect remembers every element examined by discovery, keeping the latest score.
func (st *runState) inspect(items []acquire.Affordance) {
	for _, a := range items {
		k := affordanceKey(a)
		if _, seen := st.inspected[k]; !seen {
			st.order = append(st.order, k)
		}
		st.inspected[k] = a
	}
}

func (st *runState) inspectedList() []acquire.Affordance {
	out := make([]acquire.Affordance, 0, len(st.order))
	for _, k := range st.order {
		out = append(out, st.inspected[k])
	}
	return out
}

func (p *Pipeline) browserStrategies() []strategy {
	return []strategy{
		{name: "reference/href", run: p.referenceHref},
		{name: "reference/download", run: p.referenceDownload},
		{name: "nav-text", run: p.navText},
		{name: "iframe", run: p.iframe},
		{name: "discovery", run: p.discovery},
	}
}

// ---------- browser strategies ----------

func (p *Pipeline) locator(ctx context.Context, st *runState) (*extractor.Locator, error) {
	html, err := st.page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return extractor.NewLocator(p.config.LocatorConfig(), html, st.page.URL())
}

func (p *Pipeline) findReference(ctx context.Context, st *runState) (*acquire.Affordance, error) {
	loc, err := p.locator(ctx, st)
	if err != nil {
		return nil, err
	}
	a := loc.FindByReference(p.config.Reference)
	if a == nil {
		return nil, fmt.Errorf("reference %q: %w", p.config.Reference, acquire.ErrAffordanceNotFound)
	}
	return a, nil
}

// referenceHref fetches the explicit reference's href when it is already ready.
func (p *Pipeline) referenceHref(ctx context.Context, st *runState) (*acquire.DownloadResult, error) {
	if p.config.Reference == "" {
		return nil, skip("no reference configured")
	}
	a, err := p.findReference(ctx, st)
	if err != nil {
		return nil, err
	}
	href, err := st.page.Href(ctx, *a)
	if err != nil {
		return nil, err
	}
	if !p.ready(st, href) {
		return nil, fmt.Errorf("reference %s: href %q is not a ready resource", a.Label(), href)
	}
	return p.fetchHref(ctx, st, href)
}

// referenceDownload clicks the explicit reference and captures the result.
func (p *Pipeline) referenceDownload(ctx context.Context, st *runState) (*acquire.DownloadResult, error) {
	if p.config.Reference == "" {
		return nil, skip("no reference configured")
	}
	a, err := p.findReference(ctx, st)
	if err != nil {
		return nil, err
	}
	return p.clickAndCapture(ctx, st, *a)
}

// retryReference re-runs both reference strategies after the page changed.
func (p *Pipeline) retryReference(ctx context.Context, st *runState, after string) (*acquire.DownloadResult, error) {
	if p.config.Reference == "" {
		return nil, fmt.Errorf("%s; no reference configured to retry", after)
	}
	res, errHref := p.referenceHref(ctx, st)
	if errHref == nil {
		return res, nil
	}
	res, errDownload := p.referenceDownload(ctx, st)
	if errDownload == nil {
		return res, nil
	}
	return nil, multierr.Combine(errHref, errDownload)
}

// navText activates the named tab or panel, then retries the reference.
func (p *Pipeline) navText(ctx context.Context, st *runState) (*acquire.DownloadResult, error) {
	if p.config.NavText == "" {
		return nil, skip("no navigation text configured")
	}
	loc, err := p.locator(ctx, st)
	if err != nil {
		return nil, err
	}
	tab := loc.FindByVisibleText(p.config.NavText)
	if tab == nil {
		return nil, fmt.Errorf("navigation text %q: %w", p.config.NavText, acquire.ErrAffordanceNotFound)
	}

	before, _ := st.page.HTML(ctx)
	if err := st.page.Click(ctx, *tab); err != nil {
		return nil, err
	}
	p.settle(ctx, st, before)
	return p.retryReference(ctx, st, "activated "+tab.Label())
}

// iframe enters the embedded application frame, then retries the reference.
func (p *Pipeline) iframe(ctx context.Context, st *runState) (*acquire.DownloadResult, error) {
	if p.config.FramePattern == "" {
		return nil, skip("no frame pattern configured")
	}
	if st.page.State().CurrentFrameURL != "" {
		return nil, skip("already inside a frame")
	}
	switched, err := st.page.EnterFrame(ctx, p.config.FramePattern)
	if err != nil {
		return nil, err
	}
	if !switched {
		return nil, fmt.Errorf("no frame matching %q: %w", p.config.FramePattern, acquire.ErrAffordanceNotFound)
	}
	return p.retryReference(ctx, st, "entered frame "+st.page.State().CurrentFrameURL)
}

// discovery re-scans the page every discovery interval until the budget is
// spent and captures every new ranked candidate in order.
func (p *Pipeline) discovery(ctx context.Context, st *runState) (*acquire.DownloadResult, error) {
	var (
		errs   error
		passes int
	)
	for {
		passes++
		loc, err := p.locator(ctx, st)
		if err == nil {
			candidates := loc.Discover(p.config.MatchToken)
			st.inspect(loc.Inspected())

			for _, c := range candidates {
				key := affordanceKey(c)
				if st.tried[key] {
					continue
				}
				p.emit(acquire.Event{Type: acquire.EventCandidate, Strategy: "discovery", Candidate: &c})
				p.logger.Info("trying candidate",
					zap.String("element", c.Label()),
					zap.Int("score", c.Score),
					zap.String("href", c.Href),
				)
				res, err := p.captureAffordance(ctx, st, c)
				if err == nil {
					return res, nil
				}
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", c.Label(), err))
			}
		} else if ctx.Err() == nil {
			p.logger.Debug("discovery pass failed", zap.Int("pass", passes), zap.Error(err))
		}

		timer := time.NewTimer(p.config.DiscoveryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errs != nil {
				return nil, errs
			}
			return nil, fmt.Errorf("no capturable candidate after %d passes: %w", passes, acquire.ErrAffordanceNotFound)
		case <-timer.C:
		}
	}
}

// ---------- capture ----------

// captureAffordance fetches a ready href directly, and otherwise clicks the
// element once and captures whatever the click produces.
func (p *Pipeline) captureAffordance(ctx context.Context, st *runState, a acquire.Affordance) (*acquire.DownloadResult, error) {
	href, err := st.page.Href(ctx, a)
	if err != nil {
		return nil, err
	}
	if p.ready(st, href) {
		st.tried[affordanceKey(a)] = true
		return p.fetchHref(ctx, st, href)
	}
	return p.clickAndCapture(ctx, st, a)
}

// clickAndCapture clicks a once. When the href turns ready within the settle
// interval it is fetched; otherwise the same click is awaited as a browser
// download in the watched directory.
func (p *Pipeline) clickAndCapture(ctx context.Context, st *runState, a acquire.Affordance) (*acquire.DownloadResult, error) {
	dir := st.page.DownloadDir()
	before, err := capture.TakeSnapshot(dir)
	if err != nil {
		return nil, err
	}

	st.tried[affordanceKey(a)] = true
	if err := st.page.Click(ctx, a); err != nil {
		return nil, err
	}

	href, err := st.page.WaitHref(ctx, a, p.config.ReadyPattern, p.config.SettleTimeout)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	if err == nil && p.ready(st, href) {
		return p.fetchHref(ctx, st, href)
	}

	ceiling := p.config.CaptureWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < ceiling {
			ceiling = remaining
		}
	}
	w := &capture.Watcher{Dir: dir, Interval: p.config.PollInterval, Logger: p.logger}
	path, err := w.WaitForDownload(ctx, before, ceiling)
	if err != nil {
		var timeout *acquire.CaptureTimeout
		if errors.As(err, &timeout) {
			timeout.What = "download of " + a.Label()
		}
		return nil, err
	}
	return p.readDownload(path)
}

// readDownload validates a file the browser saved and removes the scratch copy.
func (p *Pipeline) readDownload(path string) (*acquire.DownloadResult, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	if err := fetcher.ValidateContent("", body); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		p.logger.Debug("could not remove scratch download", zap.String("path", path), zap.Error(err))
	}
	return &acquire.DownloadResult{
		Body:      body,
		SourceURL: "file://" + path,
		Size:      len(body),
		Mode:      acquire.ModeDirectory,
	}, nil
}

// fetchHref hands a resolved href to the authenticated fetch with copies of
// the session cookies and the entry page as referrer. An href whose fetch
// already failed in this run is not fetched again.
func (p *Pipeline) fetchHref(ctx context.Context, st *runState, href string) (*acquire.DownloadResult, error) {
	if prev, ok := st.failedFetches[href]; ok {
		return nil, fmt.Errorf("%s already failed: %w", href, prev)
	}
	cookies := st.presetCookies
	if live, err := st.page.Cookies(ctx); err == nil {
		cookies = append(acquire.CopyCookies(cookies), live...)
	} else {
		p.logger.Debug("could not read browser cookies", zap.Error(err))
	}
	res, err := p.fetch.Fetch(ctx, acquire.FetchRequest{
		URL:      href,
		Cookies:  acquire.CopyCookies(cookies),
		Referrer: st.target.EntryURL,
	})
	if err != nil && ctx.Err() == nil {
		st.failedFetches[href] = err
	}
	return res, err
}

// settle waits until the DOM differs from before or the settle interval ends.
func (p *Pipeline) settle(ctx context.Context, st *runState, before string) {
	if p.config.SettleTimeout <= 0 {
		return
	}
	poll := capture.Poll{What: "settle", Interval: p.config.PollInterval, Ceiling: p.config.SettleTimeout}
	_, _ = poll.Until(ctx, func(ctx context.Context) (bool, error) {
		html, err := st.page.HTML(ctx)
		return err == nil && html != before, nil
	})
}

func (p *Pipeline) ready(st *runState, href string) bool {
	return extractor.IsReadyHref(href, st.page.URL(), p.config.readyRe)
}

// ---------- HTTP-only fallback ----------

// httpFallback fetches the raw resource over plain HTTP, logging in first when
// a credential pair is configured and no cookie was supplied.
func (p *Pipeline) httpFallback(ctx context.Context, st *runState) (*acquire.DownloadResult, error) {
	if p.config.RawPath == "" {
		return nil, skip("no raw path configured")
	}
	rawURL := p.config.RawPath
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = strings.TrimRight(p.config.BaseURL, "/") + "/" + strings.TrimLeft(rawURL, "/")
	}

	cookies := append(acquire.CopyCookies(st.presetCookies), st.browserCookies...)
	switch {
	case p.config.Cookie != "":
		p.logger.Debug("using supplied cookie, login skipped")
	case p.config.Email != "":
		session, err := p.login.Resolve(ctx, p.config.BaseURL, p.config.Email, p.config.Password)
		if err != nil {
			return nil, err
		}
		cookies = append(cookies, session...)
	default:
		p.logger.Info("no cookie or credentials, fetching anonymously")
	}

	return p.fetch.Fetch(ctx, acquire.FetchRequest{
		URL:      rawURL,
		Cookies:  acquire.CopyCookies(cookies),
		Referrer: st.target.EntryURL,
	})
}
