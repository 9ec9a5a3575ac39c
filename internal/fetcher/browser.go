package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ramkansal/csvgrab/internal/capture"
	"github.com/ramkansal/csvgrab/internal/extractor"
	"github.com/ramkansal/csvgrab/pkg/acquire"
)

const (
	readyStateJS = `() => document.readyState`

	clickJS = `(sel, idx) => {
		const el = document.querySelectorAll(sel)[idx];
		if (!el) return false;
		el.scrollIntoView({block: "center"});
		el.click();
		return true;
	}`

	hrefJS = `(sel, idx) => {
		const el = document.querySelectorAll(sel)[idx];
		if (!el) return "";
		const raw = el.getAttribute("href") || el.getAttribute("data-href") ||
			el.getAttribute("data-url") || el.getAttribute("formaction") || "";
		if (!raw) return "";
		try { return new URL(raw, document.baseURI).href; } catch (e) { return raw; }
	}`

	// Resolves true on the next href-like attribute mutation, false on timeout.
	hrefMutationJS = `(sel, idx, ms) => new Promise(resolve => {
		const el = document.querySelectorAll(sel)[idx];
		if (!el) { setTimeout(() => resolve(false), Math.min(ms, 250)); return; }
		let timer;
		const obs = new MutationObserver(() => { obs.disconnect(); clearTimeout(timer); resolve(true); });
		timer = setTimeout(() => { obs.disconnect(); resolve(false); }, ms);
		obs.observe(el, {attributes: true, attributeFilter: ["href", "data-href", "data-url", "formaction"]});
	})`

	frameSourcesJS = `() => Array.from(document.querySelectorAll("iframe, frame"))
		.map(f => f.src || f.getAttribute("src") || "")
		.filter(Boolean)`
)

// SessionConfig holds configuration for a browser session.
type SessionConfig struct {
	Headless          bool
	Stealth           bool
	UserAgent         string
	BrowserBin        string
	DownloadDir       string
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	// Cookies are injected into the tab before the first navigation.
	Cookies []acquire.Cookie
	Logger  *zap.Logger
}

// Session is a single Rod-driven (headless Chrome) tab. It implements acquire.Page.
type Session struct {
	cfg      SessionConfig
	logger   *zap.Logger
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	downloadDir string
	ownsDir     bool

	mu      sync.Mutex
	state   acquire.PageState
	lastURL string

	closeOnce sync.Once
}

var _ acquire.Page = (*Session)(nil)

// Opener adapts OpenSession to acquire.PageOpener.
func Opener(cfg SessionConfig) acquire.PageOpener {
	return func(ctx context.Context, target acquire.Target) (acquire.Page, error) {
		return OpenSession(ctx, cfg, target)
	}
}

// OpenSession launches Chrome, enables downloads into the scratch directory,
// navigates to the target entry URL and waits for the document to load.
// The returned session must be closed by the caller; on error everything
// acquired so far is already released.
func OpenSession(ctx context.Context, cfg SessionConfig, target acquire.Target) (*Session, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{cfg: cfg, logger: logger.Named("session")}

	if err := s.prepareDownloadDir(); err != nil {
		return nil, err
	}
	if err := s.launch(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.injectCookies(target.EntryURL); err != nil {
		s.logger.Warn("could not inject cookies", zap.Error(err))
	}
	if err := s.navigate(ctx, target.EntryURL); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) prepareDownloadDir() error {
	dir := s.cfg.DownloadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "csvgrab-"+uuid.NewString())
		s.ownsDir = true
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve download dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	s.downloadDir = abs
	return nil
}

func (s *Session) launch(ctx context.Context) error {
	l := launcher.New().
		Context(ctx).
		Headless(s.cfg.Headless).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("disable-dev-shm-usage")
	if s.cfg.BrowserBin != "" {
		l = l.Bin(s.cfg.BrowserBin)
	}
	s.launcher = l

	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	s.browser = browser

	err = proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath:  s.downloadDir,
		EventsEnabled: true,
	}.Call(browser)
	if err != nil {
		return fmt.Errorf("enable downloads: %w", err)
	}

	var page *rod.Page
	if s.cfg.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	s.page = page

	if s.cfg.UserAgent != "" {
		_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.cfg.UserAgent})
	}
	return nil
}

func (s *Session) injectCookies(entryURL string) error {
	if len(s.cfg.Cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(s.cfg.Cookies))
	for _, c := range s.cfg.Cookies {
		p := &proto.NetworkCookieParam{Name: c.Name, Value: c.Value, Path: "/"}
		if c.Domain != "" {
			p.Domain = c.Domain
		} else {
			p.URL = entryURL
		}
		params = append(params, p)
	}
	return s.page.SetCookies(params)
}

// navigate loads rawURL and polls document.readyState until complete.
func (s *Session) navigate(ctx context.Context, rawURL string) error {
	s.setReady(false)
	s.logger.Debug("navigating", zap.String("url", rawURL))

	if err := s.page.Context(ctx).Navigate(rawURL); err != nil {
		return &acquire.NavigationError{URL: rawURL, Err: err}
	}

	poll := capture.Poll{What: "page load", Interval: s.cfg.PollInterval, Ceiling: s.cfg.NavigationTimeout}
	_, err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		res, err := s.page.Context(ctx).Eval(readyStateJS)
		if err != nil {
			// The document may be swapped mid-navigation; keep polling.
			return false, nil
		}
		return res.Value.Str() == "complete", nil
	})
	if err != nil {
		return &acquire.NavigationError{URL: rawURL, Err: err}
	}

	s.setReady(true)
	s.mu.Lock()
	s.lastURL = rawURL
	s.mu.Unlock()
	return nil
}

func (s *Session) setReady(ready bool) {
	s.mu.Lock()
	s.state.DOMReady = ready
	s.mu.Unlock()
}

// URL returns the URL of the current document.
func (s *Session) URL() string {
	if info, err := s.page.Info(); err == nil && info.URL != "" {
		s.mu.Lock()
		s.lastURL = info.URL
		s.mu.Unlock()
		return info.URL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURL
}

// HTML returns the rendered DOM.
func (s *Session) HTML(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", &acquire.EvaluationError{Script: "document.outerHTML", Err: err}
	}
	return html, nil
}

// Evaluate runs a JS function expression and awaits its result if it is a promise.
func (s *Session) Evaluate(ctx context.Context, js string, args ...interface{}) (interface{}, error) {
	res, err := s.page.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &acquire.EvaluationError{Script: js, Err: err}
	}
	return res.Value.Val(), nil
}

// Click clicks the live element addressed by a.
func (s *Session) Click(ctx context.Context, a acquire.Affordance) error {
	v, err := s.Evaluate(ctx, clickJS, a.Selector, a.Index)
	if err != nil {
		return err
	}
	if ok, _ := v.(bool); !ok {
		return fmt.Errorf("click %s: %w", a.Label(), acquire.ErrAffordanceNotFound)
	}
	s.logger.Debug("clicked", zap.String("element", a.Label()))
	return nil
}

// Href re-reads the resolved href of the live element.
func (s *Session) Href(ctx context.Context, a acquire.Affordance) (string, error) {
	v, err := s.Evaluate(ctx, hrefJS, a.Selector, a.Index)
	if err != nil {
		return "", err
	}
	href, _ := v.(string)
	return href, nil
}

// WaitHref waits on attribute mutations of the element until its href is
// ready or timeout elapses. It returns the last href seen.
func (s *Session) WaitHref(ctx context.Context, a acquire.Affordance, readyPattern string, timeout time.Duration) (string, error) {
	ready, err := regexp.Compile(readyPattern)
	if err != nil {
		return "", fmt.Errorf("compile ready pattern: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		href, err := s.Href(ctx, a)
		if err != nil {
			return "", err
		}
		if extractor.IsReadyHref(href, s.URL(), ready) {
			return href, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return href, nil
		}
		if _, err := s.Evaluate(ctx, hrefMutationJS, a.Selector, a.Index, remaining.Milliseconds()); err != nil {
			return href, err
		}
	}
}

// EnterFrame navigates the tab into the first frame whose source matches
// pattern. A session enters at most one frame.
func (s *Session) EnterFrame(ctx context.Context, pattern string) (bool, error) {
	s.mu.Lock()
	inFrame := s.state.CurrentFrameURL != ""
	s.mu.Unlock()
	if inFrame {
		return false, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("compile frame pattern: %w", err)
	}

	v, err := s.Evaluate(ctx, frameSourcesJS)
	if err != nil {
		return false, err
	}
	srcs, _ := v.([]interface{})
	pageURL := s.URL()
	for _, raw := range srcs {
		src, _ := raw.(string)
		src = extractor.ResolveURL(pageURL, src)
		if src == "" || !re.MatchString(src) {
			continue
		}
		if err := s.navigate(ctx, src); err != nil {
			return false, err
		}
		s.mu.Lock()
		s.state.CurrentFrameURL = src
		s.mu.Unlock()
		s.logger.Info("entered frame", zap.String("url", src))
		return true, nil
	}
	return false, nil
}

// Cookies returns copies of the cookies visible to the current document.
func (s *Session) Cookies(ctx context.Context) ([]acquire.Cookie, error) {
	raw, err := s.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	cookies := make([]acquire.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, acquire.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
	}
	s.mu.Lock()
	s.state.Cookies = acquire.CopyCookies(cookies)
	s.mu.Unlock()
	return cookies, nil
}

// DownloadDir returns the absolute scratch directory for browser downloads.
func (s *Session) DownloadDir() string { return s.downloadDir }

// State returns a copy of the tab state.
func (s *Session) State() acquire.PageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Cookies = acquire.CopyCookies(s.state.Cookies)
	return st
}

// Close releases the tab, the browser and its process. Teardown errors are
// logged and swallowed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.page != nil {
			errs = append(errs, s.page.Close())
		}
		if s.browser != nil {
			errs = append(errs, s.browser.Close())
		}
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
		if s.ownsDir && s.downloadDir != "" {
			errs = append(errs, os.RemoveAll(s.downloadDir))
		}
		if err := errors.Join(errs...); err != nil && !strings.Contains(err.Error(), "context canceled") {
			s.logger.Debug("teardown", zap.Error(err))
		}
	})
	return nil
}
