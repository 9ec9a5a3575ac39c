// Package login resolves a portal session over plain HTTP: it discovers the
// login page, infers the credential form and submits it.
package login

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/ramkansal/csvgrab/internal/extractor"
	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// DefaultCandidatePaths are the login paths tried, in order.
var DefaultCandidatePaths = []string{
	"/login",
	"/signin",
	"/account/login",
	"/users/sign_in",
	"/user/login",
	"/auth/login",
}

// Config holds configuration for the resolver.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// LoginPath, when set, is tried before the default candidates.
	LoginPath string
	Logger    *zap.Logger
}

// Resolver logs into a portal with a single cookie-carrying collector. The
// cookies set while locating the login page are sent with the login POST, so
// a Resolver serves one run.
type Resolver struct {
	cfg    Config
	logger *zap.Logger
	base   *colly.Collector
}

var _ acquire.CredentialResolver = (*Resolver)(nil)

// NewResolver creates a new credential resolver.
func NewResolver(cfg Config) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, logger: logger.Named("login")}
}

// CandidatePaths returns the request order, override first and without
// duplicates. An absolute http(s) override is kept as is.
func (r *Resolver) CandidatePaths() []string {
	paths := make([]string, 0, len(DefaultCandidatePaths)+1)
	seen := make(map[string]bool)
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" {
			return
		}
		if !isAbsoluteURL(p) && !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	add(r.cfg.LoginPath)
	for _, p := range DefaultCandidatePaths {
		add(p)
	}
	return paths
}

// Resolve discovers the login page under baseURL, submits the inferred form
// with the credential pair and returns copies of the resulting cookies.
func (r *Resolver) Resolve(ctx context.Context, baseURL, email, password string) ([]acquire.Cookie, error) {
	pageURL, body, err := r.LocateLoginPage(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	cred, err := r.BuildCredentialForm(body, pageURL, email, password)
	if err != nil {
		return nil, err
	}
	return r.SubmitLogin(ctx, cred)
}

// LocateLoginPage requests the candidate paths under baseURL and returns the
// first one answering below 400 with a markup page.
func (r *Resolver) LocateLoginPage(ctx context.Context, baseURL string) (string, []byte, error) {
	base := strings.TrimRight(baseURL, "/")
	var tried []string

	for _, path := range r.CandidatePaths() {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		candidate := base + path
		if isAbsoluteURL(path) {
			candidate = path
		}
		tried = append(tried, candidate)

		c := r.collector(ctx).Clone()
		var (
			status      int
			body        []byte
			contentType string
			finalURL    = candidate
		)
		c.OnResponse(func(resp *colly.Response) {
			status = resp.StatusCode
			body = resp.Body
			contentType = resp.Headers.Get("Content-Type")
			finalURL = resp.Request.URL.String()
		})
		c.OnError(func(resp *colly.Response, err error) {
			if resp != nil {
				status = resp.StatusCode
			}
		})

		if err := c.Visit(candidate); err != nil {
			r.logger.Debug("login candidate rejected", zap.String("url", candidate), zap.Int("status", status), zap.Error(err))
			continue
		}
		if status >= 400 || !isMarkup(contentType, body) {
			r.logger.Debug("login candidate rejected", zap.String("url", candidate), zap.Int("status", status))
			continue
		}

		r.logger.Info("login page found", zap.String("url", finalURL))
		return finalURL, body, nil
	}

	return "", nil, &acquire.LoginDiscoveryFailed{Tried: tried}
}

// BuildCredentialForm infers the login form fields of a located login page.
func (r *Resolver) BuildCredentialForm(body []byte, pageURL, email, password string) (*acquire.Credential, error) {
	cred, err := extractor.ParseLoginForm(body, pageURL, email, password)
	if err != nil {
		return nil, fmt.Errorf("build credential form from %s: %w", pageURL, err)
	}
	r.logger.Debug("credential form inferred",
		zap.String("action", cred.LoginURL),
		zap.String("user_field", cred.UserField),
		zap.String("pass_field", cred.PassField),
		zap.Bool("anti_forgery", cred.AntiForgery != nil),
		zap.Strings("fields", fieldNames(cred.Fields)),
	)
	return cred, nil
}

// SubmitLogin POSTs the form with Origin and Referer set to the login page
// and returns copies of the session cookies held afterwards.
func (r *Resolver) SubmitLogin(ctx context.Context, cred *acquire.Credential) ([]acquire.Cookie, error) {
	target, err := url.Parse(cred.LoginURL)
	if err != nil {
		return nil, fmt.Errorf("invalid login url %q: %w", cred.LoginURL, err)
	}

	origin := cred.PageURL
	if u, err := url.Parse(cred.PageURL); err == nil {
		origin = u.Scheme + "://" + u.Host
	}

	c := r.collector(ctx).Clone()
	c.OnRequest(func(req *colly.Request) {
		req.Headers.Set("Origin", origin)
		req.Headers.Set("Referer", cred.PageURL)
	})

	var status int
	c.OnResponse(func(resp *colly.Response) { status = resp.StatusCode })
	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			status = resp.StatusCode
		}
	})

	postErr := c.Post(cred.LoginURL, cred.Fields)
	if status >= http.StatusBadRequest {
		return nil, &acquire.LoginRejected{Status: status}
	}
	if postErr != nil {
		return nil, fmt.Errorf("submit login to %s: %w", cred.LoginURL, postErr)
	}

	raw := c.Cookies(target.String())
	cookies := make([]acquire.Cookie, 0, len(raw))
	for _, hc := range raw {
		cookies = append(cookies, acquire.Cookie{Name: hc.Name, Value: hc.Value, Domain: target.Hostname()})
	}
	r.logger.Info("login accepted", zap.Int("status", status), zap.Int("cookies", len(cookies)))
	return cookies, nil
}

func (r *Resolver) collector(ctx context.Context) *colly.Collector {
	if r.base != nil {
		return r.base
	}
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	if r.cfg.UserAgent != "" {
		c.UserAgent = r.cfg.UserAgent
	}
	c.SetRequestTimeout(r.cfg.Timeout)
	r.base = c
	return c
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isMarkup(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	return strings.HasPrefix(http.DetectContentType(body), "text/html")
}

func fieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
