package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// DefaultMaxBodyBytes caps the size of a fetched resource.
const DefaultMaxBodyBytes = 64 << 20

// HTTPFetcher performs the authenticated fetch of a resolved resource URL.
// The body is returned exactly as received, with no charset transcoding.
type HTTPFetcher struct {
	userAgent    string
	timeout      time.Duration
	maxBodyBytes int64
	transport    http.RoundTripper
	logger       *zap.Logger
}

// HTTPFetcherConfig holds configuration for the HTTP fetcher.
type HTTPFetcherConfig struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	Transport    http.RoundTripper
	Logger       *zap.Logger
}

// NewHTTPFetcher creates a new HTTP fetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		userAgent:    cfg.UserAgent,
		timeout:      timeout,
		maxBodyBytes: maxBody,
		transport:    cfg.Transport,
		logger:       logger.Named("fetch"),
	}
}

var _ acquire.Fetcher = (*HTTPFetcher)(nil)

// Fetch issues a GET carrying copies of the given cookies and the referrer,
// and validates that the body is data rather than a markup page.
func (f *HTTPFetcher) Fetch(ctx context.Context, req acquire.FetchRequest) (*acquire.DownloadResult, error) {
	start := time.Now()

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, fmt.Errorf("invalid fetch url %q", req.URL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	jar.SetCookies(target, toHTTPCookies(acquire.CopyCookies(req.Cookies), target))

	client := &http.Client{Jar: jar, Timeout: f.timeout, Transport: f.transport}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	if req.Referrer != "" {
		httpReq.Header.Set("Referer", req.Referrer)
	}
	httpReq.Header.Set("Accept", "text/csv,application/octet-stream;q=0.9,*/*;q=0.8")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &acquire.HTTPError{Status: resp.StatusCode, URL: req.URL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", req.URL, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("body of %s exceeds %d bytes", req.URL, f.maxBodyBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if err := ValidateContent(contentType, body); err != nil {
		return nil, err
	}

	source := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		source = resp.Request.URL.String()
	}

	f.logger.Debug("fetched",
		zap.String("url", source),
		zap.Int("bytes", len(body)),
		zap.String("content_type", contentType),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &acquire.DownloadResult{
		Body:        body,
		SourceURL:   source,
		Size:        len(body),
		ContentType: contentType,
		Mode:        acquire.ModeHref,
	}, nil
}

// toHTTPCookies converts cookies for storage in a jar keyed on target. A
// domain equal to the target host is stored host-only.
func toHTTPCookies(cookies []acquire.Cookie, target *url.URL) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	host := target.Hostname()
	for _, c := range cookies {
		hc := &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"}
		if d := strings.TrimPrefix(c.Domain, "."); d != "" && !strings.EqualFold(d, host) {
			hc.Domain = d
		}
		out = append(out, hc)
	}
	return out
}
