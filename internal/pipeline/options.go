package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/multierr"

	"github.com/ramkansal/csvgrab/internal/extractor"
	"github.com/ramkansal/csvgrab/internal/fetcher"
	"github.com/ramkansal/csvgrab/internal/output"
	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// Config holds all configuration for an acquisition run.
type Config struct {
	// Target
	URL     string        `mapstructure:"url"`
	Output  string        `mapstructure:"output"`
	Season  int           `mapstructure:"season"`
	Week    int           `mapstructure:"week"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Affordance selection
	Reference  string `mapstructure:"reference"`
	NavText    string `mapstructure:"nav_text"`
	MatchToken string `mapstructure:"match_token"`

	// Authentication and HTTP-only fallback
	Cookie    string `mapstructure:"cookie"`
	Email     string `mapstructure:"email"`
	Password  string `mapstructure:"password"`
	BaseURL   string `mapstructure:"base_url"`
	LoginPath string `mapstructure:"login_path"`
	RawPath   string `mapstructure:"raw_path"`

	// Browser
	Headless    bool   `mapstructure:"headless"`
	Stealth     bool   `mapstructure:"stealth"`
	BrowserBin  string `mapstructure:"browser_bin"`
	DownloadDir string `mapstructure:"download_dir"`
	UserAgent   string `mapstructure:"user_agent"`

	// Waits
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
	SettleTimeout     time.Duration `mapstructure:"settle_timeout"`
	CaptureWait       time.Duration `mapstructure:"capture_wait"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`

	// Heuristics
	DownloadPattern string            `mapstructure:"download_pattern"`
	ReadyPattern    string            `mapstructure:"ready_pattern"`
	FramePattern    string            `mapstructure:"frame_pattern"`
	Vocabulary      string            `mapstructure:"vocabulary"`
	Weights         extractor.Weights `mapstructure:"weights"`

	// Reporting
	PreviewLines int    `mapstructure:"preview_lines"`
	Report       string `mapstructure:"report"`
	MetricsFile  string `mapstructure:"metrics_file"`

	// Derived by Validate
	downloadRe *regexp.Regexp
	readyRe    *regexp.Regexp
	frameRe    *regexp.Regexp
	vocabRe    *regexp.Regexp
	cookies    []acquire.Cookie
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:           150 * time.Second,
		Headless:          true,
		UserAgent:         "csvgrab/dev",
		NavigationTimeout: 90 * time.Second,
		PollInterval:      500 * time.Millisecond,
		DiscoveryInterval: time.Second,
		SettleTimeout:     2 * time.Second,
		CaptureWait:       45 * time.Second,
		HTTPTimeout:       60 * time.Second,
		MaxBodyBytes:      fetcher.DefaultMaxBodyBytes,
		DownloadPattern:   `(?i)(download|export|\.csv)`,
		ReadyPattern:      `(?i)^https?://[^#]+(\.csv(\?.*)?$|/download/[^#]+)`,
		FramePattern:      `(?i)(shiny|/app/|embed)`,
		Vocabulary:        `(?i)(projection|raw|csv)`,
		Weights:           extractor.DefaultWeights(),
		PreviewLines:      5,
	}
}

// Validate checks the configuration, fills derived defaults and compiles
// every pattern. It must be called before the config is used.
func (c *Config) Validate() error {
	var errs error

	if c.URL == "" {
		errs = multierr.Append(errs, errors.New("url is required"))
	} else if u, err := url.Parse(c.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("url %q must be an absolute http(s) url", c.URL))
	} else if c.BaseURL == "" {
		c.BaseURL = u.Scheme + "://" + u.Host
	}

	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || u.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("base url %q is invalid", c.BaseURL))
		}
	}

	if c.Output == "" {
		c.Output = output.DefaultOutputPath("", c.Season, c.Week)
	}

	for name, d := range map[string]time.Duration{
		"timeout":            c.Timeout,
		"navigation_timeout": c.NavigationTimeout,
		"poll_interval":      c.PollInterval,
		"discovery_interval": c.DiscoveryInterval,
		"capture_wait":       c.CaptureWait,
		"http_timeout":       c.HTTPTimeout,
	} {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.SettleTimeout < 0 {
		errs = multierr.Append(errs, errors.New("settle_timeout must not be negative"))
	}

	for name, w := range map[string]int{
		"weights.download_path": c.Weights.DownloadPath,
		"weights.vocabulary":    c.Weights.Vocabulary,
		"weights.token":         c.Weights.Token,
	} {
		if w < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if (c.Email == "") != (c.Password == "") {
		errs = multierr.Append(errs, errors.New("email and password must be set together"))
	}

	var err error
	if c.downloadRe, err = compile("download_pattern", c.DownloadPattern, true); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.readyRe, err = compile("ready_pattern", c.ReadyPattern, true); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.frameRe, err = compile("frame_pattern", c.FramePattern, false); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.vocabRe, err = compile("vocabulary", c.Vocabulary, false); err != nil {
		errs = multierr.Append(errs, err)
	}

	if c.Cookie != "" && c.BaseURL != "" {
		host := ""
		if u, err := url.Parse(c.BaseURL); err == nil {
			host = u.Hostname()
		}
		if c.cookies, err = fetcher.ParseCookieHeader(c.Cookie, host); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	return nil
}

// Target returns the immutable run target.
func (c *Config) Target() acquire.Target {
	return acquire.Target{EntryURL: c.URL, OutputPath: c.Output, Timeout: c.Timeout}
}

// LocatorConfig returns the compiled discovery settings.
func (c *Config) LocatorConfig() extractor.LocatorConfig {
	return extractor.LocatorConfig{
		DownloadPattern: c.downloadRe,
		Vocabulary:      c.vocabRe,
		Weights:         c.Weights,
	}
}

// PresetCookies returns a copy of the cookies parsed from Cookie.
func (c *Config) PresetCookies() []acquire.Cookie {
	return acquire.CopyCookies(c.cookies)
}

func compile(name, pattern string, required bool) (*regexp.Regexp, error) {
	if pattern == "" {
		if required {
			return nil, fmt.Errorf("%s is required", name)
		}
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return re, nil
}
