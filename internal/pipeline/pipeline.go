// Package pipeline runs one acquisition: an ordered chain of browser-driven
// strategies followed by the HTTP-only fallback, stopping at the first success.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ramkansal/csvgrab/internal/fetcher"
	"github.com/ramkansal/csvgrab/internal/login"
	"github.com/ramkansal/csvgrab/internal/metrics"
	"github.com/ramkansal/csvgrab/internal/output"
	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// Pipeline is the core engine that orchestrates the browser session, the
// capture strategies and the authenticated fetch.
type Pipeline struct {
	config  *Config
	open    acquire.PageOpener
	fetch   acquire.Fetcher
	login   acquire.CredentialResolver
	metrics *metrics.Recorder
	report  *output.ReportWriter
	logger  *zap.Logger
	events  chan acquire.Event
	runID   string
	version string
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithPageOpener replaces the Rod browser session.
func WithPageOpener(open acquire.PageOpener) Option {
	return func(p *Pipeline) { p.open = open }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f acquire.Fetcher) Option {
	return func(p *Pipeline) { p.fetch = f }
}

// WithResolver replaces the login resolver.
func WithResolver(r acquire.CredentialResolver) Option {
	return func(p *Pipeline) { p.login = r }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithVersion sets the version shown in reports.
func WithVersion(v string) Option {
	return func(p *Pipeline) { p.version = v }
}

// New validates config and creates a Pipeline for a single run.
func New(config *Config, opts ...Option) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		config: config,
		events: make(chan acquire.Event, 256),
		runID:  uuid.NewString(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pipeline").With(zap.String("run_id", p.runID))

	if p.open == nil {
		p.open = fetcher.Opener(fetcher.SessionConfig{
			Headless:          config.Headless,
			Stealth:           config.Stealth,
			UserAgent:         config.UserAgent,
			BrowserBin:        config.BrowserBin,
			DownloadDir:       config.DownloadDir,
			NavigationTimeout: config.NavigationTimeout,
			PollInterval:      config.PollInterval,
			Cookies:           config.PresetCookies(),
			Logger:            p.logger,
		})
	}
	if p.fetch == nil {
		p.fetch = fetcher.NewHTTPFetcher(fetcher.HTTPFetcherConfig{
			UserAgent:    config.UserAgent,
			Timeout:      config.HTTPTimeout,
			MaxBodyBytes: config.MaxBodyBytes,
			Logger:       p.logger,
		})
	}
	if p.login == nil {
		p.login = login.NewResolver(login.Config{
			UserAgent: config.UserAgent,
			Timeout:   config.HTTPTimeout,
			LoginPath: config.LoginPath,
			Logger:    p.logger,
		})
	}
	if p.metrics == nil && config.MetricsFile != "" {
		p.metrics = metrics.NewRecorder("csvgrab", p.logger)
	}
	if config.Report != "" {
		p.report = output.NewReportWriter(config.Report)
	}

	return p, nil
}

// Events returns the event channel. It is closed when Run returns.
func (p *Pipeline) Events() <-chan acquire.Event {
	return p.events
}

// RunID identifies this run in logs and reports.
func (p *Pipeline) RunID() string { return p.runID }

// Run executes the fallback chain. On success the artifact has been written
// to the configured output path. Exhaustion yields *acquire.AcquisitionFailed.
func (p *Pipeline) Run(ctx context.Context) (*acquire.DownloadResult, error) {
	defer close(p.events)

	start := time.Now()
	target := p.config.Target()
	p.emit(acquire.Event{
		Type:    acquire.EventRunStarted,
		Message: fmt.Sprintf("Acquiring %s -> %s", target.EntryURL, target.OutputPath),
	})
	p.logger.Info("run started",
		zap.String("url", target.EntryURL),
		zap.String("output", target.OutputPath),
		zap.Duration("budget", target.Timeout),
	)

	st := newRunState(target, p.config.PresetCookies())
	res, err := p.execute(ctx, st)
	if err == nil {
		err = p.persist(res)
	}
	elapsed := time.Since(start)

	if err != nil {
		p.metrics.RecordRun(false, elapsed)
		p.emit(acquire.Event{Type: acquire.EventRunFailed, Error: err, Elapsed: elapsed})
		p.logger.Error("run failed", zap.Int("attempts", len(st.attempts)), zap.Duration("elapsed", elapsed))
	} else {
		p.metrics.RecordRun(true, elapsed)
		p.metrics.RecordCapture(res.Strategy, string(res.Mode), res.Size)
		p.emit(acquire.Event{
			Type:    acquire.EventRunFinished,
			Result:  res,
			Elapsed: elapsed,
			Message: fmt.Sprintf("Wrote %d bytes to %s", res.Size, target.OutputPath),
		})
		p.logger.Info("run finished",
			zap.String("strategy", res.Strategy),
			zap.String("mode", string(res.Mode)),
			zap.Int("bytes", res.Size),
			zap.Duration("elapsed", elapsed),
		)
	}

	p.finalize(target, start, elapsed, res, err)
	return res, err
}

// execute runs the browser phase under the overall budget, then the HTTP
// fallback with its own request timeout.
func (p *Pipeline) execute(ctx context.Context, st *runState) (*acquire.DownloadResult, error) {
	browserCtx, cancel := context.WithTimeout(ctx, st.target.Timeout)
	defer cancel()

	if res, ok := p.browserPhase(browserCtx, ctx, st); ok {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if res, ok := p.runStrategy(ctx, st, strategy{name: "http-fallback", run: p.httpFallback}); ok {
		return res, nil
	}

	failure := &acquire.AcquisitionFailed{
		Attempts:   st.attempts,
		Candidates: st.inspectedList(),
	}
	for _, a := range st.attempts {
		if !a.Skipped && a.Err != nil {
			failure.Cause = multierr.Append(failure.Cause, fmt.Errorf("%s: %w", a.Strategy, a.Err))
		}
	}
	return nil, failure
}

// browserPhase opens the page and runs the browser strategies in order. The
// page is released on every path.
func (p *Pipeline) browserPhase(ctx, parent context.Context, st *runState) (*acquire.DownloadResult, bool) {
	page, err := p.open(ctx, st.target)
	if err != nil {
		p.record(st, "browser-session", err, 0)
		for _, s := range p.browserStrategies() {
			p.record(st, s.name, skip("browser session unavailable"), 0)
		}
		return nil, false
	}
	st.page = page
	defer func() {
		p.collectCookies(parent, st)
		if err := page.Close(); err != nil {
			p.logger.Debug("page close", zap.Error(err))
		}
		st.page = nil
	}()

	for _, s := range p.browserStrategies() {
		if ctx.Err() != nil {
			p.record(st, s.name, skip("browser budget exhausted"), 0)
			continue
		}
		if res, ok := p.runStrategy(ctx, st, s); ok {
			return res, true
		}
	}
	return nil, false
}

// runStrategy runs one strategy and records its outcome.
func (p *Pipeline) runStrategy(ctx context.Context, st *runState, s strategy) (*acquire.DownloadResult, bool) {
	started := time.Now()
	p.emit(acquire.Event{Type: acquire.EventStrategyStarted, Strategy: s.name})
	p.logger.Debug("strategy started", zap.String("strategy", s.name))

	res, err := s.run(ctx, st)
	elapsed := time.Since(started)
	if err == nil && res != nil {
		res.Strategy = s.name
		p.metrics.RecordStrategy(s.name, metrics.OutcomeSuccess, elapsed)
		p.emit(acquire.Event{Type: acquire.EventCaptured, Strategy: s.name, Result: res, Elapsed: elapsed})
		return res, true
	}
	if err == nil {
		err = errors.New("no result")
	}
	p.record(st, s.name, err, elapsed)
	return nil, false
}

// record stores a failed or skipped attempt and reports it.
func (p *Pipeline) record(st *runState, name string, err error, elapsed time.Duration) {
	var sk *skipError
	if errors.As(err, &sk) {
		st.attempts = append(st.attempts, acquire.Attempt{Strategy: name, Skipped: true, Err: err})
		p.metrics.RecordStrategy(name, metrics.OutcomeSkipped, elapsed)
		p.emit(acquire.Event{Type: acquire.EventStrategySkipped, Strategy: name, Message: sk.reason})
		p.logger.Debug("strategy skipped", zap.String("strategy", name), zap.String("reason", sk.reason))
		return
	}

	st.attempts = append(st.attempts, acquire.Attempt{Strategy: name, Err: err})
	p.metrics.RecordStrategy(name, metrics.OutcomeFailed, elapsed)
	p.emit(acquire.Event{Type: acquire.EventStrategyFailed, Strategy: name, Error: err, Elapsed: elapsed})

	level := zap.WarnLevel
	if errors.Is(err, acquire.ErrAffordanceNotFound) {
		level = zap.InfoLevel
	}
	p.logger.Check(level, "strategy failed").Write(zap.String("strategy", name), zap.Error(err), zap.Duration("elapsed", elapsed))
}

// persist writes the winning bytes verbatim to the output path.
func (p *Pipeline) persist(res *acquire.DownloadResult) error {
	if err := output.WriteAtomic(p.config.Output, res.Body); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// collectCookies copies the browser cookies for the HTTP fallback.
func (p *Pipeline) collectCookies(parent context.Context, st *runState) {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()
	cookies, err := st.page.Cookies(ctx)
	if err != nil {
		p.logger.Debug("could not read browser cookies", zap.Error(err))
		return
	}
	st.browserCookies = acquire.CopyCookies(cookies)
}

func (p *Pipeline) finalize(target acquire.Target, start time.Time, elapsed time.Duration, res *acquire.DownloadResult, runErr error) {
	if p.report != nil {
		err := p.report.Finalize(&output.RunSummary{
			RunID:     p.runID,
			Version:   p.version,
			Target:    target,
			StartedAt: start,
			Duration:  elapsed,
			Result:    res,
			Err:       runErr,
		})
		if err != nil {
			p.logger.Warn("could not write report", zap.String("path", p.config.Report), zap.Error(err))
		}
	}
	if err := p.metrics.WriteTextfile(p.config.MetricsFile); err != nil {
		p.logger.Warn("could not write metrics", zap.String("path", p.config.MetricsFile), zap.Error(err))
	}
}

// emit sends an event to the event channel (non-blocking).
func (p *Pipeline) emit(event acquire.Event) {
	if p.report != nil {
		p.report.Record(event)
	}
	select {
	case p.events <- event:
	default:
		// Drop event if channel is full.
	}
}
