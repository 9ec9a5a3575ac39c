package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// fakePage is an in-memory acquire.Page. Elements are addressed by id.
type fakePage struct {
	mu      sync.Mutex
	url     string
	html    string
	dir     string
	hrefs   map[string]string
	onClick map[string]func(*fakePage)
	clicks  map[string]int
	cookies []acquire.Cookie
	closed  int

	// frameSrc and frameHTML describe the embedded frame EnterFrame can switch to.
	frameSrc  string
	frameHTML string
	frameURL  string
}

func newFakePage(t *testing.T, url, html string) *fakePage {
	t.Helper()
	return &fakePage{
		url:     url,
		html:    html,
		dir:     t.TempDir(),
		hrefs:   map[string]string{},
		onClick: map[string]func(*fakePage){},
		clicks:  map[string]int{},
	}
}

func (f *fakePage) opener() acquire.PageOpener {
	return func(context.Context, acquire.Target) (acquire.Page, error) { return f, nil }
}

func (f *fakePage) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakePage) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.html, nil
}

func (f *fakePage) Evaluate(context.Context, string, ...interface{}) (interface{}, error) {
	return nil, nil
}

func (f *fakePage) Click(_ context.Context, a acquire.Affordance) error {
	f.mu.Lock()
	f.clicks[a.ID]++
	fn := f.onClick[a.ID]
	f.mu.Unlock()
	if fn != nil {
		fn(f)
	}
	return nil
}

func (f *fakePage) Href(_ context.Context, a acquire.Affordance) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.hrefs[a.ID]; ok {
		return h, nil
	}
	return a.Href, nil
}

func (f *fakePage) WaitHref(ctx context.Context, a acquire.Affordance, _ string, _ time.Duration) (string, error) {
	return f.Href(ctx, a)
}

func (f *fakePage) EnterFrame(_ context.Context, pattern string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frameURL != "" || f.frameSrc == "" || !regexp.MustCompile(pattern).MatchString(f.frameSrc) {
		return false, nil
	}
	f.frameURL = f.frameSrc
	f.url = f.frameSrc
	f.html = f.frameHTML
	return true, nil
}

func (f *fakePage) Cookies(context.Context) ([]acquire.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return acquire.CopyCookies(f.cookies), nil
}

func (f *fakePage) DownloadDir() string { return f.dir }

func (f *fakePage) State() acquire.PageState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return acquire.PageState{DOMReady: true, CurrentFrameURL: f.frameURL}
}

func (f *fakePage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakePage) setHTML(html string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.html = html
}

func (f *fakePage) setHref(id, href string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hrefs[id] = href
}

// recordingFetcher fails every fetch and remembers the requested URLs.
type recordingFetcher struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingFetcher) Fetch(_ context.Context, req acquire.FetchRequest) (*acquire.DownloadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, req.URL)
	return nil, errors.New("fetch not expected")
}

func csvServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakePage) clickCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clicks[id]
}

func testConfig(t *testing.T, url string) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Output = filepath.Join(t.TempDir(), "data", "raw_projections.csv")
	cfg.Timeout = 5 * time.Second
	cfg.PollInterval = 50 * time.Millisecond
	cfg.DiscoveryInterval = 50 * time.Millisecond
	cfg.SettleTimeout = 100 * time.Millisecond
	cfg.CaptureWait = 2 * time.Second
	cfg.HTTPTimeout = 5 * time.Second
	cfg.FramePattern = ""
	return cfg
}

func drain(p *Pipeline) []acquire.Event {
	var events []acquire.Event
	for ev := range p.Events() {
		events = append(events, ev)
	}
	return events
}

func hasEvent(events []acquire.Event, typ acquire.EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestRunReferenceReadyHref(t *testing.T) {
	body := []byte("player,équipe,pts\nMüller,FCB,12.5\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err != nil || c.Value != "live" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	page := newFakePage(t, srv.URL+"/app/", `<html><body>
		<a id="downloadRaw" href="/files/raw.csv">Download</a>
		<a id="other" href="/download/other.csv">Other</a>
	</body></html>`)
	page.cookies = []acquire.Cookie{{Name: "sid", Value: "live", Domain: "127.0.0.1"}}

	cfg := testConfig(t, page.url)
	cfg.Reference = "downloadRaw"

	p, err := New(cfg, WithPageOpener(page.opener()))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	events := drain(p)

	assert.Equal(t, "reference/href", res.Strategy)
	assert.Equal(t, acquire.ModeHref, res.Mode)
	assert.Equal(t, srv.URL+"/files/raw.csv", res.SourceURL)

	written, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, body, written)

	assert.Zero(t, page.clickCount("downloadRaw"), "a ready href is fetched without clicking")
	assert.False(t, hasEvent(events, acquire.EventCandidate), "discovery must not run")
	assert.True(t, hasEvent(events, acquire.EventRunFinished))
	assert.Equal(t, 1, page.closed)
}

func TestRunDiscoveryWatchedDirectory(t *testing.T) {
	body := []byte("name,pos,proj\nAllen,QB,24.1\n")
	page := newFakePage(t, "https://apps.example.com/projections/", `<html><body>
		<a id="home" href="/">Home</a>
		<a id="rawExport" href="#download-raw">Raw projections</a>
	</body></html>`)
	page.onClick["rawExport"] = func(f *fakePage) {
		require.NoError(t, os.WriteFile(filepath.Join(f.dir, "raw.csv.crdownload"), []byte("partial"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(f.dir, "raw.csv"), body, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(page.dir, "stale.csv"), []byte("old,data\n"), 0o644))

	cfg := testConfig(t, page.url)
	cfg.Reference = "missingRef"
	cfg.MatchToken = "projections"

	p, err := New(cfg, WithPageOpener(page.opener()))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	events := drain(p)

	assert.Equal(t, "discovery", res.Strategy)
	assert.Equal(t, acquire.ModeDirectory, res.Mode)
	assert.Equal(t, body, res.Body)
	assert.Equal(t, 1, page.clickCount("rawExport"))
	assert.Zero(t, page.clickCount("home"))

	written, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, body, written)
	assert.NoFileExists(t, filepath.Join(page.dir, "raw.csv"))

	var candidate *acquire.Affordance
	var refFailure error
	for _, ev := range events {
		switch {
		case ev.Type == acquire.EventCandidate:
			candidate = ev.Candidate
		case ev.Type == acquire.EventStrategyFailed && ev.Strategy == "reference/href":
			refFailure = ev.Error
		}
	}
	require.NotNil(t, candidate)
	assert.Equal(t, "rawExport", candidate.ID)
	assert.Equal(t, 3, candidate.Score)
	assert.ErrorIs(t, refFailure, acquire.ErrAffordanceNotFound)
}

func TestRunHTTPFallbackWithLogin(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
	)
	body := []byte("a,b\n1,2\n")
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Path)
		mu.Unlock()
		http.NotFound(w, r)
	})
	mux.HandleFunc("/account/login", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte(`<html><form method="post" action="/session">
			<input type="hidden" name="authenticity_token" value="t0k">
			<input name="username"><input type="password" name="pass">
		</form></html>`))
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("authenticity_token") != "t0k" || r.PostForm.Get("username") != "me" || r.PostForm.Get("pass") != "pw" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: "ok", Path: "/"})
		http.Redirect(w, r, "/home", http.StatusSeeOther)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>hi</html>"))
	})
	mux.HandleFunc("/export/raw.csv", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("auth"); err != nil || c.Value != "ok" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t, srv.URL+"/app/")
	cfg.RawPath = "/export/raw.csv"
	cfg.Email = "me"
	cfg.Password = "pw"

	noBrowser := func(context.Context, acquire.Target) (acquire.Page, error) {
		return nil, errors.New("chrome not found")
	}
	p, err := New(cfg, WithPageOpener(noBrowser))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	drain(p)

	assert.Equal(t, "http-fallback", res.Strategy)
	written, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, body, written)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/login", "/signin", "/account/login"}, requests)
}

func TestRunAllStrategiesExhausted(t *testing.T) {
	page := newFakePage(t, "https://apps.example.com/projections/", `<html><body><p>Loading…</p></body></html>`)

	cfg := testConfig(t, page.url)
	cfg.Timeout = 300 * time.Millisecond
	cfg.FramePattern = DefaultConfig().FramePattern

	p, err := New(cfg, WithPageOpener(page.opener()))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	assert.Nil(t, res)
	events := drain(p)

	var failed *acquire.AcquisitionFailed
	require.ErrorAs(t, err, &failed)
	assert.Empty(t, failed.Candidates)

	var names []string
	var skipped []bool
	for _, a := range failed.Attempts {
		names = append(names, a.Strategy)
		skipped = append(skipped, a.Skipped)
	}
	assert.Equal(t, []string{"reference/href", "reference/download", "nav-text", "iframe", "discovery", "http-fallback"}, names)
	assert.Equal(t, []bool{true, true, true, false, false, true}, skipped)

	msg := err.Error()
	assert.Contains(t, msg, "discovery candidates inspected: 0")
	assert.Contains(t, msg, "1. reference/href (skipped)")
	assert.Contains(t, msg, "6. http-fallback (skipped): no raw path configured")
	assert.ErrorIs(t, err, acquire.ErrAffordanceNotFound)

	assert.NoFileExists(t, cfg.Output)
	assert.True(t, hasEvent(events, acquire.EventRunFailed))
	assert.Equal(t, 1, page.closed)
}

func TestRunRejectsMarkupAndFallsThrough(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body>Please sign in</body></html>"))
	}))
	defer srv.Close()

	page := newFakePage(t, srv.URL+"/app/", `<a id="downloadRaw" href="/files/raw.csv">Raw CSV</a>`)

	cfg := testConfig(t, page.url)
	cfg.Reference = "downloadRaw"
	cfg.Timeout = time.Second

	p, err := New(cfg, WithPageOpener(page.opener()))
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	drain(p)

	var failed *acquire.AcquisitionFailed
	require.ErrorAs(t, err, &failed)
	require.GreaterOrEqual(t, len(failed.Attempts), 2)
	assert.Equal(t, "reference/href", failed.Attempts[0].Strategy)
	assert.Equal(t, "reference/download", failed.Attempts[1].Strategy)

	var uct *acquire.UnexpectedContentType
	assert.ErrorAs(t, failed.Attempts[0].Err, &uct)
	assert.ErrorAs(t, failed.Attempts[1].Err, &uct)
	assert.ErrorAs(t, err, &uct)
	assert.Equal(t, int32(1), hits.Load(), "a failed href is fetched once per run")

	require.Len(t, failed.Candidates, 1)
	assert.Equal(t, "downloadRaw", failed.Candidates[0].ID)
	assert.Equal(t, 1, page.clickCount("downloadRaw"), "discovery does not click an element already tried")
	assert.NoFileExists(t, cfg.Output)
}

func TestRunHonorsCancellation(t *testing.T) {
	page := newFakePage(t, "https://apps.example.com/", `<p>empty</p>`)
	cfg := testConfig(t, page.url)
	cfg.Timeout = time.Minute

	p, err := New(cfg, WithPageOpener(page.opener()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Run(ctx)
	drain(p)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, page.closed)
}

func TestRunWritesReport(t *testing.T) {
	page := newFakePage(t, "https://apps.example.com/", `<p>empty</p>`)
	cfg := testConfig(t, page.url)
	cfg.Timeout = 100 * time.Millisecond
	cfg.Report = filepath.Join(t.TempDir(), "report.txt")

	p, err := New(cfg, WithPageOpener(page.opener()), WithVersion("9.9.9"))
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)
	drain(p)

	raw, err := os.ReadFile(cfg.Report)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "CSVGRAB 9.9.9")
	assert.Contains(t, string(raw), p.RunID())
	assert.Contains(t, string(raw), "[skip] reference/href: no reference configured")
}

func TestRunNavTextRevealsReference(t *testing.T) {
	body := []byte("player,pts\nKelce,9.8\n")
	srv := csvServer(t, body)

	page := newFakePage(t, srv.URL+"/app/", `<html><body>
		<ul><li id="tabSummary">Summary</li><li id="tabRaw">Raw stats</li></ul>
	</body></html>`)
	page.onClick["tabRaw"] = func(f *fakePage) {
		f.setHTML(`<html><body>
			<ul><li id="tabSummary">Summary</li><li id="tabRaw">Raw stats</li></ul>
			<a id="dl" href="/x/raw.csv">Download</a>
		</body></html>`)
	}

	cfg := testConfig(t, page.url)
	cfg.Reference = "dl"
	cfg.NavText = "raw stats"

	p, err := New(cfg, WithPageOpener(page.opener()))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	drain(p)

	assert.Equal(t, "nav-text", res.Strategy)
	assert.Equal(t, acquire.ModeHref, res.Mode)
	assert.Equal(t, srv.URL+"/x/raw.csv", res.SourceURL)
	assert.Equal(t, 1, page.clickCount("tabRaw"))
	assert.Zero(t, page.clickCount("tabSummary"))
	assert.Zero(t, page.clickCount("dl"))

	written, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, body, written)
}

func TestRunIframeEntersEmbeddedApp(t *testing.T) {
	body := []byte("team,proj\nKC,27.5\n")
	srv := csvServer(t, body)

	page := newFakePage(t, srv.URL+"/projections/", `<html><body><iframe src="/shiny/app/"></iframe></body></html>`)
	page.frameSrc = srv.URL + "/shiny/app/"
	page.frameHTML = `<html><body><a id="downloadRaw" href="session/1/download/raw.csv">Download</a></body></html>`

	cfg := testConfig(t, page.url)
	cfg.Reference = "downloadRaw"
	cfg.FramePattern = DefaultConfig().FramePattern

	p, err := New(cfg, WithPageOpener(page.opener()))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	events := drain(p)

	assert.Equal(t, "iframe", res.Strategy)
	assert.Equal(t, srv.URL+"/shiny/app/session/1/download/raw.csv", res.SourceURL)
	assert.Equal(t, body, res.Body)
	assert.Equal(t, page.frameSrc, page.State().CurrentFrameURL)

	var refFailed int
	for _, ev := range events {
		if ev.Type == acquire.EventStrategyFailed && strings.HasPrefix(ev.Strategy, "reference/") {
			refFailed++
		}
	}
	assert.Equal(t, 2, refFailed, "both reference strategies fail before the frame is entered")
}

func TestRunClickedHrefStillNotReadyUsesDirectory(t *testing.T) {
	body := []byte("name,proj\nHurts,22.0\n")
	page := newFakePage(t, "https://apps.example.com/app/", `<a id="exportRaw" href="#">Export</a>`)
	page.onClick["exportRaw"] = func(f *fakePage) {
		f.setHref("exportRaw", "https://apps.example.com/app/session/pending")
		require.NoError(t, os.WriteFile(filepath.Join(f.dir, "raw.csv"), body, 0o644))
	}

	cfg := testConfig(t, page.url)
	cfg.Reference = "exportRaw"

	fetch := &recordingFetcher{}
	p, err := New(cfg, WithPageOpener(page.opener()), WithFetcher(fetch))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	drain(p)

	assert.Equal(t, "reference/download", res.Strategy)
	assert.Equal(t, acquire.ModeDirectory, res.Mode)
	assert.Equal(t, body, res.Body)
	assert.Equal(t, 1, page.clickCount("exportRaw"))
	assert.Empty(t, fetch.urls, "an href that fails the ready pattern after the click is never fetched")
}
