// Package acquire defines the public types shared by the csvgrab acquisition
// pipeline. External tools can import this package to drive the pipeline with
// their own page implementation or to consume its events without forking the
// project.
package acquire

import (
	"context"
	"time"
)

// ---------- Core Data Types ----------

// Target describes one acquisition run. It is immutable once the run starts.
type Target struct {
	EntryURL   string        `json:"entry_url"`
	OutputPath string        `json:"output_path"`
	Timeout    time.Duration `json:"timeout"`
}

// PageState is a snapshot of the browser tab owned by a Page.
type PageState struct {
	DOMReady        bool     `json:"dom_ready"`
	CurrentFrameURL string   `json:"current_frame_url,omitempty"`
	Cookies         []Cookie `json:"cookies,omitempty"`
}

// Affordance is a UI element believed to trigger a data download.
// Selector and Index address the live element as querySelectorAll(Selector)[Index].
type Affordance struct {
	ID       string `json:"id,omitempty"`
	Text     string `json:"text"`
	Href     string `json:"href,omitempty"`
	Tag      string `json:"tag"`
	Score    int    `json:"score"`
	Selector string `json:"selector"`
	Index    int    `json:"index"`
	Order    int    `json:"order"`
}

// Label returns a short human-readable name for diagnostics.
func (a Affordance) Label() string {
	if a.ID != "" {
		return a.Tag + "#" + a.ID
	}
	return a.Tag + "[" + a.Text + "]"
}

// Cookie is a plain value copy of a browser or portal cookie.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"-"`
	Domain string `json:"domain,omitempty"`
}

// CopyCookies returns an independent copy of cookies. The browser session and
// the HTTP fetch layer never share a cookie slice.
func CopyCookies(cookies []Cookie) []Cookie {
	if len(cookies) == 0 {
		return nil
	}
	out := make([]Cookie, len(cookies))
	copy(out, cookies)
	return out
}

// FormField is a single name/value pair of an HTML form.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"-"`
}

// Credential is the login form inferred by the credential resolver.
type Credential struct {
	LoginURL    string            `json:"login_url"`
	PageURL     string            `json:"page_url"`
	Fields      map[string]string `json:"-"`
	UserField   string            `json:"user_field"`
	PassField   string            `json:"pass_field"`
	AntiForgery *FormField        `json:"anti_forgery,omitempty"`
}

// CaptureMode identifies how the bytes of a download were obtained.
type CaptureMode string

const (
	// ModeDirectory means the browser wrote the file into the watched download directory.
	ModeDirectory CaptureMode = "directory"
	// ModeHref means a resolved resource URL was fetched over HTTP.
	ModeHref CaptureMode = "href"
)

// DownloadResult is produced by the single strategy that succeeded.
type DownloadResult struct {
	Body        []byte      `json:"-"`
	SourceURL   string      `json:"source_url"`
	Size        int         `json:"size"`
	ContentType string      `json:"content_type,omitempty"`
	Strategy    string      `json:"strategy"`
	Mode        CaptureMode `json:"mode"`
}

// FetchRequest is the input of an authenticated fetch.
type FetchRequest struct {
	URL      string
	Cookies  []Cookie
	Referrer string
}

// ---------- Event Types ----------

// Event represents a real-time event emitted by the pipeline.
type Event struct {
	Type      EventType
	Strategy  string
	Message   string
	Error     error
	Candidate *Affordance
	Result    *DownloadResult
	Elapsed   time.Duration
}

// EventType identifies the kind of event.
type EventType int

const (
	EventRunStarted EventType = iota
	EventStrategyStarted
	EventStrategySkipped
	EventStrategyFailed
	EventCandidate
	EventCaptured
	EventRunFinished
	EventRunFailed
)

// ---------- Interfaces ----------

// Page is a single browser tab driven by the pipeline.
type Page interface {
	// URL returns the URL of the document currently loaded in the tab.
	URL() string

	// HTML returns the rendered DOM of the current document.
	HTML(ctx context.Context) (string, error)

	// Evaluate runs a JS function expression against the current document.
	Evaluate(ctx context.Context, js string, args ...interface{}) (interface{}, error)

	// Click clicks the live element addressed by the affordance.
	Click(ctx context.Context, a Affordance) error

	// Href re-reads the resolved href of the live element.
	Href(ctx context.Context, a Affordance) (string, error)

	// WaitHref blocks until the element's href matches readyPattern or timeout
	// elapses, and returns the last href seen.
	WaitHref(ctx context.Context, a Affordance, readyPattern string, timeout time.Duration) (string, error)

	// EnterFrame navigates the tab into the first embedded frame whose URL
	// matches pattern. It reports whether a switch happened.
	EnterFrame(ctx context.Context, pattern string) (bool, error)

	// Cookies returns copies of the cookies visible to the current document.
	Cookies(ctx context.Context) ([]Cookie, error)

	// DownloadDir is the scratch directory the browser writes downloads into.
	DownloadDir() string

	// State returns a copy of the tab state.
	State() PageState

	// Close releases the tab and the browser process. Safe to call repeatedly.
	Close() error
}

// PageOpener opens a Page for a target.
type PageOpener func(ctx context.Context, target Target) (Page, error)

// Fetcher performs an authenticated HTTP retrieval of a resolved resource URL.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*DownloadResult, error)
}

// CredentialResolver logs into a portal over plain HTTP and returns the
// resulting session cookies.
type CredentialResolver interface {
	Resolve(ctx context.Context, baseURL, email, password string) ([]Cookie, error)
}
