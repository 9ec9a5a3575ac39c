package acquire

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAffordanceNotFound marks the expected "nothing to click" branch of the
// fallback chain. It is never surfaced on its own as a failed run.
var ErrAffordanceNotFound = errors.New("affordance not found")

// NavigationError means the page never reached the loaded readiness state.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// EvaluationError means an in-page script threw or its context was destroyed.
type EvaluationError struct {
	Script string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("script evaluation failed: %v", e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// CaptureTimeout is raised when a bounded wait expires before anything
// materialized.
type CaptureTimeout struct {
	What     string
	Waited   time.Duration
	Attempts int
}

func (e *CaptureTimeout) Error() string {
	what := e.What
	if what == "" {
		what = "capture"
	}
	return fmt.Sprintf("%s timed out after %s (%d polls)", what, e.Waited.Round(time.Millisecond), e.Attempts)
}

// HTTPError is returned when the remote answered with a status >= 400.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: http status %d", e.URL, e.Status)
}

// UnexpectedContentType means the fetched bytes look like markup, not data.
type UnexpectedContentType struct {
	ContentType string
	Reason      string
}

func (e *UnexpectedContentType) Error() string {
	ct := e.ContentType
	if ct == "" {
		ct = "<none>"
	}
	return fmt.Sprintf("unexpected content (content-type %s): %s", ct, e.Reason)
}

// LoginDiscoveryFailed lists every login URL that was tried.
type LoginDiscoveryFailed struct {
	Tried []string
}

func (e *LoginDiscoveryFailed) Error() string {
	return fmt.Sprintf("no login page found (tried %s)", strings.Join(e.Tried, ", "))
}

// LoginRejected is returned when the portal answered the login POST with a
// status >= 400.
type LoginRejected struct {
	Status int
}

func (e *LoginRejected) Error() string {
	return fmt.Sprintf("login rejected with http status %d", e.Status)
}

// Attempt records the outcome of one strategy in the fallback chain.
type Attempt struct {
	Strategy string
	Skipped  bool
	Err      error
}

// AcquisitionFailed is the terminal error of a run where every strategy was
// exhausted. Its message lists every attempted strategy and every discovery
// candidate that was inspected.
type AcquisitionFailed struct {
	Attempts   []Attempt
	Candidates []Affordance
	Cause      error
}

func (e *AcquisitionFailed) Error() string {
	var b strings.Builder
	b.WriteString("acquisition failed: all strategies exhausted\n")
	b.WriteString("  strategies attempted:\n")
	for i, a := range e.Attempts {
		status := "failed"
		if a.Skipped {
			status = "skipped"
		}
		reason := "no result"
		if a.Err != nil {
			reason = a.Err.Error()
		}
		fmt.Fprintf(&b, "    %d. %s (%s): %s\n", i+1, a.Strategy, status, reason)
	}
	fmt.Fprintf(&b, "  discovery candidates inspected: %d\n", len(e.Candidates))
	for _, c := range e.Candidates {
		id := c.ID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(&b, "    <%s> id=%s text=%q href=%q score=%d\n", c.Tag, id, c.Text, c.Href, c.Score)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *AcquisitionFailed) Unwrap() error { return e.Cause }
