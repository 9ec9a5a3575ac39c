// Package capture holds the bounded waits used by the pipeline: a generic
// poller and the watched-directory download capture.
package capture

import (
	"context"
	"time"

	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// CheckFunc reports whether the awaited condition holds. A non-nil error
// aborts the wait immediately.
type CheckFunc func(ctx context.Context) (bool, error)

// Poll configures a bounded polling loop.
type Poll struct {
	What     string
	Interval time.Duration
	Ceiling  time.Duration
	// Wake, when set, triggers an extra check before the next tick.
	Wake <-chan struct{}
}

// Until runs check immediately and then on every interval until it returns
// true, the ceiling elapses, or ctx is done. Expiry is reported as
// *acquire.CaptureTimeout and never happens before the ceiling.
func (p Poll) Until(ctx context.Context, check CheckFunc) (int, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	start := time.Now()
	deadline := start.Add(p.Ceiling)
	attempts := 0

	for {
		attempts++
		ok, err := check(ctx)
		if err != nil {
			return attempts, err
		}
		if ok {
			return attempts, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return attempts, &acquire.CaptureTimeout{What: p.What, Waited: time.Since(start), Attempts: attempts}
		}

		wait := interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-p.Wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
