package output

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// RunSummary is the outcome of one acquisition run.
type RunSummary struct {
	RunID     string
	Version   string
	Target    acquire.Target
	StartedAt time.Time
	Duration  time.Duration
	Result    *acquire.DownloadResult
	Err       error
}

// ReportWriter writes a run report to a plain text file,
// mirroring the terminal output (without ANSI color codes).
type ReportWriter struct {
	path  string
	lines []string
	mu    sync.Mutex
}

// NewReportWriter creates a new plain-text report writer.
func NewReportWriter(path string) *ReportWriter {
	return &ReportWriter{path: path}
}

// Record appends one pipeline event to the report.
func (w *ReportWriter) Record(ev acquire.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch ev.Type {
	case acquire.EventStrategyStarted:
		w.lines = append(w.lines, fmt.Sprintf("  [try]  %s", ev.Strategy))
	case acquire.EventStrategySkipped:
		w.lines = append(w.lines, fmt.Sprintf("  [skip] %s: %s", ev.Strategy, ev.Message))
	case acquire.EventStrategyFailed:
		reason := ev.Message
		if ev.Error != nil {
			reason = ev.Error.Error()
		}
		w.lines = append(w.lines, fmt.Sprintf("  [fail] %s (%s): %s", ev.Strategy, fmtDur(ev.Elapsed), reason))
	case acquire.EventCandidate:
		if c := ev.Candidate; c != nil {
			w.lines = append(w.lines, fmt.Sprintf("      +-- candidate %s score=%d href=%s", c.Label(), c.Score, c.Href))
		}
	case acquire.EventCaptured:
		if r := ev.Result; r != nil {
			w.lines = append(w.lines, fmt.Sprintf("  [ok]   %s via %s mode: %d bytes from %s", r.Strategy, r.Mode, r.Size, r.SourceURL))
		}
	}
}

// Finalize renders the report and writes it atomically.
func (w *ReportWriter) Finalize(summary *RunSummary) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder

	version := summary.Version
	if version == "" {
		version = "dev"
	}
	b.WriteString(fmt.Sprintf("\n  CSVGRAB %s\n", version))
	b.WriteString("  Browser-driven data export acquisition\n")
	b.WriteString("  " + strings.Repeat("-", 58) + "\n\n")

	b.WriteString(fmt.Sprintf("  Run:     %s\n", summary.RunID))
	b.WriteString(fmt.Sprintf("  Target:  %s\n", summary.Target.EntryURL))
	b.WriteString(fmt.Sprintf("  Output:  %s\n", summary.Target.OutputPath))
	b.WriteString(fmt.Sprintf("  Started: %s\n\n", summary.StartedAt.Format(time.RFC1123)))

	for _, line := range w.lines {
		b.WriteString(line + "\n")
	}

	b.WriteString("\n  " + strings.Repeat("-", 50) + "\n")
	if summary.Err == nil && summary.Result != nil {
		r := summary.Result
		b.WriteString("  Acquisition complete\n")
		b.WriteString(fmt.Sprintf("    Strategy: %s (%s)\n", r.Strategy, r.Mode))
		b.WriteString(fmt.Sprintf("    Source:   %s\n", r.SourceURL))
		b.WriteString(fmt.Sprintf("    Size:     %d bytes in %s\n", r.Size, fmtDur(summary.Duration)))
	} else {
		b.WriteString(fmt.Sprintf("  Acquisition failed after %s\n", fmtDur(summary.Duration)))
		var failed *acquire.AcquisitionFailed
		if errors.As(summary.Err, &failed) {
			b.WriteString(fmt.Sprintf("    Strategies: %d attempted\n", len(failed.Attempts)))
			b.WriteString(fmt.Sprintf("    Candidates: %d inspected\n", len(failed.Candidates)))
		}
		if summary.Err != nil {
			for _, line := range strings.Split(summary.Err.Error(), "\n") {
				b.WriteString("    " + strings.TrimSpace(line) + "\n")
			}
		}
	}
	b.WriteString("\n")

	return WriteAtomic(w.path, []byte(b.String()))
}

// ---------- helpers ----------

func fmtDur(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", m, s)
}
