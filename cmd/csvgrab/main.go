package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ramkansal/csvgrab/internal/observability"
	"github.com/ramkansal/csvgrab/internal/output"
	"github.com/ramkansal/csvgrab/internal/pipeline"
	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	silent  bool
	noColor bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		observability.Sync()
		fatal("%v", err)
	}
	observability.Sync()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "csvgrab [flags] <url>",
		Short: "Acquire a data export from a script-heavy web page",
		Long: `csvgrab drives a browser to a page whose data is only reachable through an
export control, captures the file the control produces and writes it verbatim.
When the browser strategies fail it falls back to an authenticated HTTP fetch.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			enableANSI()
		},
		RunE: runAcquire,
	}
	root.SetVersionTemplate("csvgrab v{{.Version}}\n")

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./csvgrab.yaml)")
	root.PersistentFlags().BoolVar(&silent, "silent", false, "suppress all output except errors and the preview")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	registerRunFlags(root.Flags())

	root.AddCommand(newLatestCmd(), newVersionCmd())
	return root
}

func newLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest [dir]",
		Short: "Print the newest raw_stats_YYYY_wkN.csv artifact",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := output.DefaultDir
			if len(args) > 0 {
				dir = args[0]
			}
			a, err := output.FindLatest(dir)
			if err != nil {
				return err
			}
			if !silent {
				fmt.Fprintf(os.Stderr, "  %s season %d, week %d\n", clr("cyan", "Latest:"), a.Year, a.Week)
			}
			fmt.Println(a.Path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("csvgrab v%s\n", version)
		},
	}
}

func runAcquire(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd, args, cfgFile)
	if err != nil {
		return err
	}
	if s.URL == "" {
		_ = cmd.Usage()
		return errors.New("a target url is required")
	}
	// Accept bare hosts the way browsers do.
	if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		s.URL = "https://" + s.URL
	}

	observability.InitializeLogger(s.Logger)
	logger := observability.GetLogger()
	logger.Debug("starting csvgrab", zap.String("version", version))

	cfg := &s.Config
	p, err := pipeline.New(cfg, pipeline.WithLogger(logger), pipeline.WithVersion(version))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	registerSignals(sig)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			fmt.Fprintf(os.Stderr, "\n\n%s Interrupt received, stopping...\n", clr("yellow", "!"))
			cancel()
		case <-ctx.Done():
		}
	}()

	return run(ctx, p, cfg)
}

func run(ctx context.Context, p *pipeline.Pipeline, cfg *pipeline.Config) error {
	if !silent {
		printBanner()
		fmt.Fprintf(os.Stderr, "\n  %s %s\n", clr("cyan", "Target:"), cfg.URL)
		fmt.Fprintf(os.Stderr, "  %s %s  %s %s  %s %s\n\n",
			clr("dim", "Output:"), cfg.Output,
			clr("dim", "Budget:"), fmtDur(cfg.Timeout),
			clr("dim", "Run:"), p.RunID(),
		)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range p.Events() {
			if silent {
				continue
			}
			handleEvent(event, cfg)
		}
	}()

	res, err := p.Run(ctx)
	<-done
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted")
		}
		return err
	}

	if err := output.Preview(os.Stdout, res.Body, cfg.PreviewLines); err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	return nil
}

func handleEvent(event acquire.Event, cfg *pipeline.Config) {
	switch event.Type {
	case acquire.EventRunStarted:
		// already printed in run()

	case acquire.EventStrategyStarted:
		fmt.Fprintf(os.Stderr, "  %s %s\n", clr("cyan", "→"), event.Strategy)

	case acquire.EventStrategySkipped:
		fmt.Fprintf(os.Stderr, "  %s %s %s\n", clr("dim", "○"), event.Strategy, clr("dim", "("+event.Message+")"))

	case acquire.EventStrategyFailed:
		reason := event.Message
		if event.Error != nil {
			reason = event.Error.Error()
		}
		fmt.Fprintf(os.Stderr, "  %s %s %s %s\n",
			clr("red", "✗"),
			event.Strategy,
			clr("dim", "("+fmtDur(event.Elapsed)+")"),
			reason,
		)

	case acquire.EventCandidate:
		if c := event.Candidate; c != nil {
			fmt.Fprintf(os.Stderr, "      %s %s %s\n",
				clr("dim", "├─ candidate:"),
				c.Label(),
				clr("yellow", fmt.Sprintf("score=%d", c.Score)),
			)
		}

	case acquire.EventCaptured:
		if r := event.Result; r != nil {
			fmt.Fprintf(os.Stderr, "  %s %s [%s] %s %s\n",
				clr("green", "●"),
				event.Strategy,
				clr("cyan", string(r.Mode)),
				r.SourceURL,
				clr("dim", "("+fmtDur(event.Elapsed)+")"),
			)
		}

	case acquire.EventRunFinished:
		r := event.Result
		if r == nil {
			return
		}
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "  %s\n", strings.Repeat("─", 50))
		fmt.Fprintf(os.Stderr, "  %s Acquisition complete\n", clr("green", "✓"))
		fmt.Fprintf(os.Stderr, "    Strategy: %s (%s)\n", clr("cyan", r.Strategy), r.Mode)
		fmt.Fprintf(os.Stderr, "    Size:     %s bytes in %s\n",
			clr("yellow", fmt.Sprintf("%d", r.Size)),
			fmtDur(event.Elapsed),
		)
		fmt.Fprintf(os.Stderr, "    Output:   %s\n", clr("green", cfg.Output))
		if cfg.Report != "" {
			fmt.Fprintf(os.Stderr, "    Report:   %s\n", cfg.Report)
		}
		fmt.Fprintln(os.Stderr)

	case acquire.EventRunFailed:
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "  %s\n", strings.Repeat("─", 50))
		fmt.Fprintf(os.Stderr, "  %s Acquisition failed after %s\n", clr("red", "✗"), fmtDur(event.Elapsed))
	}
}

// ---------- Banner ----------

func printBanner() {
	fmt.Fprintln(os.Stderr, clr("cyan", "\n  csvgrab"))
	fmt.Fprintf(os.Stderr, "  %s  %s\n", clr("dim", "Browser-driven data export acquisition"), clr("dim", "v"+version))
	fmt.Fprintf(os.Stderr, "  %s\n", clr("dim", strings.Repeat("─", 58)))
}

// ---------- Utilities ----------

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

func clr(color, text string) string {
	if noColor {
		return text
	}
	codes := map[string]string{
		"red":    "\033[31m",
		"green":  "\033[32m",
		"yellow": "\033[33m",
		"cyan":   "\033[36m",
		"dim":    "\033[2m",
		"bold":   "\033[1m",
		"reset":  "\033[0m",
	}
	c, ok := codes[color]
	if !ok {
		return text
	}
	return c + text + codes["reset"]
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\n  %s %s\n\n", clr("red", "ERROR:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}
