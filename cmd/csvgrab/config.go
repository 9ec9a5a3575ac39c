package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ramkansal/csvgrab/internal/observability"
	"github.com/ramkansal/csvgrab/internal/pipeline"
)

// settings is everything csvgrab reads from flags, env and the config file.
type settings struct {
	pipeline.Config `mapstructure:",squash"`
	Logger          observability.LoggerConfig `mapstructure:"logger"`
}

// flag name -> config key, for flags whose names differ from their keys.
var flagKeys = map[string]string{
	"nav-text":     "nav_text",
	"match":        "match_token",
	"base-url":     "base_url",
	"login-path":   "login_path",
	"raw-path":     "raw_path",
	"download-dir": "download_dir",
	"browser-bin":  "browser_bin",
	"user-agent":   "user_agent",
	"preview":      "preview_lines",
	"metrics-file": "metrics_file",
	"log-level":    "logger.level",
	"log-format":   "logger.format",
	"log-file":     "logger.log_file",
}

func registerRunFlags(fs *pflag.FlagSet) {
	d := pipeline.DefaultConfig()
	l := observability.DefaultLoggerConfig()

	fs.String("url", "", "page hosting the export control")
	fs.StringP("output", "o", "", `artifact path (default "data/raw_projections.csv")`)
	fs.Int("season", 0, "season year, names the output raw_stats_<season>_wk<week>.csv")
	fs.Int("week", 0, "week number, used with --season")
	fs.DurationP("timeout", "t", d.Timeout, "overall budget for the browser strategies")

	fs.StringP("reference", "r", "", "element id, name or data-testid of the known export control")
	fs.String("nav-text", "", "visible text of a tab to open before retrying the reference")
	fs.StringP("match", "m", "", "token that raises a candidate's discovery score")

	fs.String("cookie", "", `session cookie header ("name=value; ...") for the HTTP fallback`)
	fs.String("email", "", "portal login email for the HTTP fallback")
	fs.String("password", "", "portal login password for the HTTP fallback")
	fs.String("base-url", "", "portal origin (default scheme+host of --url)")
	fs.String("login-path", "", "login page path tried before the built-in candidates")
	fs.String("raw-path", "", "path or URL of the raw export for the HTTP fallback")

	fs.Bool("headless", d.Headless, "run the browser headless")
	fs.Bool("stealth", d.Stealth, "apply stealth evasions to the page")
	fs.String("browser-bin", "", "browser binary (default: managed download)")
	fs.String("download-dir", "", "watched download directory (default: temp dir per run)")
	fs.String("user-agent", d.UserAgent, "user agent for the browser and HTTP requests")

	fs.Int("preview", d.PreviewLines, "lines of the artifact to print on success")
	fs.String("report", "", "write a plain-text run report to this file")
	fs.String("metrics-file", "", "write Prometheus metrics to this textfile")

	fs.String("log-level", l.Level, "log level: debug, info, warn, error")
	fs.String("log-format", l.Format, "log format: console, json")
	fs.String("log-file", "", "also write JSON logs to this rotating file")
}

// newViper builds a viper instance with defaults, env binding and the
// command's flags. Flags win over env, env over the config file.
func newViper(cmd *cobra.Command, cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("csvgrab")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CSVGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "silent" || f.Name == "no-color" || f.Name == "help" || f.Name == "version" {
			return
		}
		key := f.Name
		if k, ok := flagKeys[f.Name]; ok {
			key = k
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind --%s: %w", f.Name, err)
		}
	})
	return v, bindErr
}

// setDefaults registers every key so env vars reach keys without a flag.
func setDefaults(v *viper.Viper) {
	d := pipeline.DefaultConfig()
	l := observability.DefaultLoggerConfig()

	v.SetDefault("navigation_timeout", d.NavigationTimeout)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("discovery_interval", d.DiscoveryInterval)
	v.SetDefault("settle_timeout", d.SettleTimeout)
	v.SetDefault("capture_wait", d.CaptureWait)
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("max_body_bytes", d.MaxBodyBytes)
	v.SetDefault("download_pattern", d.DownloadPattern)
	v.SetDefault("ready_pattern", d.ReadyPattern)
	v.SetDefault("frame_pattern", d.FramePattern)
	v.SetDefault("vocabulary", d.Vocabulary)
	v.SetDefault("weights.download_path", d.Weights.DownloadPath)
	v.SetDefault("weights.vocabulary", d.Weights.Vocabulary)
	v.SetDefault("weights.token", d.Weights.Token)

	v.SetDefault("logger.max_size", l.MaxSize)
	v.SetDefault("logger.max_backups", l.MaxBackups)
	v.SetDefault("logger.max_age", l.MaxAge)
	v.SetDefault("logger.compress", l.Compress)
	v.SetDefault("logger.service_name", l.ServiceName)
}

// loadSettings resolves the effective settings. A positional URL overrides
// every other source.
func loadSettings(cmd *cobra.Command, args []string, cfgFile string) (*settings, error) {
	v, err := newViper(cmd, cfgFile)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		v.Set("url", args[0])
	}

	s := &settings{
		Config: *pipeline.DefaultConfig(),
		Logger: observability.DefaultLoggerConfig(),
	}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	s.Logger.NoColor = s.Logger.NoColor || noColor
	return s, nil
}
