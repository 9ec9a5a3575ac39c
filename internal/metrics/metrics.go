// Package metrics records per-run acquisition metrics and exports them in the
// Prometheus text format for the node exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Strategy outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Recorder holds the metrics of one run on a private registry. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	strategyAttempts *prometheus.CounterVec
	strategyDuration *prometheus.HistogramVec
	capturedBytes    *prometheus.GaugeVec
	runDuration      prometheus.Gauge
	runSuccess       prometheus.Gauge
	lastRun          prometheus.Gauge

	logger *zap.Logger
}

// NewRecorder creates a recorder whose metric names are prefixed by namespace.
func NewRecorder(namespace string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		strategyAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_attempts_total",
				Help:      "Strategies attempted by outcome",
			},
			[]string{"strategy", "outcome"},
		),
		strategyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "strategy_duration_seconds",
				Help:      "Time spent in each strategy",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"strategy"},
		),
		capturedBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "captured_bytes",
				Help:      "Size of the captured artifact",
			},
			[]string{"strategy", "mode"},
		),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run",
		}),
		runSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_success",
			Help:      "1 if the last run produced an artifact",
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// RecordStrategy counts one strategy outcome and its duration.
func (r *Recorder) RecordStrategy(strategy, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.strategyAttempts.WithLabelValues(strategy, outcome).Inc()
	if outcome != OutcomeSkipped {
		r.strategyDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	}
}

// RecordCapture records the size of the captured artifact.
func (r *Recorder) RecordCapture(strategy, mode string, size int) {
	if r == nil {
		return
	}
	r.capturedBytes.WithLabelValues(strategy, mode).Set(float64(size))
}

// RecordRun records the overall outcome of the run.
func (r *Recorder) RecordRun(success bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runDuration.Set(elapsed.Seconds())
	if success {
		r.runSuccess.Set(1)
	} else {
		r.runSuccess.Set(0)
	}
	r.lastRun.SetToCurrentTime()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WriteTextfile writes every metric to path in the Prometheus text format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	r.logger.Debug("metrics written", zap.String("path", path))
	return nil
}
