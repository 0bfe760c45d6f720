// Copyright 2025 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics records pipeline counters for unattended runs. The counters
// can be written to a node_exporter textfile when a run ends.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keysweep"

// Recorder holds the collectors of one run. A nil *Recorder records nothing.
//
// Metrics:
//   - keysweep_packages_polled_total{registry}
//   - keysweep_packages_fetched_total{registry}
//   - keysweep_packages_promoted_total{registry}
//   - keysweep_candidates_total{registry}
//   - keysweep_live_credentials_total{registry}
//   - keysweep_errors_total{registry,stage}
//   - keysweep_stage_duration_seconds{stage}
//   - keysweep_last_run_timestamp_seconds
type Recorder struct {
	registry *prometheus.Registry

	polled     *prometheus.CounterVec
	fetched    *prometheus.CounterVec
	promoted   *prometheus.CounterVec
	candidates *prometheus.CounterVec
	live       *prometheus.CounterVec
	errors     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	lastRun    prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		polled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_polled_total",
			Help:      "Package artifacts returned by registry polls",
		}, []string{"registry"}),
		fetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_fetched_total",
			Help:      "Package archives downloaded",
		}, []string{"registry"}),
		promoted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_promoted_total",
			Help:      "Packages whose archive matched the quick check",
		}, []string{"registry"}),
		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Key pairs extracted by the full check",
		}, []string{"registry"}),
		live: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_credentials_total",
			Help:      "Key pairs confirmed live by STS",
		}, []string{"registry"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failures by registry and pipeline stage",
		}, []string{"registry", "stage"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per package in each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Polled(registry string, n int) {
	if r == nil {
		return
	}
	r.polled.WithLabelValues(registry).Add(float64(n))
}

func (r *Recorder) Fetched(registry string) {
	if r == nil {
		return
	}
	r.fetched.WithLabelValues(registry).Inc()
}

func (r *Recorder) Promoted(registry string) {
	if r == nil {
		return
	}
	r.promoted.WithLabelValues(registry).Inc()
}

func (r *Recorder) Candidates(registry string, n int) {
	if r == nil {
		return
	}
	r.candidates.WithLabelValues(registry).Add(float64(n))
}

func (r *Recorder) Live(registry string) {
	if r == nil {
		return
	}
	r.live.WithLabelValues(registry).Inc()
}

func (r *Recorder) Error(registry, stage string) {
	if r == nil {
		return
	}
	r.errors.WithLabelValues(registry, stage).Inc()
}

// ObserveStage records how long a stage took, starting at start.
func (r *Recorder) ObserveStage(stage string, start time.Time) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Finish stamps the run completion time.
func (r *Recorder) Finish(at time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes every metric in the text exposition format, replacing
// path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}

	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}

	return nil
}
