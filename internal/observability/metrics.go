// Package observability wires Prometheus metrics and OpenTelemetry
// tracing around the solve pipeline.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TrackerCollector bundles Prometheus metrics for the tracker and
// provides a ready-to-serve /metrics handler.
type TrackerCollector struct {
	gatherer prometheus.Gatherer

	Cycles         *prometheus.CounterVec
	SolveDurations prometheus.Histogram
	CaptureRetries prometheus.Counter
	State          prometheus.Gauge
	StoredFrames   prometheus.Gauge
	MatchedStars   prometheus.Histogram
}

// NewTrackerCollector registers the tracker metrics against the
// provided registerer, defaulting to the global Prometheus registry
// when nil. Registration is idempotent: an already-registered
// collector of the same shape is reused.
func NewTrackerCollector(reg prometheus.Registerer) (*TrackerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_cycles_total",
		Help: "Completed solve cycles, labeled by outcome (valid, invalid, capture_failed).",
	}, []string{"outcome"})
	cycles, err := registerCounterVec(reg, cycles, "tracker_cycles_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_solve_duration_seconds",
		Help:    "End-to-end duration of one capture+solve cycle.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}), "tracker_solve_duration_seconds")
	if err != nil {
		return nil, err
	}

	retries, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_capture_retries_total",
		Help: "Capture attempts that failed and were retried within a cycle.",
	}), "tracker_capture_retries_total")
	if err != nil {
		return nil, err
	}

	state, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_state",
		Help: "Current solver state as its enumeration value.",
	}), "tracker_state")
	if err != nil {
		return nil, err
	}

	stored, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_stored_frames",
		Help: "Frames currently held by the retention store.",
	}), "tracker_stored_frames")
	if err != nil {
		return nil, err
	}

	matched, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_matched_stars",
		Help:    "Inlier matches per valid solution.",
		Buckets: []float64{3, 4, 5, 6, 8, 10, 15, 20},
	}), "tracker_matched_stars")
	if err != nil {
		return nil, err
	}

	return &TrackerCollector{
		gatherer:       gatherer,
		Cycles:         cycles,
		SolveDurations: durations,
		CaptureRetries: retries,
		State:          state,
		StoredFrames:   stored,
		MatchedStars:   matched,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *TrackerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveCycle records one finished cycle. Collector methods tolerate
// a nil receiver so the tracker can run without metrics in tests.
func (c *TrackerCollector) ObserveCycle(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.Cycles.WithLabelValues(outcome).Inc()
	c.SolveDurations.Observe(seconds)
}

// SetState mirrors the solver state into its gauge.
func (c *TrackerCollector) SetState(state int) {
	if c == nil {
		return
	}
	c.State.Set(float64(state))
}

// IncCaptureRetry counts one failed capture attempt.
func (c *TrackerCollector) IncCaptureRetry() {
	if c == nil {
		return
	}
	c.CaptureRetries.Inc()
}

// SetStoredFrames mirrors the retention store size.
func (c *TrackerCollector) SetStoredFrames(n int) {
	if c == nil {
		return
	}
	c.StoredFrames.Set(float64(n))
}

// ObserveMatchedStars records the inlier count of a valid solution.
func (c *TrackerCollector) ObserveMatchedStars(n int) {
	if c == nil {
		return
	}
	c.MatchedStars.Observe(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
