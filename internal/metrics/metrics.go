// Package metrics records per-run CR metrics and writes them for the
// node-exporter textfile collector.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"crguard/internal/crguard"
)

const namespace = "crguard"

// Run holds the metrics of one invocation. Each Run owns its registry, so
// runs never share state.
type Run struct {
	reg             *prometheus.Registry
	classifications *prometheus.CounterVec
	compliance      *prometheus.GaugeVec
	overall         prometheus.Gauge
	successful      prometheus.Gauge
	remediation     *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	duration        prometheus.Gauge
	start           time.Time
}

// New creates the metrics of a run starting now.
func New() *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Run{
		reg:   reg,
		start: time.Now(),
		classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Device classifications by policy and resolved status.",
		}, []string{"policy", "status"}),
		compliance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compliance_rate",
			Help:      "Compliance percentage per patch target.",
		}, []string{"target"}),
		overall: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overall_compliance",
			Help:      "Overall CR compliance percentage.",
		}),
		successful: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cr_successful",
			Help:      "1 when the CR met its success threshold.",
		}),
		remediation: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_attempts_total",
			Help:      "Remediation attempts by outcome.",
		}, []string{"outcome"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Jamf API responses by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Jamf API request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		duration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the run.",
		}),
	}
}

// ObserveResponse records one API response. Its signature matches the jamf
// client's OnResponse hook; code 0 means no response was received.
func (r *Run) ObserveResponse(method string, code int, elapsed time.Duration) {
	r.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.requestDuration.Observe(elapsed.Seconds())
}

// ObserveAttempt records one remediation attempt. Its signature matches the
// remediation engine's OnAttempt hook.
func (r *Run) ObserveAttempt(a crguard.RemediationAttempt) {
	r.remediation.WithLabelValues(string(a.Outcome)).Inc()
}

// ObserveSummary records the verdict of a CR.
func (r *Run) ObserveSummary(s crguard.CRSummary) {
	for _, p := range s.Policies {
		for status, n := range map[crguard.Status]int{
			crguard.StatusCompleted: p.Completed,
			crguard.StatusFailed:    p.Failed,
			crguard.StatusPending:   p.Pending,
			crguard.StatusOffline:   p.Offline,
		} {
			r.classifications.WithLabelValues(p.PolicyID, string(status)).Add(float64(n))
		}
	}
	for _, t := range s.Targets {
		r.compliance.WithLabelValues(t.Target.Name).Set(t.Rate)
	}
	r.overall.Set(s.OverallCompliance)
	if s.Successful {
		r.successful.Set(1)
	} else {
		r.successful.Set(0)
	}
}

// Write stamps the run duration and writes the registry to path in the
// Prometheus text format.
func (r *Run) Write(path string) error {
	r.duration.Set(time.Since(r.start).Seconds())
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
