// Package trend compares change request results over time and tracks
// devices that keep failing.
package trend

import (
	"fmt"
	"math"

	"crguard/internal/crguard"
)

// DefaultStableThreshold is the percentage-point band treated as no change.
const DefaultStableThreshold = 0.5

// Direction classifies a metric delta.
type Direction string

// Trend directions.
const (
	Improving Direction = "Improving"
	Stable    Direction = "Stable"
	Degrading Direction = "Degrading"
)

// Metric names.
const (
	MetricOverallCompliance = "overall_compliance"
	MetricAvailabilityRate  = "availability_rate"
	MetricPolicySuccessRate = "policy_success_rate"
	MetricPolicyFailures    = "total_policy_failures"
)

// Thresholds configures trend classification.
type Thresholds struct {
	StablePP float64 // Deltas within +/- this many percentage points are Stable
}

func (t Thresholds) stable() float64 {
	if t.StablePP <= 0 {
		return DefaultStableThreshold
	}
	return t.StablePP
}

// MetricDelta is one compared metric.
type MetricDelta struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Previous  float64   `json:"previous"`
	Current   float64   `json:"current"`
	Delta     float64   `json:"delta"`
	Inverse   bool      `json:"inverse,omitempty"` // Lower is better
}

// Comparison is the result of comparing two CRs.
type Comparison struct {
	Current         string        `json:"current"`
	Previous        string        `json:"previous"`
	Metrics         []MetricDelta `json:"metrics"`
	ProblemAreas    []string      `json:"problem_areas,omitempty"`
	Improvements    []string      `json:"improvements,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// Metric returns the named metric, if present.
func (c Comparison) Metric(name string) (MetricDelta, bool) {
	for _, m := range c.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricDelta{}, false
}

// Classify maps a delta onto a direction. Deltas exactly on the threshold are
// Stable.
func Classify(delta float64, th Thresholds) Direction {
	band := th.stable()
	switch {
	case delta > band:
		return Improving
	case delta < -band:
		return Degrading
	default:
		return Stable
	}
}

func totalPolicyFailures(s crguard.CRSummary) int {
	n := 0
	for _, p := range s.Policies {
		n += p.Failed
	}
	return n
}

func metric(name string, previous, current float64, inverse bool, th Thresholds) MetricDelta {
	delta := round2(current - previous)
	m := MetricDelta{Name: name, Previous: previous, Current: current, Delta: delta, Inverse: inverse}
	if inverse {
		// A failure count has no percentage scale; any decrease is progress.
		switch {
		case delta < 0:
			m.Direction = Improving
		case delta > 0:
			m.Direction = Degrading
		default:
			m.Direction = Stable
		}
		return m
	}
	m.Direction = Classify(delta, th)
	return m
}

// Compare computes current minus previous for each tracked metric.
func Compare(current, previous crguard.CRSummary, th Thresholds) Comparison {
	c := Comparison{
		Current:  label(current),
		Previous: label(previous),
		Metrics: []MetricDelta{
			metric(MetricOverallCompliance, previous.OverallCompliance, current.OverallCompliance, false, th),
			metric(MetricAvailabilityRate, previous.Availability.Rate, current.Availability.Rate, false, th),
			metric(MetricPolicySuccessRate, previous.PolicySuccessRate, current.PolicySuccessRate, false, th),
			metric(MetricPolicyFailures, float64(totalPolicyFailures(previous)), float64(totalPolicyFailures(current)), true, th),
		},
	}

	for _, m := range c.Metrics {
		switch m.Direction {
		case Degrading:
			c.ProblemAreas = append(c.ProblemAreas, fmt.Sprintf("%s degraded by %.2f (%.2f -> %.2f)", m.Name, math.Abs(m.Delta), m.Previous, m.Current))
		case Improving:
			c.Improvements = append(c.Improvements, fmt.Sprintf("%s improved by %.2f (%.2f -> %.2f)", m.Name, math.Abs(m.Delta), m.Previous, m.Current))
		default:
		}
	}
	c.Recommendations = recommendations(c)
	return c
}

func recommendations(c Comparison) []string {
	var recs []string
	if m, ok := c.Metric(MetricOverallCompliance); ok && m.Direction == Degrading {
		recs = append(recs, "Review patch deployment for devices that regressed since the previous CR")
	}
	if m, ok := c.Metric(MetricAvailabilityRate); ok && m.Direction == Degrading {
		recs = append(recs, "Check device connectivity and MDM check-in health before the next CR")
	}
	if m, ok := c.Metric(MetricPolicyFailures); ok && m.Direction == Degrading {
		recs = append(recs, "Investigate policy failures; run problem-devices to find repeat offenders")
	}
	if len(recs) == 0 {
		recs = append(recs, "Maintain current CR process")
	}
	return recs
}

func label(s crguard.CRSummary) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
