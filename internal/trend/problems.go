package trend

import (
	"slices"
	"strings"
	"time"

	"crguard/internal/crguard"
)

// Defaults for chronic failure tracking.
const (
	DefaultMinFailures = 3
	DefaultLookback    = 90 * 24 * time.Hour
)

// Severity thresholds by failure count.
const (
	criticalFailures = 10
	highFailures     = 5
)

// Recommendation tags by dominant failure category.
const (
	RecommendInspection = "physical/hardware inspection"
	RecommendReimage    = "reimage/profile reset"
	RecommendPatching   = "update mechanism/disk space review"
)

// Options configures ProblemDevices.
type Options struct {
	Now         time.Time // Defaults to time.Now
	Lookback    time.Duration
	MinFailures int
}

func (o Options) withDefaults() Options {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.Lookback <= 0 {
		o.Lookback = DefaultLookback
	}
	if o.MinFailures <= 0 {
		o.MinFailures = DefaultMinFailures
	}
	return o
}

// Failure is one device failure extracted from a CR summary.
type Failure struct {
	Device   crguard.DeviceRef
	Category crguard.FailureCategory
	CR       string
}

// Failures lists every per-device failure recorded in a summary: one per
// failed policy, one per outdated target and one for being offline.
func Failures(s crguard.CRSummary) []Failure {
	cr := label(s)
	var out []Failure
	for _, p := range s.Policies {
		for _, d := range p.FailedDevices {
			out = append(out, Failure{Device: d, Category: crguard.FailurePolicy, CR: cr})
		}
	}
	for _, t := range s.Targets {
		for _, d := range t.OutdatedDevices {
			out = append(out, Failure{Device: d, Category: crguard.FailurePatch, CR: cr})
		}
	}
	for _, d := range s.Availability.OfflineDevices {
		out = append(out, Failure{Device: d, Category: crguard.FailureOffline, CR: cr})
	}
	return out
}

// ProblemDevices accumulates failures across summaries inside the lookback
// and returns devices with at least MinFailures, most failures first.
func ProblemDevices(summaries []crguard.CRSummary, opts Options) []crguard.ProblemDeviceRecord {
	opts = opts.withDefaults()
	cutoff := opts.Now.Add(-opts.Lookback)

	records := make(map[string]*crguard.ProblemDeviceRecord)
	for _, s := range summaries {
		if !s.Window.Start.IsZero() && s.Window.Start.Before(cutoff) {
			continue
		}
		for _, f := range Failures(s) {
			r, ok := records[f.Device.ID]
			if !ok {
				r = &crguard.ProblemDeviceRecord{
					DeviceID:  f.Device.ID,
					Breakdown: make(map[crguard.FailureCategory]int),
				}
				records[f.Device.ID] = r
			}
			if r.Name == "" {
				r.Name = f.Device.Name
			}
			if r.Serial == "" {
				r.Serial = f.Device.Serial
			}
			r.FailureCount++
			r.Breakdown[f.Category]++
			if !slices.Contains(r.ChangeRequests, f.CR) {
				r.ChangeRequests = append(r.ChangeRequests, f.CR)
			}
		}
	}

	var out []crguard.ProblemDeviceRecord
	for _, r := range records {
		if r.FailureCount < opts.MinFailures {
			continue
		}
		r.Recommendation = Recommend(r.Breakdown)
		r.Severity = severity(r.FailureCount)
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b crguard.ProblemDeviceRecord) int {
		if a.FailureCount != b.FailureCount {
			return b.FailureCount - a.FailureCount
		}
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}

// Dominant returns the category with the most failures. Ties resolve in the
// order offline, policy, patch.
func Dominant(breakdown map[crguard.FailureCategory]int) crguard.FailureCategory {
	best := crguard.FailureOffline
	for _, c := range []crguard.FailureCategory{crguard.FailurePolicy, crguard.FailurePatch} {
		if breakdown[c] > breakdown[best] {
			best = c
		}
	}
	return best
}

// Recommend maps a failure breakdown to a recommendation tag.
func Recommend(breakdown map[crguard.FailureCategory]int) string {
	switch Dominant(breakdown) {
	case crguard.FailureOffline:
		return RecommendInspection
	case crguard.FailurePolicy:
		return RecommendReimage
	default:
		return RecommendPatching
	}
}

func severity(count int) string {
	switch {
	case count >= criticalFailures:
		return "critical"
	case count >= highFailures:
		return "high"
	default:
		return "elevated"
	}
}
