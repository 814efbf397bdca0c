// Package summary aggregates classifications and compliance results into a
// change request verdict.
package summary

import (
	"fmt"
	"time"

	"crguard/internal/analyzer"
	"crguard/internal/classifier"
	"crguard/internal/crguard"
)

const (
	// DefaultSuccessThreshold is the compliance fraction a CR must reach.
	DefaultSuccessThreshold = 0.95
	// Contact this close to the window end counts as online for the whole window.
	recentContact = 24 * time.Hour
	// Offline percentage above which the CR gets a dedicated issue.
	offlineIssueRate = 10.0
)

// Fixed steps appended when a CR passes without issues.
const (
	StepVerifySample = "Verify a random sample of devices"
	StepDocument     = "Document CR completion in the change management system"
)

// Bucket is a device availability class.
type Bucket int

// Availability buckets.
const (
	OfflineEntireWindow Bucket = iota
	OnlinePartialWindow
	OnlineEntireWindow
)

func (b Bucket) String() string {
	switch b {
	case OnlineEntireWindow:
		return "online-entire-window"
	case OnlinePartialWindow:
		return "online-partial-window"
	default:
		return "offline-entire-window"
	}
}

// PolicyInput is the classification set of one policy.
type PolicyInput struct {
	ID              string
	Name            string
	Classifications []crguard.DeviceClassification
}

// Input is everything the aggregator needs for one CR.
type Input struct {
	Now          time.Time // Generation time; defaults to time.Now
	Window       crguard.CRWindow
	Name         string
	Devices      []crguard.Device
	Policies     []PolicyInput
	Profiles     []crguard.ProfileTotals
	Targets      []crguard.ComplianceResult
	TargetErrors []crguard.TargetError
	Excluded     []crguard.Exclusion // Devices dropped before evaluation, e.g. fetch failures
	Warnings     []string
	Threshold    float64 // Fraction in [0,1]; zero means DefaultSuccessThreshold
}

// Classify places a device in an availability bucket. Only the latest
// contact is known, so a contact in the last day of the window (or after it)
// is taken as online throughout.
func Classify(d crguard.Device, window crguard.CRWindow) Bucket {
	if d.LastContact.IsZero() || d.LastContact.Before(window.Start) {
		return OfflineEntireWindow
	}
	if !d.LastContact.Before(window.End.Add(-recentContact)) {
		return OnlineEntireWindow
	}
	return OnlinePartialWindow
}

// BuildAvailability buckets every device.
func BuildAvailability(devices []crguard.Device, window crguard.CRWindow) crguard.Availability {
	var a crguard.Availability
	for _, d := range devices {
		switch Classify(d, window) {
		case OnlineEntireWindow:
			a.OnlineEntireWindow++
		case OnlinePartialWindow:
			a.OnlinePartialWindow++
		default:
			a.OfflineEntireWindow++
			a.OfflineDevices = append(a.OfflineDevices, d.Ref())
		}
	}
	a.Rate = analyzer.Rate(a.OnlineEntireWindow+a.OnlinePartialWindow, len(devices))
	return a
}

// Aggregate builds the CR summary. It never fails: per-target and per-device
// problems arrive already converted into exclusions and warnings.
func Aggregate(in Input) crguard.CRSummary {
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = DefaultSuccessThreshold
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	s := crguard.CRSummary{
		ID:           crguard.NewRunID(),
		Name:         in.Name,
		GeneratedAt:  now.UTC(),
		Window:       in.Window,
		ScopeSize:    len(in.Devices),
		Availability: BuildAvailability(in.Devices, in.Window),
		Targets:      in.Targets,
		Profiles:     in.Profiles,
		Threshold:    threshold,
	}

	refs := make(map[string]crguard.DeviceRef, len(in.Devices))
	for _, d := range in.Devices {
		refs[d.ID] = d.Ref()
	}

	var completed, inScope int
	for _, p := range in.Policies {
		totals := classifier.Tally(p.Classifications)
		pt := crguard.PolicyTotals{
			PolicyID:     p.ID,
			Name:         p.Name,
			InScope:      totals.InScope(),
			Completed:    totals.Completed,
			Failed:       totals.Failed,
			Pending:      totals.Pending,
			Offline:      totals.Offline,
			FallbackUsed: totals.FallbackUsed,
			SuccessRate:  analyzer.Rate(totals.Completed, totals.InScope()),
		}
		for _, c := range p.Classifications {
			if c.Status != crguard.StatusFailed {
				continue
			}
			ref, ok := refs[c.DeviceID]
			if !ok {
				ref = crguard.DeviceRef{ID: c.DeviceID}
			}
			pt.FailedDevices = append(pt.FailedDevices, ref)
		}
		completed += totals.Completed
		inScope += totals.InScope()
		s.Policies = append(s.Policies, pt)
	}
	s.PolicySuccessRate = analyzer.Rate(completed, inScope)

	var compliant, eligible int
	for _, t := range in.Targets {
		compliant += t.Compliant
		eligible += t.Eligible
	}
	s.OverallCompliance = analyzer.Rate(compliant, eligible)
	s.Successful = analyzer.Meets(compliant, eligible, threshold)

	s.Exclusions = buildExclusions(in)
	s.Issues = Issues(&s)
	s.NextSteps = NextSteps(&s)
	return s
}

func buildExclusions(in Input) crguard.ExclusionReport {
	report := crguard.ExclusionReport{
		Targets:  in.TargetErrors,
		Warnings: in.Warnings,
	}
	count := func(reason crguard.ExclusionReason) {
		if report.Devices == nil {
			report.Devices = make(map[crguard.ExclusionReason]int)
		}
		report.Devices[reason]++
	}
	for _, ex := range in.Excluded {
		count(ex.Reason)
	}
	for _, t := range in.Targets {
		for _, ex := range t.Excluded {
			count(ex.Reason)
		}
	}
	return report
}

// Issues lists the problems found in a summary, in a stable order.
func Issues(s *crguard.CRSummary) []string {
	var issues []string
	for _, p := range s.Policies {
		if p.Failed > 0 {
			issues = append(issues, fmt.Sprintf("Policy %s failed on %d of %d devices", policyLabel(p), p.Failed, p.InScope))
		}
	}
	for _, p := range s.Profiles {
		if n := p.Missing(); n > 0 {
			issues = append(issues, fmt.Sprintf("Profile %s missing on %d of %d devices", p.ProfileID, n, p.Checked))
		}
	}
	if n := s.Availability.OfflineEntireWindow; n > 0 {
		issues = append(issues, fmt.Sprintf("%d devices were offline for the entire window", n))
		if s.ScopeSize > 0 {
			if pct := float64(n) / float64(s.ScopeSize) * 100; pct > offlineIssueRate {
				issues = append(issues, fmt.Sprintf("High offline rate: %.1f%% of devices unreachable", pct))
			}
		}
	}
	for _, t := range s.Targets {
		if t.Outdated > 0 {
			issues = append(issues, fmt.Sprintf("%s: %d devices below %s (%.1f%% compliant)",
				t.Target.Name, t.Outdated, t.Target.MinVersion, t.Rate))
		}
	}
	for _, te := range s.Exclusions.Targets {
		issues = append(issues, fmt.Sprintf("%s could not be evaluated: %s", te.Target, te.Error))
	}
	if !s.Successful {
		issues = append(issues, fmt.Sprintf("Overall compliance %.2f%% is below the %.1f%% threshold",
			s.OverallCompliance, s.Threshold*100))
	}
	return issues
}

// NextSteps derives follow-up actions in a fixed order: policy failures, then
// offline devices, then the sign-off steps for a clean pass.
func NextSteps(s *crguard.CRSummary) []string {
	steps := []string{}
	for _, p := range s.Policies {
		if p.Failed > 0 {
			steps = append(steps, fmt.Sprintf("Investigate %d devices with failed executions of policy %s", p.Failed, policyLabel(p)))
		}
	}
	for _, p := range s.Profiles {
		if n := p.Missing(); n > 0 {
			steps = append(steps, fmt.Sprintf("Reinstall profile %s on %d devices", p.ProfileID, n))
		}
	}
	if n := s.Availability.OfflineEntireWindow; n > 0 {
		steps = append(steps, fmt.Sprintf("Follow up on %d devices offline during the window", n))
	}
	if s.Successful && len(s.Issues) == 0 {
		steps = append(steps, StepVerifySample, StepDocument)
	}
	return steps
}

func policyLabel(p crguard.PolicyTotals) string {
	if p.Name == "" {
		return p.PolicyID
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.PolicyID)
}
