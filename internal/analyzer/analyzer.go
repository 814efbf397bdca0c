// Package analyzer evaluates fleet version compliance against patch targets.
package analyzer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"crguard/internal/crguard"
	"crguard/internal/version"
)

// Options tune a single evaluation.
type Options struct {
	WindowStart time.Time // Devices last seen before this are excluded as offline. Zero disables the filter.
	Strategy    string    // Recorded on the result; does not change the algorithm.
}

// RequiredMajor returns the OS major line a target is restricted to, or 0.
// OS targets without an explicit major derive it from their minimum version.
func RequiredMajor(target crguard.PatchTarget) int {
	if target.RequiredOSMajor > 0 {
		return target.RequiredOSMajor
	}
	if target.Kind != crguard.KindOS {
		return 0
	}
	v, err := version.Parse(target.MinVersion)
	if err != nil {
		return 0
	}
	return v.Major()
}

// Evaluate compares every device against target. Devices filtered out as
// offline, on another OS major line, or with unparseable versions are listed
// in Excluded and never counted in the denominator. A target whose minimum
// version cannot be parsed is a data error.
func Evaluate(target crguard.PatchTarget, devices []crguard.Device, opts Options) (crguard.ComplianceResult, error) {
	result := crguard.ComplianceResult{Target: target, Strategy: opts.Strategy}

	minimum, err := version.Parse(target.MinVersion)
	if err != nil {
		return result, fmt.Errorf("target %s minimum version: %w", target.Name, err)
	}
	requiredMajor := RequiredMajor(target)

	for _, d := range devices {
		if !opts.WindowStart.IsZero() && d.LastContact.Before(opts.WindowStart) {
			exclude(&result, d, crguard.ExcludedOffline, "")
			continue
		}

		if requiredMajor > 0 {
			osVersion, err := version.Parse(d.OSVersion)
			if err != nil {
				exclude(&result, d, crguard.ExcludedUnparseable, fmt.Sprintf("os version %q", d.OSVersion))
				continue
			}
			if osVersion.Major() != requiredMajor {
				exclude(&result, d, crguard.ExcludedWrongMajor,
					fmt.Sprintf("on %d.x, target requires %d.x", osVersion.Major(), requiredMajor))
				continue
			}
		}

		observed, installed := ObservedVersion(target, d)
		if !installed {
			result.Eligible++
			result.NotInstalled++
			result.NotInstalledDevices = append(result.NotInstalledDevices, d.Ref())
			continue
		}

		v, err := version.Parse(observed)
		if err != nil {
			exclude(&result, d, crguard.ExcludedUnparseable, fmt.Sprintf("installed version %q", observed))
			continue
		}

		result.Eligible++
		if v.AtLeast(minimum) {
			result.Compliant++
		} else {
			result.Outdated++
			result.OutdatedDevices = append(result.OutdatedDevices, d.Ref())
		}
	}

	result.Rate = Rate(result.Compliant, result.Eligible)
	crguard.Debugf("Target %s: %d/%d compliant, %d outdated, %d not installed, %d excluded",
		target.Name, result.Compliant, result.Eligible, result.Outdated, result.NotInstalled, len(result.Excluded))
	return result, nil
}

func exclude(result *crguard.ComplianceResult, d crguard.Device, reason crguard.ExclusionReason, detail string) {
	if detail == "" {
		crguard.Debugf("Target %s: excluding device %s (%s)", result.Target.Name, d.ID, reason)
	} else {
		crguard.Debugf("Target %s: excluding device %s (%s): %s", result.Target.Name, d.ID, reason, detail)
	}
	result.Excluded = append(result.Excluded, crguard.Exclusion{
		Device: d.Ref(),
		Reason: reason,
		Detail: detail,
	})
}

// ObservedVersion returns the version of target installed on a device. OS
// targets always report the OS version. Application targets match by exact
// name (case-insensitive), then bundle id, then name substring.
func ObservedVersion(target crguard.PatchTarget, d crguard.Device) (string, bool) {
	if target.Kind == crguard.KindOS {
		return d.OSVersion, true
	}
	if len(d.Applications) == 0 {
		return "", false
	}

	name := strings.ToLower(strings.TrimSpace(target.Name))
	for app, v := range d.Applications {
		if strings.ToLower(app) == name {
			return v, true
		}
	}
	if target.BundleID != "" {
		if v, ok := d.Applications[target.BundleID]; ok {
			return v, true
		}
	}
	if name == "" {
		return "", false
	}
	// Pick the shortest match so "Safari" prefers "Safari.app" over
	// "Safari Technology Preview.app".
	var match, matchVersion string
	for app, v := range d.Applications {
		lower := strings.ToLower(app)
		if !strings.Contains(lower, name) {
			continue
		}
		if match == "" || len(app) < len(match) || (len(app) == len(match) && app < match) {
			match, matchVersion = app, v
		}
	}
	return matchVersion, match != ""
}

// Rate returns compliant/eligible as a percentage rounded to two decimals
// for display. An empty denominator is defined as fully compliant. A rate
// short of complete never rounds up to 100.
func Rate(compliant, eligible int) float64 {
	if eligible <= 0 {
		return 100
	}
	r := float64(compliant) / float64(eligible) * 100
	r = math.Round(r*100) / 100
	if compliant < eligible && r >= 100 {
		r = 99.99
	}
	return math.Max(0, math.Min(100, r))
}

// Meets reports whether compliant/eligible reaches threshold, a fraction,
// using the exact ratio rather than the rounded Rate.
func Meets(compliant, eligible int, threshold float64) bool {
	if eligible <= 0 {
		return true
	}
	return float64(compliant)/float64(eligible) >= threshold
}
