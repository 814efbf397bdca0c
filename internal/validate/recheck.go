package validate

import (
	"context"
	"slices"
	"time"

	"crguard/internal/classifier"
	"crguard/internal/crguard"
	"crguard/internal/remediate"
)

// Rechecker re-classifies remediated items against the window that opened
// when remediation started. It implements remediate.Checker.
type Rechecker struct {
	Source Source
	Since  time.Time
	Now    func() time.Time // Defaults to time.Now
}

// Check reports Completed once a policy has a successful execution after
// Since, or once a profile shows up as installed.
func (r *Rechecker) Check(ctx context.Context, item remediate.Item) (crguard.Status, error) {
	if item.Kind == remediate.KindProfile {
		ids, err := r.Source.InstalledProfiles(ctx, item.DeviceID)
		if err != nil {
			return "", err
		}
		if slices.Contains(ids, item.ItemID) {
			return crguard.StatusCompleted, nil
		}
		return crguard.StatusPending, nil
	}

	records, err := r.Source.PolicyHistory(ctx, item.DeviceID)
	if err != nil {
		return "", err
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	window := crguard.CRWindow{Start: r.Since, End: now()}
	// No contact time is passed, so executions from before Since never count.
	c := classifier.Classify(crguard.Device{ID: item.DeviceID}, item.ItemID, records, window)
	return c.Status, nil
}

// FailingItems lists the remediation work implied by a summary: every failed
// policy execution and every missing profile.
func FailingItems(s crguard.CRSummary) []remediate.Item {
	var items []remediate.Item
	for _, p := range s.Policies {
		for _, d := range p.FailedDevices {
			items = append(items, remediate.Item{DeviceID: d.ID, ItemID: p.PolicyID, Kind: remediate.KindPolicy})
		}
	}
	for _, p := range s.Profiles {
		for _, d := range p.MissingDevices {
			items = append(items, remediate.Item{DeviceID: d.ID, ItemID: p.ProfileID, Kind: remediate.KindProfile})
		}
	}
	return items
}
