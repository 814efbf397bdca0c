// Package classifier resolves the execution status of a policy on a device
// relative to a change request window.
package classifier

import (
	"crguard/internal/crguard"
)

// Classify produces exactly one classification for a device and policy.
//
// The most recent in-window record decides the status, so repeated runs inside
// the window count once. With no in-window record the most recent record of
// the whole history is used instead, unless the device never ran the policy
// (Pending) or was unreachable for the entire window (Offline).
//
// Records with a zero timestamp or a different policy id are ignored.
func Classify(device crguard.Device, policyID string, records []crguard.PolicyExecutionRecord, window crguard.CRWindow) crguard.DeviceClassification {
	result := crguard.DeviceClassification{
		DeviceID: device.ID,
		PolicyID: policyID,
		Status:   crguard.StatusPending,
	}

	var latestInWindow, latestOverall *crguard.PolicyExecutionRecord
	for i := range records {
		r := &records[i]
		if r.Timestamp.IsZero() {
			continue
		}
		if r.PolicyID != "" && r.PolicyID != policyID {
			continue
		}
		if newer(r, latestOverall) {
			latestOverall = r
		}
		if window.Contains(r.Timestamp) && newer(r, latestInWindow) {
			latestInWindow = r
		}
	}

	if latestInWindow != nil {
		src := *latestInWindow
		result.Status = src.Status
		result.Source = &src
		return result
	}

	if latestOverall == nil {
		return result
	}

	if device.LastContact.Before(window.Start) {
		result.Status = crguard.StatusOffline
		return result
	}

	src := *latestOverall
	result.Status = src.Status
	result.Source = &src
	result.UsedFallback = true
	return result
}

// newer reports whether candidate should replace current as the most recent
// record. Equal timestamps favor a terminal status over Pending.
func newer(candidate, current *crguard.PolicyExecutionRecord) bool {
	if current == nil {
		return true
	}
	if candidate.Timestamp.After(current.Timestamp) {
		return true
	}
	if candidate.Timestamp.Equal(current.Timestamp) {
		return candidate.Status.IsTerminal() && !current.Status.IsTerminal()
	}
	return false
}

// ClassifyAll classifies every device for one policy. history maps device id to
// that device's records; devices without an entry have no history.
func ClassifyAll(devices []crguard.Device, policyID string, history map[string][]crguard.PolicyExecutionRecord, window crguard.CRWindow) []crguard.DeviceClassification {
	out := make([]crguard.DeviceClassification, 0, len(devices))
	for _, d := range devices {
		out = append(out, Classify(d, policyID, history[d.ID], window))
	}
	return out
}

// Totals counts classifications per status.
type Totals struct {
	Completed    int
	Failed       int
	Pending      int
	Offline      int
	FallbackUsed int
}

// InScope returns the number of classified devices.
func (t Totals) InScope() int {
	return t.Completed + t.Failed + t.Pending + t.Offline
}

// CompletionRate is completed over in-scope devices, as a percentage. Because
// every device contributes exactly one classification it never exceeds 100.
func (t Totals) CompletionRate() float64 {
	n := t.InScope()
	if n == 0 {
		return 100
	}
	return float64(t.Completed) / float64(n) * 100
}

// Tally counts a set of classifications.
func Tally(classifications []crguard.DeviceClassification) Totals {
	var t Totals
	for _, c := range classifications {
		switch c.Status {
		case crguard.StatusCompleted:
			t.Completed++
		case crguard.StatusFailed:
			t.Failed++
		case crguard.StatusOffline:
			t.Offline++
		default:
			t.Pending++
		}
		if c.UsedFallback {
			t.FallbackUsed++
		}
	}
	return t
}
