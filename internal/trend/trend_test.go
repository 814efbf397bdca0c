package trend

import (
	"fmt"
	"testing"
	"time"

	"crguard/internal/crguard"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		delta float64
		th    Thresholds
		want  Direction
	}{
		{0.6, Thresholds{}, Improving},
		{0.5, Thresholds{}, Stable},
		{-0.5, Thresholds{}, Stable},
		{-0.51, Thresholds{}, Degrading},
		{0, Thresholds{}, Stable},
		{1.5, Thresholds{StablePP: 2}, Stable},
		{-2.5, Thresholds{StablePP: 2}, Degrading},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v_%v", tt.delta, tt.th.StablePP), func(t *testing.T) {
			if got := Classify(tt.delta, tt.th); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.delta, got, tt.want)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	previous := crguard.CRSummary{
		Name:              "CR-1",
		OverallCompliance: 92.0,
		PolicySuccessRate: 97.0,
		Availability:      crguard.Availability{Rate: 95.0},
		Policies:          []crguard.PolicyTotals{{PolicyID: "1", Failed: 5}},
	}
	current := crguard.CRSummary{
		Name:              "CR-2",
		OverallCompliance: 96.5,
		PolicySuccessRate: 97.3,
		Availability:      crguard.Availability{Rate: 90.0},
		Policies:          []crguard.PolicyTotals{{PolicyID: "1", Failed: 2}},
	}

	c := Compare(current, previous, Thresholds{})
	want := map[string]Direction{
		MetricOverallCompliance: Improving,
		MetricPolicySuccessRate: Stable,
		MetricAvailabilityRate:  Degrading,
		MetricPolicyFailures:    Improving,
	}
	for name, dir := range want {
		m, ok := c.Metric(name)
		if !ok {
			t.Fatalf("Metric %s missing", name)
		}
		if m.Direction != dir {
			t.Errorf("%s direction: got %s, want %s (delta %v)", name, m.Direction, dir, m.Delta)
		}
	}
	if m, _ := c.Metric(MetricOverallCompliance); m.Delta != 4.5 {
		t.Errorf("Compliance delta: got %v, want 4.5", m.Delta)
	}
	if len(c.ProblemAreas) != 1 || len(c.Improvements) != 2 {
		t.Errorf("Problem areas/improvements mismatch: %v / %v", c.ProblemAreas, c.Improvements)
	}
	if c.Current != "CR-2" || c.Previous != "CR-1" {
		t.Errorf("Labels mismatch: %s vs %s", c.Current, c.Previous)
	}
	if len(c.Recommendations) == 0 {
		t.Error("Expected recommendations for a degraded availability rate")
	}
}

func summaryAt(name string, start time.Time, policyFails, outdated, offline []string) crguard.CRSummary {
	refs := func(ids []string) []crguard.DeviceRef {
		var out []crguard.DeviceRef
		for _, id := range ids {
			out = append(out, crguard.DeviceRef{ID: id, Name: "host-" + id})
		}
		return out
	}
	return crguard.CRSummary{
		Name:         name,
		Window:       crguard.CRWindow{Start: start, End: start.Add(96 * time.Hour)},
		Policies:     []crguard.PolicyTotals{{PolicyID: "1", FailedDevices: refs(policyFails)}},
		Targets:      []crguard.ComplianceResult{{OutdatedDevices: refs(outdated)}},
		Availability: crguard.Availability{OfflineDevices: refs(offline)},
	}
}

func TestProblemDevices(t *testing.T) {
	now := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour
	summaries := []crguard.CRSummary{
		summaryAt("CR-1", now.Add(-4*week), []string{"A", "B"}, []string{"C"}, []string{"D"}),
		summaryAt("CR-2", now.Add(-3*week), []string{"A", "B"}, []string{"C"}, []string{"D"}),
		summaryAt("CR-3", now.Add(-2*week), []string{"A"}, []string{"C"}, []string{"D", "B"}),
		summaryAt("CR-4", now.Add(-1*week), []string{"A"}, nil, []string{"D", "E"}),
		// Outside the lookback.
		summaryAt("CR-0", now.Add(-200*24*time.Hour), []string{"E", "E", "E"}, nil, nil),
	}

	got := ProblemDevices(summaries, Options{Now: now})

	wantOrder := []string{"A", "D", "B", "C"}
	if len(got) != len(wantOrder) {
		t.Fatalf("Expected %d problem devices, got %d: %+v", len(wantOrder), len(got), got)
	}
	for i, id := range wantOrder {
		if got[i].DeviceID != id {
			t.Errorf("Rank %d: got %s, want %s", i, got[i].DeviceID, id)
		}
	}

	byID := map[string]crguard.ProblemDeviceRecord{}
	for _, r := range got {
		byID[r.DeviceID] = r
	}
	if byID["A"].FailureCount != 4 || byID["A"].Recommendation != RecommendReimage {
		t.Errorf("Device A mismatch: %+v", byID["A"])
	}
	if byID["D"].Recommendation != RecommendInspection {
		t.Errorf("Offline-dominant device should get inspection, got %s", byID["D"].Recommendation)
	}
	if byID["C"].Recommendation != RecommendPatching {
		t.Errorf("Patch-dominant device should get patching review, got %s", byID["C"].Recommendation)
	}
	if b := byID["B"]; b.Breakdown[crguard.FailurePolicy] != 2 || b.Breakdown[crguard.FailureOffline] != 1 {
		t.Errorf("Device B breakdown mismatch: %v", b.Breakdown)
	}
	if len(byID["A"].ChangeRequests) != 4 {
		t.Errorf("Device A should list 4 CRs, got %v", byID["A"].ChangeRequests)
	}
	if byID["A"].Name != "host-A" {
		t.Errorf("Name mismatch: got %s", byID["A"].Name)
	}
	if _, ok := byID["E"]; ok {
		t.Error("Failures outside the lookback should not count")
	}
}

func TestProblemDevicesMinFailures(t *testing.T) {
	now := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	summaries := []crguard.CRSummary{
		summaryAt("CR-1", now.Add(-48*time.Hour), []string{"A"}, []string{"A"}, nil),
	}
	if got := ProblemDevices(summaries, Options{Now: now}); len(got) != 0 {
		t.Errorf("Two failures should not qualify with the default minimum, got %+v", got)
	}
	got := ProblemDevices(summaries, Options{Now: now, MinFailures: 2})
	if len(got) != 1 {
		t.Fatalf("Expected 1 problem device, got %d", len(got))
	}
	if got[0].Severity != "elevated" {
		t.Errorf("Severity mismatch: got %s", got[0].Severity)
	}
}

func TestDominantTieBreak(t *testing.T) {
	tests := []struct {
		breakdown map[crguard.FailureCategory]int
		want      crguard.FailureCategory
	}{
		{map[crguard.FailureCategory]int{crguard.FailurePolicy: 2, crguard.FailureOffline: 2}, crguard.FailureOffline},
		{map[crguard.FailureCategory]int{crguard.FailurePolicy: 2, crguard.FailurePatch: 2}, crguard.FailurePolicy},
		{map[crguard.FailureCategory]int{crguard.FailurePatch: 3, crguard.FailurePolicy: 1}, crguard.FailurePatch},
	}
	for _, tt := range tests {
		if got := Dominant(tt.breakdown); got != tt.want {
			t.Errorf("Dominant(%v) = %s, want %s", tt.breakdown, got, tt.want)
		}
	}
}
