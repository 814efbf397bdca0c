package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"crguard/internal/crguard"
	"crguard/internal/inventory"
	"crguard/internal/remediate"
)

var (
	windowStart = time.Date(2024, 11, 18, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, 11, 22, 23, 59, 59, 0, time.UTC)
	testWindow  = crguard.CRWindow{Start: windowStart, End: windowEnd}
)

type fakeSource struct {
	details     map[string]crguard.Device
	detailErr   map[string]error
	history     map[string][]crguard.PolicyExecutionRecord
	historyErr  map[string]error
	patch       map[string]map[string]string
	latest      map[string]string
	profiles    map[string][]string
	pending     map[string]int
	health      map[string]inventory.Health
	devices     []crguard.Device
	policyNames map[string]string
}

func (f *fakeSource) Devices(context.Context, string) ([]crguard.Device, error) {
	return f.devices, nil
}

func (f *fakeSource) Device(_ context.Context, id string) (crguard.Device, error) {
	if err := f.detailErr[id]; err != nil {
		return crguard.Device{}, err
	}
	return f.details[id], nil
}

func (f *fakeSource) PolicyHistory(_ context.Context, id string) ([]crguard.PolicyExecutionRecord, error) {
	if err := f.historyErr[id]; err != nil {
		return nil, err
	}
	return f.history[id], nil
}

func (f *fakeSource) PolicyName(_ context.Context, id string) (string, error) {
	name, ok := f.policyNames[id]
	if !ok {
		return "", fmt.Errorf("policy %s: %w", id, crguard.ErrNotFound)
	}
	return name, nil
}

func (f *fakeSource) PatchVersions(_ context.Context, titleID string) (map[string]string, error) {
	v, ok := f.patch[titleID]
	if !ok {
		return nil, fmt.Errorf("title %s: %w", titleID, crguard.ErrTransient)
	}
	return v, nil
}

func (f *fakeSource) LatestVersion(_ context.Context, titleID string) (string, error) {
	v, ok := f.latest[titleID]
	if !ok {
		return "", fmt.Errorf("title %s has no definitions: %w", titleID, crguard.ErrNotFound)
	}
	return v, nil
}

func (f *fakeSource) InstalledProfiles(_ context.Context, id string) ([]string, error) {
	return f.profiles[id], nil
}

func (f *fakeSource) Fleet(context.Context, string) ([]FleetDevice, error) {
	fleet := make([]FleetDevice, 0, len(f.devices))
	for _, d := range f.devices {
		fleet = append(fleet, FleetDevice{Device: d, Health: f.health[d.ID]})
	}
	return fleet, nil
}

func (f *fakeSource) PendingCommands(_ context.Context, id string) (int, error) {
	return f.pending[id], nil
}

func at(day, hour int) time.Time {
	return time.Date(2024, 11, day, hour, 0, 0, 0, time.UTC)
}

func record(device, policy string, status crguard.Status, ts time.Time) crguard.PolicyExecutionRecord {
	return crguard.PolicyExecutionRecord{DeviceID: device, PolicyID: policy, Status: status, Timestamp: ts}
}

// newFleet builds four devices: d1 and d2 healthy, d3 offline since before
// the window and d4 whose policy history cannot be fetched.
func newFleet() *fakeSource {
	dev := func(id, osv string, contact time.Time) crguard.Device {
		return crguard.Device{ID: id, Name: "mac-" + id, OSVersion: osv, LastContact: contact}
	}
	d1 := dev("1", "15.1", at(21, 9))
	d2 := dev("2", "15.0.1", at(20, 9))
	d3 := dev("3", "15.1", at(1, 9))
	d4 := dev("4", "15.2", at(22, 9))

	withApps := func(d crguard.Device, apps map[string]string) crguard.Device {
		d.Applications = apps
		return d
	}
	return &fakeSource{
		devices: []crguard.Device{d1, d2, d3, d4},
		details: map[string]crguard.Device{
			"1": withApps(d1, map[string]string{"Google Chrome": "131.0.1"}),
			"4": withApps(d4, map[string]string{"Safari": "17.6"}),
		},
		detailErr:  map[string]error{"2": fmt.Errorf("detail: %w", crguard.ErrTransient)},
		historyErr: map[string]error{"4": fmt.Errorf("history: %w", crguard.ErrTransient)},
		history: map[string][]crguard.PolicyExecutionRecord{
			"1": {record("1", "12", crguard.StatusFailed, at(18, 10)), record("1", "12", crguard.StatusCompleted, at(19, 10))},
			"2": {record("2", "12", crguard.StatusFailed, at(20, 8))},
			"3": {record("3", "12", crguard.StatusCompleted, at(1, 8))},
		},
		policyNames: map[string]string{"12": "Install macOS 15.1"},
		patch: map[string]map[string]string{
			"3": {"1": "18.1", "2": "18.1", "4": "17.6"},
		},
		latest:   map[string]string{"3": "18.1"},
		profiles: map[string][]string{"1": {"7"}, "4": {"7", "9"}},
	}
}

func testPlan() Plan {
	return Plan{
		Now:      at(23, 8),
		Window:   testWindow,
		Name:     "November Patching",
		Policies: []string{"12"},
		Profiles: []string{"7"},
		Targets: []crguard.PatchTarget{
			{Name: "macOS", Kind: crguard.KindOS, MinVersion: "15.1"},
			{Name: "Safari", Kind: crguard.KindApplication, PatchTitleID: "3"},
			{Name: "Google Chrome", Kind: crguard.KindApplication, MinVersion: "131.0"},
			{Name: "Zoom", Kind: crguard.KindApplication, PatchTitleID: "99"},
		},
		Threshold: 0.95,
		Workers:   2,
	}
}

func TestRun(t *testing.T) {
	s, err := Run(context.Background(), newFleet(), testPlan())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if s.ScopeSize != 4 {
		t.Errorf("Scope size mismatch: got %d, want 4", s.ScopeSize)
	}

	if len(s.Policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(s.Policies))
	}
	p := s.Policies[0]
	if p.Name != "Install macOS 15.1" || p.InScope != 3 || p.Completed != 1 || p.Failed != 1 || p.Offline != 1 {
		t.Errorf("Policy totals mismatch: %+v", p)
	}
	if len(p.FailedDevices) != 1 || p.FailedDevices[0].ID != "2" {
		t.Errorf("Failed devices mismatch: %+v", p.FailedDevices)
	}

	if len(s.Targets) != 3 {
		t.Fatalf("Expected 3 evaluated targets, got %d", len(s.Targets))
	}
	tests := []struct {
		name      string
		strategy  string
		eligible  int
		compliant int
	}{
		{"macOS", StrategyInventory, 3, 2},
		{"Safari", StrategyPatchReport, 3, 2},
		{"Google Chrome", StrategyAppDetail, 2, 1},
	}
	for i, tt := range tests {
		got := s.Targets[i]
		if got.Target.Name != tt.name || got.Strategy != tt.strategy {
			t.Errorf("Target %d: got %s/%s, want %s/%s", i, got.Target.Name, got.Strategy, tt.name, tt.strategy)
		}
		if got.Eligible != tt.eligible || got.Compliant != tt.compliant {
			t.Errorf("%s: got %d/%d, want %d/%d", tt.name, got.Compliant, got.Eligible, tt.compliant, tt.eligible)
		}
	}
	if s.Targets[1].Target.MinVersion != "18.1" {
		t.Errorf("Safari should use the latest patch version, got %q", s.Targets[1].Target.MinVersion)
	}
	if s.Targets[2].NotInstalled != 1 {
		t.Errorf("Chrome should be missing on one device, got %d", s.Targets[2].NotInstalled)
	}

	if s.OverallCompliance != 62.5 {
		t.Errorf("Overall compliance mismatch: got %v, want 62.5", s.OverallCompliance)
	}
	if s.Successful {
		t.Error("CR below threshold should not be successful")
	}

	if len(s.Exclusions.Targets) != 1 || s.Exclusions.Targets[0].Target != "Zoom" {
		t.Errorf("Zoom should be reported as unevaluable: %+v", s.Exclusions.Targets)
	}
	if got := s.Exclusions.Devices[crguard.ExcludedFetchFailure]; got != 2 {
		t.Errorf("Fetch failures mismatch: got %d, want 2", got)
	}
	if got := s.Exclusions.Devices[crguard.ExcludedOffline]; got != 3 {
		t.Errorf("Offline exclusions mismatch: got %d, want 3", got)
	}

	if len(s.Profiles) != 1 {
		t.Fatalf("Expected 1 profile, got %d", len(s.Profiles))
	}
	prof := s.Profiles[0]
	if prof.Checked != 3 || prof.Installed != 2 || prof.Missing() != 1 || prof.MissingDevices[0].ID != "2" {
		t.Errorf("Profile totals mismatch: %+v", prof)
	}

	items := FailingItems(s)
	want := []remediate.Item{
		{DeviceID: "2", ItemID: "12", Kind: remediate.KindPolicy},
		{DeviceID: "2", ItemID: "7", Kind: remediate.KindProfile},
	}
	if len(items) != len(want) {
		t.Fatalf("Failing items mismatch: got %+v", items)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("Item %d: got %+v, want %+v", i, items[i], want[i])
		}
	}
}

func TestRunAbortsOnAuth(t *testing.T) {
	src := newFleet()
	src.historyErr["2"] = fmt.Errorf("history: %w", crguard.ErrAuth)

	_, err := Run(context.Background(), src, testPlan())
	if !errors.Is(err, crguard.ErrAuth) {
		t.Errorf("Expected auth error to abort the run, got %v", err)
	}
}

func TestRunRejectsInvertedWindow(t *testing.T) {
	plan := testPlan()
	plan.Window = crguard.CRWindow{Start: windowEnd, End: windowStart}
	if _, err := Run(context.Background(), newFleet(), plan); !errors.Is(err, crguard.ErrConfig) {
		t.Errorf("Expected config error, got %v", err)
	}
}

func TestRechecker(t *testing.T) {
	since := at(23, 9)
	now := since.Add(2 * time.Hour)
	src := newFleet()
	r := &Rechecker{Source: src, Since: since, Now: func() time.Time { return now }}
	ctx := context.Background()

	policy := remediate.Item{DeviceID: "2", ItemID: "12", Kind: remediate.KindPolicy}
	status, err := r.Check(ctx, policy)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if status == crguard.StatusCompleted {
		t.Error("A failure from before remediation must not count as completed")
	}

	src.history["2"] = append(src.history["2"], record("2", "12", crguard.StatusCompleted, since.Add(time.Hour)))
	if status, _ := r.Check(ctx, policy); status != crguard.StatusCompleted {
		t.Errorf("Expected Completed after a successful rerun, got %s", status)
	}

	profile := remediate.Item{DeviceID: "2", ItemID: "7", Kind: remediate.KindProfile}
	if status, _ := r.Check(ctx, profile); status != crguard.StatusPending {
		t.Errorf("Missing profile should be Pending, got %s", status)
	}
	src.profiles["2"] = []string{"7"}
	if status, _ := r.Check(ctx, profile); status != crguard.StatusCompleted {
		t.Errorf("Installed profile should be Completed, got %s", status)
	}

	src.historyErr["2"] = fmt.Errorf("history: %w", crguard.ErrTransient)
	if _, err := r.Check(ctx, policy); !errors.Is(err, crguard.ErrTransient) {
		t.Errorf("Expected fetch error to surface, got %v", err)
	}
}

func TestReadiness(t *testing.T) {
	now := at(17, 12)
	src := &fakeSource{
		devices: []crguard.Device{
			{ID: "r1", Name: "healthy", LastContact: now.Add(-time.Hour)},
			{ID: "r2", Name: "stale", LastContact: now.Add(-48 * time.Hour)},
			{ID: "r3", Name: "full-disk", LastContact: now.Add(-2 * time.Hour)},
			{ID: "r4", Name: "desktop", LastContact: now.Add(-3 * time.Hour)},
		},
		health: map[string]inventory.Health{
			"r1": {DeviceID: "r1", FreeDiskGB: 50, BatteryPercent: 90},
			"r2": {DeviceID: "r2", FreeDiskGB: 80, BatteryPercent: 95},
			"r3": {DeviceID: "r3", FreeDiskGB: 5, BatteryPercent: 30},
			"r4": {DeviceID: "r4", FreeDiskGB: -1, BatteryPercent: -1},
		},
		pending: map[string]int{"r4": 8},
	}
	criteria := ReadinessCriteria{MaxCheckin: 24 * time.Hour, MinDiskGB: 10, MinBattery: 20, MaxPendingCommands: 5}

	report, err := Readiness(context.Background(), src, "", criteria, now)
	if err != nil {
		t.Fatalf("Readiness failed: %v", err)
	}
	if report.Total != 4 || report.Ready != 2 || report.NotReady != 2 {
		t.Errorf("Counts mismatch: %+v", report)
	}
	if report.Rate != 50 {
		t.Errorf("Rate mismatch: got %v, want 50", report.Rate)
	}
	if report.ExitCode() != 1 {
		t.Errorf("Exit code mismatch: got %d, want 1", report.ExitCode())
	}
	if report.IssueBreakdown[CategoryOffline] != 1 || report.IssueBreakdown[CategoryLowDisk] != 1 {
		t.Errorf("Breakdown mismatch: %v", report.IssueBreakdown)
	}

	byID := map[string]DeviceReadiness{}
	for _, d := range report.Devices {
		byID[d.Device.ID] = d
	}
	if d := byID["r3"]; d.Ready || len(d.Warnings) != 1 || !strings.Contains(d.Warnings[0], "Battery marginal") {
		t.Errorf("r3 should be not ready with a battery warning: %+v", d)
	}
	if d := byID["r4"]; !d.Ready || len(d.Warnings) != 1 || d.PendingCommands != 8 {
		t.Errorf("r4 should be ready with a pending command warning: %+v", d)
	}
	if len(report.Recommendations) != 3 {
		t.Errorf("Expected 3 recommendations, got %v", report.Recommendations)
	}
}

func TestReadinessExitCodes(t *testing.T) {
	tests := []struct {
		rate float64
		want int
	}{
		{100, 0},
		{80, 0},
		{79.9, 1},
		{50, 1},
		{49.9, 2},
		{0, 2},
	}
	for _, tt := range tests {
		if got := (ReadinessReport{Rate: tt.rate}).ExitCode(); got != tt.want {
			t.Errorf("Rate %v: got exit %d, want %d", tt.rate, got, tt.want)
		}
	}
}
