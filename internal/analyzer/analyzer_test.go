package analyzer

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"crguard/internal/crguard"
)

var windowStart = time.Date(2024, 11, 18, 0, 0, 0, 0, time.UTC)

func onlineDevice(id, osVersion string, apps map[string]string) crguard.Device {
	return crguard.Device{
		ID:           id,
		Name:         "host-" + id,
		OSVersion:    osVersion,
		LastContact:  windowStart.Add(48 * time.Hour),
		Applications: apps,
	}
}

func TestEvaluateOSTarget(t *testing.T) {
	target := crguard.PatchTarget{Name: "macOS", Kind: crguard.KindOS, MinVersion: "15.1"}
	devices := []crguard.Device{
		onlineDevice("1", "15.1", nil),
		onlineDevice("2", "15.1.1", nil),
		onlineDevice("3", "15.0.1", nil),
		onlineDevice("4", "14.7", nil),
		onlineDevice("5", "15.1 (24B83)", nil),
		{ID: "6", OSVersion: "15.0", LastContact: windowStart.Add(-time.Hour)},
	}

	got, err := Evaluate(target, devices, Options{WindowStart: windowStart})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got.Eligible != 3 {
		t.Errorf("Eligible mismatch: got %d, want 3", got.Eligible)
	}
	if got.Compliant != 2 {
		t.Errorf("Compliant mismatch: got %d, want 2", got.Compliant)
	}
	if got.Outdated != 1 {
		t.Errorf("Outdated mismatch: got %d, want 1", got.Outdated)
	}

	reasons := map[string]crguard.ExclusionReason{}
	for _, ex := range got.Excluded {
		reasons[ex.Device.ID] = ex.Reason
	}
	want := map[string]crguard.ExclusionReason{
		"4": crguard.ExcludedWrongMajor,
		"5": crguard.ExcludedUnparseable,
		"6": crguard.ExcludedOffline,
	}
	for id, reason := range want {
		if reasons[id] != reason {
			t.Errorf("Device %s exclusion: got %q, want %q", id, reasons[id], reason)
		}
	}
	if got.Rate != 66.67 {
		t.Errorf("Rate mismatch: got %v, want 66.67", got.Rate)
	}
}

// 500 devices on 14.x and 480 on 15.x against an application requiring 15.x.
func TestEligibilityFilterDenominator(t *testing.T) {
	target := crguard.PatchTarget{
		Name:            "Safari",
		Kind:            crguard.KindApplication,
		MinVersion:      "18.1",
		RequiredOSMajor: 15,
	}
	var devices []crguard.Device
	for i := range 500 {
		devices = append(devices, onlineDevice(fmt.Sprintf("old-%d", i), "14.7.1", map[string]string{"Safari.app": "18.0"}))
	}
	for i := range 480 {
		v := "18.1"
		if i%4 == 0 {
			v = "18.0.1"
		}
		devices = append(devices, onlineDevice(fmt.Sprintf("new-%d", i), "15.1", map[string]string{"Safari.app": v}))
	}

	got, err := Evaluate(target, devices, Options{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got.Eligible != 480 {
		t.Errorf("Eligible mismatch: got %d, want 480", got.Eligible)
	}
	if got.Compliant != 360 || got.Outdated != 120 {
		t.Errorf("Buckets mismatch: got %d compliant, %d outdated, want 360/120", got.Compliant, got.Outdated)
	}
	if len(got.Excluded) != 500 {
		t.Errorf("Excluded mismatch: got %d, want 500", len(got.Excluded))
	}
	for _, ex := range got.Excluded {
		if ex.Reason != crguard.ExcludedWrongMajor {
			t.Fatalf("Unexpected exclusion reason %q for %s", ex.Reason, ex.Device.ID)
		}
	}
}

func TestEvaluateApplicationBuckets(t *testing.T) {
	target := crguard.PatchTarget{
		Name:       "Google Chrome",
		Kind:       crguard.KindApplication,
		MinVersion: "131.0.6778.86",
		BundleID:   "com.google.Chrome",
	}
	devices := []crguard.Device{
		onlineDevice("1", "15.1", map[string]string{"google chrome": "131.0.6778.86"}),
		onlineDevice("2", "15.1", map[string]string{"com.google.Chrome": "130.0.1"}),
		onlineDevice("3", "15.1", map[string]string{"Google Chrome.app": "131.0.6778.100"}),
		onlineDevice("4", "15.1", map[string]string{"Firefox.app": "133.0"}),
		onlineDevice("5", "15.1", nil),
		onlineDevice("6", "15.1", map[string]string{"Google Chrome": "131.0-beta"}),
	}

	got, err := Evaluate(target, devices, Options{Strategy: "per-device"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got.Compliant != 2 || got.Outdated != 1 || got.NotInstalled != 2 {
		t.Errorf("Buckets mismatch: compliant=%d outdated=%d notInstalled=%d, want 2/1/2",
			got.Compliant, got.Outdated, got.NotInstalled)
	}
	if got.Eligible != got.Compliant+got.Outdated+got.NotInstalled {
		t.Errorf("Eligible %d is not the sum of its buckets", got.Eligible)
	}
	if len(got.Excluded) != 1 || got.Excluded[0].Reason != crguard.ExcludedUnparseable {
		t.Errorf("Expected one unparseable exclusion, got %+v", got.Excluded)
	}
	if got.Strategy != "per-device" {
		t.Errorf("Strategy mismatch: got %s", got.Strategy)
	}
}

func TestEvaluateEmptyDenominator(t *testing.T) {
	target := crguard.PatchTarget{Name: "macOS", Kind: crguard.KindOS, MinVersion: "15.1"}
	got, err := Evaluate(target, nil, Options{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got.Rate != 100 {
		t.Errorf("Rate for empty denominator: got %v, want 100", got.Rate)
	}
}

func TestEvaluateBadTarget(t *testing.T) {
	target := crguard.PatchTarget{Name: "macOS", Kind: crguard.KindOS, MinVersion: "15.x"}
	_, err := Evaluate(target, []crguard.Device{onlineDevice("1", "15.1", nil)}, Options{})
	if !errors.Is(err, crguard.ErrData) {
		t.Errorf("Expected data error for unparseable minimum, got %v", err)
	}
}

func TestRequiredMajor(t *testing.T) {
	tests := []struct {
		name   string
		target crguard.PatchTarget
		want   int
	}{
		{"os derives major", crguard.PatchTarget{Kind: crguard.KindOS, MinVersion: "15.1"}, 15},
		{"explicit wins", crguard.PatchTarget{Kind: crguard.KindOS, MinVersion: "15.1", RequiredOSMajor: 14}, 14},
		{"application unrestricted", crguard.PatchTarget{Kind: crguard.KindApplication, MinVersion: "18.1"}, 0},
		{"application explicit", crguard.PatchTarget{Kind: crguard.KindApplication, MinVersion: "18.1", RequiredOSMajor: 15}, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequiredMajor(tt.target); got != tt.want {
				t.Errorf("RequiredMajor mismatch: got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRateBounds(t *testing.T) {
	tests := []struct {
		compliant, eligible int
		want                float64
	}{
		{0, 0, 100},
		{0, 10, 0},
		{10, 10, 100},
		{1, 3, 33.33},
		{12, 10, 100},
		{99999, 100000, 99.99},
		{94999, 100000, 95},
	}
	for _, tt := range tests {
		got := Rate(tt.compliant, tt.eligible)
		if got != tt.want {
			t.Errorf("Rate(%d, %d) = %v, want %v", tt.compliant, tt.eligible, got, tt.want)
		}
		if got < 0 || got > 100 {
			t.Errorf("Rate(%d, %d) = %v out of bounds", tt.compliant, tt.eligible, got)
		}
	}
}

func TestMeets(t *testing.T) {
	tests := []struct {
		compliant, eligible int
		threshold           float64
		want                bool
	}{
		{95, 100, 0.95, true},
		{94, 100, 0.95, false},
		{94999, 100000, 0.95, false},
		{99999, 100000, 1.0, false},
		{100000, 100000, 1.0, true},
		{0, 0, 1.0, true},
	}
	for _, tt := range tests {
		if got := Meets(tt.compliant, tt.eligible, tt.threshold); got != tt.want {
			t.Errorf("Meets(%d, %d, %v) = %v, want %v", tt.compliant, tt.eligible, tt.threshold, got, tt.want)
		}
	}
}

func TestExclusionsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	crguard.SetDebug(true)
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		crguard.SetDebug(false)
	})

	target := crguard.PatchTarget{Name: "macOS", Kind: crguard.KindOS, MinVersion: "15.1"}
	offline := onlineDevice("1", "15.1", nil)
	offline.LastContact = windowStart.Add(-time.Hour)
	devices := []crguard.Device{offline, onlineDevice("2", "14.7", nil), onlineDevice("3", "15.x", nil)}
	result, err := Evaluate(target, devices, Options{WindowStart: windowStart})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Excluded) != 3 {
		t.Fatalf("Expected 3 exclusions, got %d", len(result.Excluded))
	}
	for _, reason := range []crguard.ExclusionReason{crguard.ExcludedOffline, crguard.ExcludedWrongMajor, crguard.ExcludedUnparseable} {
		if !strings.Contains(buf.String(), "("+string(reason)+")") {
			t.Errorf("Missing debug line for %s exclusion in:\n%s", reason, buf.String())
		}
	}
}
