package validate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"crguard/internal/crguard"
)

func refs(ids ...string) []crguard.DeviceRef {
	out := make([]crguard.DeviceRef, len(ids))
	for i, id := range ids {
		out[i] = crguard.DeviceRef{ID: id}
	}
	return out
}

func TestSendCommand(t *testing.T) {
	var mu sync.Mutex
	sent := map[string]int{}
	send := func(_ context.Context, id string) error {
		if id == "3" {
			return fmt.Errorf("device 3: %w", crguard.ErrNotFound)
		}
		mu.Lock()
		sent[id]++
		mu.Unlock()
		return nil
	}

	report, err := SendCommand(context.Background(), "BlankPush", refs("1", "2", "3"), send, 2, false)
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if report.Total != 3 || report.Sent != 2 || report.Failed != 1 {
		t.Errorf("Counts mismatch: got %d/%d/%d, want 3/2/1", report.Total, report.Sent, report.Failed)
	}
	if report.ExitCode() != 1 {
		t.Errorf("ExitCode mismatch: got %d, want 1", report.ExitCode())
	}
	if report.Outcomes[2].Sent || report.Outcomes[2].Error == "" {
		t.Errorf("Device 3 outcome mismatch: got %+v", report.Outcomes[2])
	}
	if sent["1"] != 1 || sent["2"] != 1 {
		t.Errorf("Sends mismatch: got %v", sent)
	}
}

func TestSendCommandDryRun(t *testing.T) {
	var calls atomic.Int32
	send := func(context.Context, string) error {
		calls.Add(1)
		return nil
	}
	report, err := SendCommand(context.Background(), "RestartDevice", refs("1", "2"), send, 0, true)
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("Dry run sent %d commands", calls.Load())
	}
	if !report.DryRun || report.Total != 2 || report.Sent != 0 || report.ExitCode() != 0 {
		t.Errorf("Dry run report mismatch: got %+v", report)
	}
}

func TestSendCommandAbortsOnAuth(t *testing.T) {
	send := func(context.Context, string) error { return crguard.ErrAuth }
	_, err := SendCommand(context.Background(), "UpdateInventory", refs("1", "2"), send, 1, false)
	if !errors.Is(err, crguard.ErrAuth) {
		t.Errorf("Expected ErrAuth, got %v", err)
	}
}

type fakeCommands map[string][]crguard.MDMCommand

func (f fakeCommands) FailedCommands(_ context.Context, id string) ([]crguard.MDMCommand, error) {
	if id == "broken" {
		return nil, fmt.Errorf("history: %w", crguard.ErrTransient)
	}
	return f[id], nil
}

func TestMDMFailures(t *testing.T) {
	src := fakeCommands{
		"1": {{Name: "InstallProfile", Failed: at(20, 9)}},
		"2": {
			{Name: "InstallProfile", Failed: at(21, 9)},
			{Name: "DeviceLock", Failed: at(21, 10)},
			{Name: "InstallProfile", Failed: at(2, 9)},
		},
		"3": {{Name: "BlankPush"}},
	}
	devices := refs("1", "2", "3", "4", "broken")

	tests := []struct {
		name        string
		filter      MDMFailureFilter
		wantTotal   int
		wantDevices []string
		wantByCmd   map[string]int
	}{
		{
			name:        "everything",
			wantTotal:   5,
			wantDevices: []string{"2", "1", "3"},
			wantByCmd:   map[string]int{"InstallProfile": 3, "DeviceLock": 1, "BlankPush": 1},
		},
		{
			name:        "since window start",
			filter:      MDMFailureFilter{Since: windowStart},
			wantTotal:   3,
			wantDevices: []string{"2", "1"},
			wantByCmd:   map[string]int{"InstallProfile": 2, "DeviceLock": 1},
		},
		{
			name:        "command filter is case-insensitive",
			filter:      MDMFailureFilter{Commands: []string{"installprofile"}},
			wantTotal:   3,
			wantDevices: []string{"2", "1"},
			wantByCmd:   map[string]int{"InstallProfile": 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := MDMFailures(context.Background(), src, devices, tt.filter)
			if err != nil {
				t.Fatalf("MDMFailures failed: %v", err)
			}
			if report.Total != tt.wantTotal {
				t.Errorf("Total mismatch: got %d, want %d", report.Total, tt.wantTotal)
			}
			if report.Scanned != 5 {
				t.Errorf("Scanned mismatch: got %d, want 5", report.Scanned)
			}
			if len(report.Warnings) != 1 {
				t.Errorf("Expected one warning for the unreadable device, got %v", report.Warnings)
			}
			var got []string
			for _, d := range report.Devices {
				got = append(got, d.Device.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.wantDevices) {
				t.Errorf("Device order mismatch: got %v, want %v", got, tt.wantDevices)
			}
			if fmt.Sprint(report.ByCommand) != fmt.Sprint(tt.wantByCmd) {
				t.Errorf("ByCommand mismatch: got %v, want %v", report.ByCommand, tt.wantByCmd)
			}
		})
	}
}
