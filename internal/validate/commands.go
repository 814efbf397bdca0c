package validate

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"crguard/internal/crguard"
)

// CommandSource lists failed MDM commands per device.
type CommandSource interface {
	FailedCommands(ctx context.Context, deviceID string) ([]crguard.MDMCommand, error)
}

// CommandOutcome is the result of sending one MDM command to one device.
type CommandOutcome struct {
	Device crguard.DeviceRef `json:"device"`
	Error  string            `json:"error,omitempty"`
	Sent   bool              `json:"sent"`
}

// CommandReport summarizes an MDM command sent to a set of devices.
type CommandReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Command     string           `json:"command"`
	Outcomes    []CommandOutcome `json:"outcomes"`
	Total       int              `json:"total"`
	Sent        int              `json:"sent"`
	Failed      int              `json:"failed"`
	DryRun      bool             `json:"dry_run"`
}

// ExitCode is 1 when any device could not be reached, else 0.
func (r CommandReport) ExitCode() int {
	if r.Failed > 0 {
		return 1
	}
	return 0
}

// SendCommand delivers one MDM command to every device with at most workers
// in flight. Per-device failures are recorded; rejected credentials abort.
// A dry run records what would be sent without calling send.
func SendCommand(ctx context.Context, command string, devices []crguard.DeviceRef,
	send func(ctx context.Context, deviceID string) error, workers int, dryRun bool,
) (CommandReport, error) {
	report := CommandReport{
		GeneratedAt: time.Now().UTC(),
		Command:     command,
		Total:       len(devices),
		DryRun:      dryRun,
		Outcomes:    make([]CommandOutcome, len(devices)),
	}
	for i, d := range devices {
		report.Outcomes[i].Device = d
	}
	if dryRun {
		for _, d := range devices {
			log.Printf("[INFO] [dry-run] Would send %s to %s", command, d.ID)
		}
		return report, nil
	}
	if workers <= 0 {
		workers = defaultWorkers
	}

	targets := make([]crguard.Device, len(devices))
	for i, d := range devices {
		targets[i] = crguard.Device{ID: d.ID, Name: d.Name, Serial: d.Serial}
	}
	errs, err := forEachDevice(ctx, workers, targets, func(ctx context.Context, _ int, d crguard.Device) error {
		return send(ctx, d.ID)
	})
	if err != nil {
		return report, fmt.Errorf("failed to send %s: %w", command, err)
	}
	for i, e := range errs {
		if e != nil {
			report.Outcomes[i].Error = e.Error()
			report.Failed++
			log.Printf("[WARN] %s failed for %s: %v", command, devices[i].ID, e)
			continue
		}
		report.Outcomes[i].Sent = true
		report.Sent++
	}
	log.Printf("[INFO] %s sent to %d/%d devices", command, report.Sent, report.Total)
	return report, nil
}

// MDMFailureFilter narrows an MDM failure report.
type MDMFailureFilter struct {
	Since    time.Time // Zero keeps every failure
	Commands []string  // Case-insensitive command names; empty keeps all
	Workers  int
}

func (f MDMFailureFilter) keep(c crguard.MDMCommand) bool {
	if !f.Since.IsZero() && (c.Failed.IsZero() || c.Failed.Before(f.Since)) {
		return false
	}
	if len(f.Commands) == 0 {
		return true
	}
	return slices.ContainsFunc(f.Commands, func(name string) bool {
		return strings.EqualFold(name, c.Name)
	})
}

// DeviceFailures lists one device's failed commands.
type DeviceFailures struct {
	Device   crguard.DeviceRef    `json:"device"`
	Commands []crguard.MDMCommand `json:"commands"`
	Count    int                  `json:"count"`
}

// MDMFailureReport groups failed MDM commands by command and by device.
type MDMFailureReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Since       time.Time        `json:"since,omitzero"`
	ByCommand   map[string]int   `json:"by_command"`
	Devices     []DeviceFailures `json:"devices"`
	Warnings    []string         `json:"warnings,omitempty"`
	Scanned     int              `json:"scanned"`
	Total       int              `json:"total"`
}

// MDMFailures collects failed MDM commands across devices. Devices whose
// history cannot be read are listed as warnings. Devices are ordered by
// failure count, most first.
func MDMFailures(ctx context.Context, src CommandSource, devices []crguard.DeviceRef, filter MDMFailureFilter) (MDMFailureReport, error) {
	start := time.Now()
	report := MDMFailureReport{
		GeneratedAt: time.Now().UTC(),
		Since:       filter.Since,
		ByCommand:   map[string]int{},
		Scanned:     len(devices),
	}
	workers := filter.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	targets := make([]crguard.Device, len(devices))
	for i, d := range devices {
		targets[i] = crguard.Device{ID: d.ID, Name: d.Name, Serial: d.Serial}
	}
	found := make([][]crguard.MDMCommand, len(devices))
	var mu sync.Mutex
	errs, err := forEachDevice(ctx, workers, targets, func(ctx context.Context, i int, d crguard.Device) error {
		cmds, err := src.FailedCommands(ctx, d.ID)
		if err != nil {
			return err
		}
		var kept []crguard.MDMCommand
		for _, c := range cmds {
			if filter.keep(c) {
				kept = append(kept, c)
			}
		}
		mu.Lock()
		found[i] = kept
		mu.Unlock()
		return nil
	})
	if err != nil {
		return MDMFailureReport{}, fmt.Errorf("failed to fetch command history: %w", err)
	}

	for i, cmds := range found {
		if errs[i] != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", devices[i].ID, errs[i]))
			continue
		}
		if len(cmds) == 0 {
			continue
		}
		for _, c := range cmds {
			report.ByCommand[c.Name]++
		}
		report.Total += len(cmds)
		report.Devices = append(report.Devices, DeviceFailures{Device: devices[i], Commands: cmds, Count: len(cmds)})
	}
	slices.SortStableFunc(report.Devices, func(a, b DeviceFailures) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Device.ID, b.Device.ID)
	})
	log.Printf("[INFO] Found %d failed MDM commands on %d of %d devices in %s",
		report.Total, len(report.Devices), report.Scanned, time.Since(start).Round(time.Millisecond))
	return report, nil
}
