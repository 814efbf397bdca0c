package validate

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"crguard/internal/crguard"
)

// Readiness issue categories.
const (
	CategoryOffline    = "offline"
	CategoryLowDisk    = "low-disk"
	CategoryLowBattery = "low-battery"
)

// Readiness rates below these fail the check with exit code 1 or 2.
const (
	readinessWarnRate     = 80.0
	readinessCriticalRate = 50.0
	readinessGoodRate     = 95.0
)

// ReadinessCriteria are the pre-CR health thresholds.
type ReadinessCriteria struct {
	MaxCheckin         time.Duration `json:"max_checkin"`
	MinDiskGB          float64       `json:"min_disk_gb"`
	MinBattery         int           `json:"min_battery"`
	MaxPendingCommands int           `json:"max_pending_commands"`
}

// DeviceReadiness is the readiness verdict for one device.
type DeviceReadiness struct {
	LastContact     time.Time         `json:"last_contact"`
	Device          crguard.DeviceRef `json:"device"`
	OSVersion       string            `json:"os_version,omitempty"`
	Issues          []string          `json:"issues,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	FreeDiskGB      float64           `json:"free_disk_gb"`    // -1 when unknown
	BatteryPercent  int               `json:"battery_percent"` // -1 when unknown
	PendingCommands int               `json:"pending_commands"`
	Ready           bool              `json:"ready"`
}

// ReadinessReport summarizes a readiness check.
type ReadinessReport struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	IssueBreakdown  map[string]int    `json:"issue_breakdown,omitempty"`
	ScopeGroupID    string            `json:"scope_group_id,omitempty"`
	Recommendations []string          `json:"recommendations"`
	Devices         []DeviceReadiness `json:"devices"`
	Criteria        ReadinessCriteria `json:"criteria"`
	Total           int               `json:"total"`
	Ready           int               `json:"ready"`
	NotReady        int               `json:"not_ready"`
	Rate            float64           `json:"rate"`
}

// ExitCode is 2 when most devices are not ready, 1 when a significant share
// is not ready, else 0.
func (r ReadinessReport) ExitCode() int {
	switch {
	case r.Rate < readinessCriticalRate:
		return 2
	case r.Rate < readinessWarnRate:
		return 1
	default:
		return 0
	}
}

// Readiness screens the devices in scope before a CR window opens.
func Readiness(ctx context.Context, src ReadinessSource, scopeGroupID string, criteria ReadinessCriteria, now time.Time) (ReadinessReport, error) {
	start := time.Now()
	fleet, err := src.Fleet(ctx, scopeGroupID)
	if err != nil {
		return ReadinessReport{}, fmt.Errorf("failed to load devices in scope: %w", err)
	}

	devices := make([]crguard.Device, len(fleet))
	for i, f := range fleet {
		devices[i] = f.Device
	}
	pending := make([]int, len(fleet))
	_, err = forEachDevice(ctx, defaultWorkers, devices, func(ctx context.Context, i int, d crguard.Device) error {
		n, err := src.PendingCommands(ctx, d.ID)
		if err != nil {
			crguard.Debugf("Could not count pending commands for %s: %v", d.ID, err)
			return err
		}
		pending[i] = n
		return nil
	})
	if err != nil {
		return ReadinessReport{}, fmt.Errorf("failed to count pending commands: %w", err)
	}

	report := ReadinessReport{
		GeneratedAt:    now.UTC(),
		ScopeGroupID:   scopeGroupID,
		Criteria:       criteria,
		Total:          len(fleet),
		IssueBreakdown: map[string]int{},
		Devices:        make([]DeviceReadiness, 0, len(fleet)),
	}
	for i, f := range fleet {
		dr := checkDevice(f, pending[i], criteria, now, report.IssueBreakdown)
		if dr.Ready {
			report.Ready++
		} else {
			report.NotReady++
		}
		report.Devices = append(report.Devices, dr)
	}
	if report.Total > 0 {
		report.Rate = math.Round(float64(report.Ready)/float64(report.Total)*10000) / 100
	}
	report.Recommendations = readinessRecommendations(report)

	log.Printf("[INFO] Readiness check of %d devices in %v: %d ready (%.1f%%)",
		report.Total, time.Since(start), report.Ready, report.Rate)
	return report, nil
}

func checkDevice(f FleetDevice, pending int, c ReadinessCriteria, now time.Time, breakdown map[string]int) DeviceReadiness {
	d := f.Device
	dr := DeviceReadiness{
		Device:          d.Ref(),
		LastContact:     d.LastContact,
		OSVersion:       d.OSVersion,
		FreeDiskGB:      f.Health.FreeDiskGB,
		BatteryPercent:  f.Health.BatteryPercent,
		PendingCommands: pending,
	}

	switch {
	case d.LastContact.IsZero():
		dr.Issues = append(dr.Issues, "No check-in time available")
		breakdown[CategoryOffline]++
	case now.Sub(d.LastContact) > c.MaxCheckin:
		dr.Issues = append(dr.Issues, fmt.Sprintf("Last check-in %.1f hours ago (threshold: %.0fh)",
			now.Sub(d.LastContact).Hours(), c.MaxCheckin.Hours()))
		breakdown[CategoryOffline]++
	}

	if gb := f.Health.FreeDiskGB; gb >= 0 {
		switch {
		case gb < c.MinDiskGB:
			dr.Issues = append(dr.Issues, fmt.Sprintf("Low disk space: %.1f GB free (minimum: %.1f GB)", gb, c.MinDiskGB))
			breakdown[CategoryLowDisk]++
		case gb < c.MinDiskGB*1.5:
			dr.Warnings = append(dr.Warnings, fmt.Sprintf("Disk space marginal: %.1f GB free", gb))
		}
	}

	if pct := f.Health.BatteryPercent; pct >= 0 {
		switch {
		case pct < c.MinBattery:
			dr.Issues = append(dr.Issues, fmt.Sprintf("Low battery: %d%% (minimum: %d%%)", pct, c.MinBattery))
			breakdown[CategoryLowBattery]++
		case pct < c.MinBattery+20:
			dr.Warnings = append(dr.Warnings, fmt.Sprintf("Battery marginal: %d%%", pct))
		}
	}

	if pending > c.MaxPendingCommands {
		dr.Warnings = append(dr.Warnings, fmt.Sprintf("%d pending MDM commands", pending))
	}

	dr.Ready = len(dr.Issues) == 0
	return dr
}

func readinessRecommendations(r ReadinessReport) []string {
	recs := []string{}
	if r.Total > 0 && r.Rate < readinessWarnRate {
		recs = append(recs, "Less than 80% of devices are ready, consider delaying the CR window")
	}
	if n := r.IssueBreakdown[CategoryOffline]; n > 0 && float64(n) > float64(r.Total)*0.1 {
		recs = append(recs, fmt.Sprintf("%d devices are not checking in, wake them before the window", n))
	}
	if n := r.IssueBreakdown[CategoryLowDisk]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d devices have low disk space and may need cleanup", n))
	}
	switch {
	case r.Rate >= readinessGoodRate:
		recs = append(recs, "Excellent readiness, proceed with the CR as planned")
	case r.Rate >= readinessWarnRate:
		recs = append(recs, "Good readiness, address minor issues before the CR window")
	}
	return recs
}
