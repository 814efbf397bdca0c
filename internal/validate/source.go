// Package validate runs the end-to-end CR validation: it gathers inventory
// and history from a Source, classifies, evaluates and aggregates.
package validate

import (
	"context"
	"fmt"
	"log"

	"crguard/internal/crguard"
	"crguard/internal/inventory"
	"crguard/internal/jamf"
)

// Source provides normalized fleet data.
type Source interface {
	// Devices lists the devices in scope. An empty group means the whole fleet.
	Devices(ctx context.Context, scopeGroupID string) ([]crguard.Device, error)
	// Device returns one device with its application inventory.
	Device(ctx context.Context, id string) (crguard.Device, error)
	PolicyHistory(ctx context.Context, deviceID string) ([]crguard.PolicyExecutionRecord, error)
	PolicyName(ctx context.Context, policyID string) (string, error)
	// PatchVersions maps device id to installed version for a patch title.
	PatchVersions(ctx context.Context, titleID string) (map[string]string, error)
	LatestVersion(ctx context.Context, titleID string) (string, error)
	InstalledProfiles(ctx context.Context, deviceID string) ([]string, error)
}

// FleetDevice pairs a device with its health readings.
type FleetDevice struct {
	Health inventory.Health
	Device crguard.Device
}

// ReadinessSource provides what the pre-CR readiness check needs.
type ReadinessSource interface {
	Fleet(ctx context.Context, scopeGroupID string) ([]FleetDevice, error)
	PendingCommands(ctx context.Context, deviceID string) (int, error)
}

// JamfSource adapts a Jamf client to Source and ReadinessSource.
type JamfSource struct {
	Client *jamf.Client
}

// Fleet fetches the inventory in scope and normalizes it.
func (s JamfSource) Fleet(ctx context.Context, scopeGroupID string) ([]FleetDevice, error) {
	raws, err := s.Client.Computers(ctx)
	if err != nil {
		return nil, err
	}

	if scopeGroupID != "" {
		members, err := s.Client.GroupMembers(ctx, scopeGroupID)
		if err != nil {
			return nil, err
		}
		want := make(map[string]bool, len(members))
		for _, id := range members {
			want[id] = true
		}
		scoped := raws[:0]
		for _, raw := range raws {
			if want[string(raw.ID)] {
				scoped = append(scoped, raw)
				delete(want, string(raw.ID))
			}
		}
		raws = scoped
		if len(want) > 0 {
			log.Printf("[WARN] %d members of group %s are missing from inventory (continuing)", len(want), scopeGroupID)
		}
	}

	fleet := make([]FleetDevice, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		d, err := inventory.NormalizeComputer(raw)
		if err != nil {
			skipped++
			continue
		}
		fleet = append(fleet, FleetDevice{Device: d, Health: inventory.NormalizeHealth(raw)})
	}
	if skipped > 0 {
		log.Printf("[WARN] Skipped %d malformed inventory records", skipped)
	}
	return fleet, nil
}

// Devices implements Source.
func (s JamfSource) Devices(ctx context.Context, scopeGroupID string) ([]crguard.Device, error) {
	fleet, err := s.Fleet(ctx, scopeGroupID)
	if err != nil {
		return nil, err
	}
	devices := make([]crguard.Device, len(fleet))
	for i, f := range fleet {
		devices[i] = f.Device
	}
	return devices, nil
}

// Device implements Source.
func (s JamfSource) Device(ctx context.Context, id string) (crguard.Device, error) {
	raw, err := s.Client.ComputerDetail(ctx, id)
	if err != nil {
		return crguard.Device{}, err
	}
	return inventory.NormalizeComputer(raw)
}

// PolicyHistory implements Source.
func (s JamfSource) PolicyHistory(ctx context.Context, deviceID string) ([]crguard.PolicyExecutionRecord, error) {
	logs, err := s.Client.PolicyHistory(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	records, dropped := inventory.NormalizePolicyLogs(deviceID, logs)
	if dropped > 0 {
		crguard.Debugf("Device %s: dropped %d policy log entries without usable timestamps", deviceID, dropped)
	}
	return records, nil
}

// PolicyName implements Source.
func (s JamfSource) PolicyName(ctx context.Context, policyID string) (string, error) {
	return s.Client.PolicyName(ctx, policyID)
}

// PatchVersions implements Source.
func (s JamfSource) PatchVersions(ctx context.Context, titleID string) (map[string]string, error) {
	rows, err := s.Client.PatchReport(ctx, titleID)
	if err != nil {
		return nil, err
	}
	return inventory.PatchReportVersions(rows), nil
}

// LatestVersion implements Source.
func (s JamfSource) LatestVersion(ctx context.Context, titleID string) (string, error) {
	if titleID == "" {
		return "", fmt.Errorf("%w: no patch title to resolve the latest version from", crguard.ErrConfig)
	}
	return s.Client.LatestPatchVersion(ctx, titleID)
}

// InstalledProfiles implements Source.
func (s JamfSource) InstalledProfiles(ctx context.Context, deviceID string) ([]string, error) {
	return s.Client.InstalledProfiles(ctx, deviceID)
}

// PendingCommands implements ReadinessSource.
func (s JamfSource) PendingCommands(ctx context.Context, deviceID string) (int, error) {
	return s.Client.PendingCommands(ctx, deviceID)
}

// FailedCommands implements CommandSource.
func (s JamfSource) FailedCommands(ctx context.Context, deviceID string) ([]crguard.MDMCommand, error) {
	h, err := s.Client.CommandHistory(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return inventory.NormalizeFailedCommands(deviceID, h.Failed), nil
}
