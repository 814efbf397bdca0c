package inventory

import "strings"

// Health holds the readiness-relevant fields of an inventory record.
// Unknown values are negative.
type Health struct {
	DeviceID       string  `json:"device_id"`
	FreeDiskGB     float64 `json:"free_disk_gb"`
	BatteryPercent int     `json:"battery_percent"`
}

// NormalizeHealth extracts disk and battery readings from an inventory record.
func NormalizeHealth(raw RawComputer) Health {
	h := Health{
		DeviceID:       strings.TrimSpace(string(raw.ID)),
		FreeDiskGB:     -1,
		BatteryPercent: -1,
	}
	if mb := raw.Storage.BootDriveAvailableSpaceMegabytes; mb != nil {
		h.FreeDiskGB = float64(*mb) / 1024
	}
	if pct := raw.Hardware.BatteryCapacityPercent; pct != nil {
		h.BatteryPercent = *pct
	}
	return h
}
