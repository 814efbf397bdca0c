// Package inventory converts raw Jamf Pro records into typed fleet entities.
package inventory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexID accepts identifiers encoded either as JSON strings or numbers. The
// Classic API returns integers where the modern API returns strings.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode id: %w", err)
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("failed to decode id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexID(n.String())
	return nil
}

// RawComputer is one entry of /api/v1/computers-inventory.
type RawComputer struct {
	ID              FlexID           `json:"id"`
	UDID            string           `json:"udid"`
	General         RawGeneral       `json:"general"`
	Hardware        RawHardware      `json:"hardware"`
	OperatingSystem RawOS            `json:"operatingSystem"`
	Storage         RawStorage       `json:"storage"`
	Applications    []RawApplication `json:"applications"`
}

// RawGeneral is the GENERAL inventory section.
type RawGeneral struct {
	Name            string `json:"name"`
	LastContactTime string `json:"lastContactTime"`
	ReportDate      string `json:"reportDate"`
}

// RawHardware is the HARDWARE inventory section.
type RawHardware struct {
	BatteryCapacityPercent *int   `json:"batteryCapacityPercent"`
	SerialNumber           string `json:"serialNumber"`
}

// RawOS is the OPERATING_SYSTEM inventory section.
type RawOS struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
}

// RawStorage is the STORAGE inventory section.
type RawStorage struct {
	BootDriveAvailableSpaceMegabytes *int64 `json:"bootDriveAvailableSpaceMegabytes"`
}

// RawApplication is one installed application.
type RawApplication struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	BundleID string `json:"bundleId"`
}

// RawPolicyLog is one entry of the Classic API computer history PolicyLogs subset.
type RawPolicyLog struct {
	PolicyID           FlexID `json:"policy_id"`
	PolicyName         string `json:"policy_name"`
	Status             string `json:"status"`
	DateCompleted      string `json:"date_completed"`
	DateCompletedUTC   string `json:"date_completed_utc"`
	DateCompletedEpoch int64  `json:"date_completed_epoch"`
}

// RawPatchStatus is one row of a patch software title report.
type RawPatchStatus struct {
	DeviceID               FlexID `json:"deviceId"`
	ComputerName           string `json:"computerName"`
	OperatingSystemVersion string `json:"operatingSystemVersion"`
	LastContactTime        string `json:"lastContactTime"`
	Version                string `json:"version"`
}

// RawCommand is one MDM command from the Classic API computer history
// Commands subset. Completed and pending entries carry only an issue time.
type RawCommand struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Issued      string `json:"issued"`
	IssuedUTC   string `json:"issued_utc"`
	IssuedEpoch int64  `json:"issued_epoch"`
	Failed      string `json:"failed"`
	FailedUTC   string `json:"failed_utc"`
	FailedEpoch int64  `json:"failed_epoch"`
}

// RawCommandHistory groups a computer's MDM commands by outcome.
type RawCommandHistory struct {
	Completed []RawCommand `json:"completed"`
	Pending   []RawCommand `json:"pending"`
	Failed    []RawCommand `json:"failed"`
}
