package inventory

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"time"

	"crguard/internal/crguard"
)

// Epoch values above this are milliseconds rather than seconds.
const epochMillisThreshold = 100_000_000_000

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006 03:04:05 PM",
	"01/02/2006 03:04 PM",
	"2006/01/02 at 3:04 PM",
}

var osVersionPattern = regexp.MustCompile(`\d+(\.\d+)*`)

// ParseTimestamp accepts the formats Jamf Pro emits across its two APIs:
// ISO-8601 with or without offset, US-style dates, the Classic "at" format and
// epoch seconds or milliseconds. Layouts without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", crguard.ErrData)
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", crguard.ErrData, s, err)
		}
		return fromEpoch(n), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", crguard.ErrData, s)
}

func fromEpoch(n int64) time.Time {
	if n > epochMillisThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// NormalizeStatus maps the free-form status strings of policy logs onto the
// three execution states. Anything unrecognized is Pending.
func NormalizeStatus(s string) crguard.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "complete", "success", "succeeded":
		return crguard.StatusCompleted
	case "failed", "failure", "error":
		return crguard.StatusFailed
	default:
		return crguard.StatusPending
	}
}

// ExtractOSVersion pulls the dotted version out of strings like "macOS 15.1"
// when the dedicated version field is empty.
func ExtractOSVersion(osInfo RawOS) string {
	if v := strings.TrimSpace(osInfo.Version); v != "" {
		return v
	}
	return osVersionPattern.FindString(osInfo.Name)
}

// NormalizeComputer converts an inventory record into a Device. A record
// without an id is a data error. Unparseable contact times leave LastContact
// zero, which later filters treat as never contacted.
func NormalizeComputer(raw RawComputer) (crguard.Device, error) {
	id := strings.TrimSpace(string(raw.ID))
	if id == "" {
		return crguard.Device{}, fmt.Errorf("%w: computer record without id", crguard.ErrData)
	}

	d := crguard.Device{
		ID:        id,
		Serial:    strings.TrimSpace(raw.Hardware.SerialNumber),
		Name:      strings.TrimSpace(raw.General.Name),
		OSVersion: ExtractOSVersion(raw.OperatingSystem),
	}
	if d.Name == "" {
		d.Name = "Computer-" + id
	}

	for _, candidate := range []string{raw.General.LastContactTime, raw.General.ReportDate} {
		if candidate == "" {
			continue
		}
		t, err := ParseTimestamp(candidate)
		if err != nil {
			crguard.Debugf("Computer %s: ignoring contact time %q: %v", id, candidate, err)
			continue
		}
		d.LastContact = t
		break
	}

	if len(raw.Applications) > 0 {
		d.Applications = make(map[string]string, len(raw.Applications))
		for _, app := range raw.Applications {
			name := strings.TrimSpace(app.Name)
			if name == "" {
				continue
			}
			d.Applications[name] = strings.TrimSpace(app.Version)
			if app.BundleID != "" {
				d.Applications[app.BundleID] = strings.TrimSpace(app.Version)
			}
		}
	}
	return d, nil
}

// NormalizeComputers converts a page of inventory, skipping records that fail
// to normalize. The count of skipped records is returned for reporting.
func NormalizeComputers(raws []RawComputer) (devices []crguard.Device, skipped int) {
	devices = make([]crguard.Device, 0, len(raws))
	for _, raw := range raws {
		d, err := NormalizeComputer(raw)
		if err != nil {
			skipped++
			crguard.Debugf("Skipping computer record: %v", err)
			continue
		}
		devices = append(devices, d)
	}
	return devices, skipped
}

// NormalizePolicyLogs converts a device's policy history into records. Entries
// whose timestamp cannot be parsed are dropped and counted; a bad entry never
// fails the whole history.
func NormalizePolicyLogs(deviceID string, logs []RawPolicyLog) (records []crguard.PolicyExecutionRecord, dropped int) {
	records = make([]crguard.PolicyExecutionRecord, 0, len(logs))
	for _, entry := range logs {
		ts, err := policyLogTime(entry)
		if err != nil {
			dropped++
			crguard.Debugf("Device %s policy %s: dropping log entry: %v", deviceID, entry.PolicyID, err)
			continue
		}
		records = append(records, crguard.PolicyExecutionRecord{
			DeviceID:  deviceID,
			PolicyID:  string(entry.PolicyID),
			Status:    NormalizeStatus(entry.Status),
			Timestamp: ts,
		})
	}
	return records, dropped
}

func policyLogTime(entry RawPolicyLog) (time.Time, error) {
	if entry.DateCompletedEpoch > 0 {
		return fromEpoch(entry.DateCompletedEpoch), nil
	}
	var errs []error
	for _, s := range []string{entry.DateCompletedUTC, entry.DateCompleted} {
		if s == "" {
			continue
		}
		t, err := ParseTimestamp(s)
		if err == nil {
			return t, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return time.Time{}, fmt.Errorf("%w: policy log entry without timestamp", crguard.ErrData)
	}
	return time.Time{}, errors.Join(errs...)
}

// WithApplicationVersions returns copies of devices with the given application
// version recorded for each device present in versions. The inputs are not
// modified. Used when a bulk patch report supplies versions instead of
// per-device inventory.
func WithApplicationVersions(devices []crguard.Device, appName string, versions map[string]string) []crguard.Device {
	out := make([]crguard.Device, len(devices))
	for i, d := range devices {
		v, ok := versions[d.ID]
		if !ok {
			out[i] = d
			continue
		}
		apps := make(map[string]string, len(d.Applications)+1)
		maps.Copy(apps, d.Applications)
		apps[appName] = v
		d.Applications = apps
		out[i] = d
	}
	return out
}

// PatchReportVersions indexes a patch report by device id. Rows with an empty
// version mean the title is not installed and are left out.
func PatchReportVersions(rows []RawPatchStatus) map[string]string {
	versions := make(map[string]string, len(rows))
	for _, row := range rows {
		id := strings.TrimSpace(string(row.DeviceID))
		v := strings.TrimSpace(row.Version)
		if id == "" || v == "" {
			continue
		}
		versions[id] = v
	}
	return versions
}

// NormalizeFailedCommands converts failed MDM command entries. Entries without
// a name are dropped; an unparseable time leaves Failed zero so callers can
// still count the failure.
func NormalizeFailedCommands(deviceID string, raws []RawCommand) []crguard.MDMCommand {
	out := make([]crguard.MDMCommand, 0, len(raws))
	for _, raw := range raws {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			crguard.Debugf("Device %s: dropping failed command without a name", deviceID)
			continue
		}
		out = append(out, crguard.MDMCommand{
			Name:   name,
			Status: strings.TrimSpace(raw.Status),
			Failed: commandTime(raw),
		})
	}
	return out
}

func commandTime(raw RawCommand) time.Time {
	for _, n := range []int64{raw.FailedEpoch, raw.IssuedEpoch} {
		if n > 0 {
			return fromEpoch(n)
		}
	}
	for _, s := range []string{raw.FailedUTC, raw.Failed, raw.IssuedUTC, raw.Issued} {
		if s == "" {
			continue
		}
		if t, err := ParseTimestamp(s); err == nil {
			return t
		}
	}
	return time.Time{}
}
