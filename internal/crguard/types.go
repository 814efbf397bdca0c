// Package crguard defines shared data structures for CR validation.
package crguard

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the resolved execution status of a policy on a device.
type Status string

// Policy execution statuses.
const (
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusPending   Status = "Pending"
	StatusOffline   Status = "Offline"
)

// IsTerminal reports whether the status is a finished execution result.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TargetKind distinguishes OS targets from application targets.
type TargetKind string

// Patch target kinds.
const (
	KindOS          TargetKind = "os"
	KindApplication TargetKind = "application"
)

// ExclusionReason explains why a device was removed from a compliance denominator.
type ExclusionReason string

// Exclusion reasons.
const (
	ExcludedOffline      ExclusionReason = "offline"
	ExcludedWrongMajor   ExclusionReason = "wrong-major-version"
	ExcludedUnparseable  ExclusionReason = "unparseable"
	ExcludedFetchFailure ExclusionReason = "fetch-failure"
)

// Device is an immutable snapshot of a managed computer.
type Device struct {
	LastContact  time.Time         `json:"last_contact"`           // Zero when never reported
	Applications map[string]string `json:"applications,omitempty"` // Application name -> version
	ID           string            `json:"id"`
	Serial       string            `json:"serial,omitempty"`
	Name         string            `json:"name"`
	OSVersion    string            `json:"os_version,omitempty"`
}

// Ref returns the lightweight reference used in reports.
func (d Device) Ref() DeviceRef {
	return DeviceRef{ID: d.ID, Name: d.Name, Serial: d.Serial}
}

// DeviceRef identifies a device inside reports without carrying its inventory.
type DeviceRef struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Serial string `json:"serial,omitempty"`
}

// PolicyExecutionRecord is one entry of a device's policy log.
type PolicyExecutionRecord struct {
	Timestamp time.Time `json:"timestamp"` // Zero when the source timestamp was malformed
	DeviceID  string    `json:"device_id"`
	PolicyID  string    `json:"policy_id"`
	Status    Status    `json:"status"`
}

// MDMCommand is a failed MDM command from a device's command history.
type MDMCommand struct {
	Failed time.Time `json:"failed"` // Issue time when no failure time was recorded
	Name   string    `json:"name"`
	Status string    `json:"status,omitempty"`
}

// PatchTarget is an OS or application version requirement.
type PatchTarget struct {
	Name            string     `json:"name" yaml:"name"`
	Kind            TargetKind `json:"kind" yaml:"type"`
	MinVersion      string     `json:"min_version" yaml:"min_version"`
	RequiredOSMajor int        `json:"required_os_major,omitempty" yaml:"required_os_major"` // 0 means unrestricted
	Critical        bool       `json:"critical,omitempty" yaml:"critical"`
	BundleID        string     `json:"bundle_id,omitempty" yaml:"bundle_id"`
	PatchTitleID    string     `json:"patch_title_id,omitempty" yaml:"patch_title_id"`
}

// Exclusion records a device removed from a compliance denominator.
type Exclusion struct {
	Device DeviceRef       `json:"device"`
	Reason ExclusionReason `json:"reason"`
	Detail string          `json:"detail,omitempty"`
}

// ComplianceResult is the evaluation of one target across a fleet.
type ComplianceResult struct {
	Target              PatchTarget `json:"target"`
	Strategy            string      `json:"strategy,omitempty"` // How per-device versions were acquired
	Excluded            []Exclusion `json:"excluded,omitempty"`
	OutdatedDevices     []DeviceRef `json:"outdated_devices,omitempty"`
	NotInstalledDevices []DeviceRef `json:"not_installed_devices,omitempty"`
	Eligible            int         `json:"eligible"`
	Compliant           int         `json:"compliant"`
	Outdated            int         `json:"outdated"`
	NotInstalled        int         `json:"not_installed"`
	Rate                float64     `json:"rate"`
}

// CRWindow is the maintenance window of a change request.
type CRWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the start <= end invariant.
func (w CRWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: window start and end are required", ErrConfig)
	}
	if w.Start.After(w.End) {
		return fmt.Errorf("%w: window start %s is after end %s", ErrConfig,
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside the window, bounds included.
func (w CRWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// DeviceClassification is the resolved status of one policy on one device.
type DeviceClassification struct {
	Source       *PolicyExecutionRecord `json:"source,omitempty"`
	DeviceID     string                 `json:"device_id"`
	PolicyID     string                 `json:"policy_id"`
	Status       Status                 `json:"status"`
	UsedFallback bool                   `json:"used_fallback"`
}

// Availability buckets devices by when they contacted the server.
type Availability struct {
	OfflineDevices      []DeviceRef `json:"offline_devices,omitempty"`
	OnlineEntireWindow  int         `json:"online_entire_window"`
	OnlinePartialWindow int         `json:"online_partial_window"`
	OfflineEntireWindow int         `json:"offline_entire_window"`
	Rate                float64     `json:"rate"` // Percentage of scope online at any point
}

// PolicyTotals counts classifications for one policy.
type PolicyTotals struct {
	FailedDevices []DeviceRef `json:"failed_devices,omitempty"`
	PolicyID      string      `json:"policy_id"`
	Name          string      `json:"name,omitempty"`
	InScope       int         `json:"in_scope"`
	Completed     int         `json:"completed"`
	Failed        int         `json:"failed"`
	Pending       int         `json:"pending"`
	Offline       int         `json:"offline"`
	FallbackUsed  int         `json:"fallback_used"`
	SuccessRate   float64     `json:"success_rate"`
}

// ProfileTotals counts installs of one configuration profile across the
// reachable devices in scope.
type ProfileTotals struct {
	MissingDevices []DeviceRef `json:"missing_devices,omitempty"`
	ProfileID      string      `json:"profile_id"`
	Checked        int         `json:"checked"`
	Installed      int         `json:"installed"`
}

// Missing is the number of checked devices without the profile.
func (p ProfileTotals) Missing() int {
	return len(p.MissingDevices)
}

// TargetError records a target that could not be evaluated.
type TargetError struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

// ExclusionReport makes partial failures visible in the verdict.
type ExclusionReport struct {
	Devices  map[ExclusionReason]int `json:"devices,omitempty"`
	Targets  []TargetError           `json:"targets,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
}

// CRSummary is the aggregated verdict of one change request.
type CRSummary struct {
	GeneratedAt       time.Time            `json:"generated_at"`
	Window            CRWindow             `json:"window"`
	Exclusions        ExclusionReport      `json:"exclusions"`
	ID                string               `json:"id"`
	Name              string               `json:"name"`
	Policies          []PolicyTotals       `json:"policies,omitempty"`
	Profiles          []ProfileTotals      `json:"profiles,omitempty"`
	Targets           []ComplianceResult   `json:"targets,omitempty"`
	Issues            []string             `json:"issues,omitempty"`
	NextSteps         []string             `json:"next_steps"`
	Remediation       []RemediationAttempt `json:"remediation,omitempty"`
	Availability      Availability         `json:"availability"`
	ScopeSize         int                  `json:"scope_size"`
	OverallCompliance float64              `json:"overall_compliance"`
	PolicySuccessRate float64              `json:"policy_success_rate"`
	Threshold         float64              `json:"threshold"`
	Successful        bool                 `json:"successful"`
}

// Outcome is the result of a single remediation attempt.
type Outcome string

// Remediation outcomes.
const (
	OutcomeSuccess      Outcome = "Success"
	OutcomeStillFailing Outcome = "StillFailing"
	OutcomeError        Outcome = "Error"
)

// Action is a remediation command kind.
type Action string

// Remediation actions.
const (
	ActionRetriggerPolicy  Action = "flush-and-retrigger-policy"
	ActionReinstallProfile Action = "remove-and-reinstall-profile"
)

// RemediationAttempt is one entry of a device's remediation audit trail.
type RemediationAttempt struct {
	Timestamp      time.Time     `json:"timestamp"`
	DeviceID       string        `json:"device_id"`
	ItemID         string        `json:"item_id"` // Policy or profile ID
	Action         Action        `json:"action"`
	Outcome        Outcome       `json:"outcome"`
	Error          string        `json:"error,omitempty"`
	Attempt        int           `json:"attempt"`
	ScheduledDelay time.Duration `json:"scheduled_delay"`
}

// FailureCategory groups device failures for chronic tracking.
type FailureCategory string

// Failure categories.
const (
	FailurePolicy  FailureCategory = "policy"
	FailurePatch   FailureCategory = "patch"
	FailureOffline FailureCategory = "offline"
)

// ProblemDeviceRecord is a device that keeps failing across change requests.
type ProblemDeviceRecord struct {
	Breakdown      map[FailureCategory]int `json:"breakdown"`
	DeviceID       string                  `json:"device_id"`
	Name           string                  `json:"name,omitempty"`
	Serial         string                  `json:"serial,omitempty"`
	Recommendation string                  `json:"recommendation"`
	Severity       string                  `json:"severity"`
	ChangeRequests []string                `json:"change_requests,omitempty"`
	FailureCount   int                     `json:"failure_count"`
}

// NewRunID returns a unique identifier for a validation or remediation run.
func NewRunID() string {
	return uuid.NewString()
}
