// Package config defines the crguard configuration file.
package config

import (
	"time"

	"crguard/internal/crguard"
	"crguard/internal/summary"
)

// Config represents the complete crguard configuration.
type Config struct {
	Notify      Notify      `yaml:"notify"`
	History     History     `yaml:"history"`
	Metrics     Metrics     `yaml:"metrics"`
	Jamf        Jamf        `yaml:"jamf"`
	CR          CR          `yaml:"cr"`
	Trend       Trend       `yaml:"trend"`
	Remediation Remediation `yaml:"remediation"`
	Readiness   Readiness   `yaml:"readiness"`
}

// Jamf holds connection tuning. Credentials come from the environment.
type Jamf struct {
	URL        string        `yaml:"url"`
	RateLimit  float64       `yaml:"rate_limit"`
	Burst      int           `yaml:"burst"`
	MaxWorkers int           `yaml:"max_workers"`
	Timeout    time.Duration `yaml:"timeout"`
	PageSize   int           `yaml:"page_size"`
}

// CR describes the change request being validated.
type CR struct {
	Name             string                `yaml:"name"`
	Start            string                `yaml:"start"` // RFC3339, YYYY-MM-DD or YYYY-MM-DDTHH:MM
	End              string                `yaml:"end"`   // A bare date covers the whole day
	ScopeGroupID     string                `yaml:"scope_group_id"`
	Policies         []string              `yaml:"policies"`
	Profiles         []string              `yaml:"profiles"`
	Targets          []crguard.PatchTarget `yaml:"targets"`
	SuccessThreshold *float64              `yaml:"success_threshold"` // Fraction in (0,1]; nil means the default
}

// Threshold returns the success threshold, or the default when unset.
func (c CR) Threshold() float64 {
	if c.SuccessThreshold == nil {
		return summary.DefaultSuccessThreshold
	}
	return *c.SuccessThreshold
}

// Remediation tunes the retry engine.
type Remediation struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Concurrency int           `yaml:"concurrency"`
	WakeDevices bool          `yaml:"wake_devices"`
}

// Trend tunes comparisons and problem-device detection.
type Trend struct {
	MinFailures     int           `yaml:"min_failures"`
	Lookback        time.Duration `yaml:"lookback"`
	StableThreshold float64       `yaml:"stable_threshold"` // Percentage points
}

// History points at the git repository of past summaries.
type History struct {
	Repository string `yaml:"repository"` // Local path or clone URL
}

// Notify lists the sinks that receive CR summaries. Empty sinks are skipped.
type Notify struct {
	TeamsWebhook string `yaml:"teams_webhook"`
	Kafka        Kafka  `yaml:"kafka"`
	MQTT         MQTT   `yaml:"mqtt"`
}

// Kafka is a Kafka summary sink.
type Kafka struct {
	Topic   string   `yaml:"topic"`
	Brokers []string `yaml:"brokers"`
}

// MQTT is an MQTT summary sink.
type MQTT struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Metrics configures the Prometheus textfile output.
type Metrics struct {
	Textfile string `yaml:"textfile"`
}

// Readiness holds the pre-CR device health criteria.
type Readiness struct {
	MaxCheckinHours    float64 `yaml:"max_checkin_hours"`
	MinDiskGB          float64 `yaml:"min_disk_gb"`
	MinBattery         int     `yaml:"min_battery"`
	MaxPendingCommands int     `yaml:"max_pending_commands"`
}
