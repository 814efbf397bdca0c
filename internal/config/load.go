package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"crguard/internal/cache"
	"crguard/internal/crguard"
	"crguard/internal/jamf"
	"crguard/internal/remediate"
	"crguard/internal/trend"
	"crguard/internal/version"
)

const (
	// DefaultPath is used when neither --config nor CRGUARD_CONFIG is set.
	DefaultPath = "crguard.yaml"
	// EnvPath overrides DefaultPath.
	EnvPath = "CRGUARD_CONFIG"

	defaultCheckinHours = 24
	defaultMinDiskGB    = 10
	defaultMinBattery   = 20
	defaultMaxPending   = 5
)

// Accepted date layouts, most specific first.
var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"}

// Path resolves the config file location from a flag value.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config %s: %v", crguard.ErrConfig, path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", crguard.ErrConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Remediation.MaxRetries == 0 {
		c.Remediation.MaxRetries = remediate.DefaultMaxRetries
	}
	if c.Remediation.BaseDelay == 0 {
		c.Remediation.BaseDelay = remediate.DefaultBaseDelay
	}
	if c.Remediation.MaxDelay == 0 {
		c.Remediation.MaxDelay = remediate.DefaultMaxDelay
	}
	if c.Remediation.Concurrency == 0 {
		c.Remediation.Concurrency = remediate.DefaultConcurrency
	}
	if c.Trend.MinFailures == 0 {
		c.Trend.MinFailures = trend.DefaultMinFailures
	}
	if c.Trend.Lookback == 0 {
		c.Trend.Lookback = trend.DefaultLookback
	}
	if c.Trend.StableThreshold == 0 {
		c.Trend.StableThreshold = trend.DefaultStableThreshold
	}
	if c.Readiness.MaxCheckinHours == 0 {
		c.Readiness.MaxCheckinHours = defaultCheckinHours
	}
	if c.Readiness.MinDiskGB == 0 {
		c.Readiness.MinDiskGB = defaultMinDiskGB
	}
	if c.Readiness.MinBattery == 0 {
		c.Readiness.MinBattery = defaultMinBattery
	}
	if c.Readiness.MaxPendingCommands == 0 {
		c.Readiness.MaxPendingCommands = defaultMaxPending
	}
	for i := range c.CR.Targets {
		c.CR.Targets[i].Kind = crguard.TargetKind(strings.ToLower(string(c.CR.Targets[i].Kind)))
	}
}

// Validate reports every problem found, joined, as a configuration error.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.CR.Start != "" || c.CR.End != "" {
		if _, err := c.CR.Window(); err != nil {
			errs = append(errs, err)
		}
	}
	if t := c.CR.SuccessThreshold; t != nil && (*t <= 0 || *t > 1) {
		bad("cr.success_threshold %v must be above 0 and at most 1", *t)
	}
	for i, t := range c.CR.Targets {
		switch {
		case strings.TrimSpace(t.Name) == "":
			bad("cr.targets[%d]: name is required", i)
		case t.Kind != crguard.KindOS && t.Kind != crguard.KindApplication:
			bad("cr.targets[%d] %s: unknown type %q (want os or application)", i, t.Name, t.Kind)
		case t.MinVersion == "" && t.PatchTitleID == "":
			bad("cr.targets[%d] %s: min_version or patch_title_id is required", i, t.Name)
		}
		if t.MinVersion != "" {
			if _, err := version.Parse(t.MinVersion); err != nil {
				bad("cr.targets[%d] %s: %v", i, t.Name, err)
			}
		}
		if t.RequiredOSMajor < 0 {
			bad("cr.targets[%d] %s: required_os_major must not be negative", i, t.Name)
		}
	}

	durations := map[string]time.Duration{
		"jamf.timeout":           c.Jamf.Timeout,
		"remediation.base_delay": c.Remediation.BaseDelay,
		"remediation.max_delay":  c.Remediation.MaxDelay,
		"trend.lookback":         c.Trend.Lookback,
	}
	for name, d := range durations {
		if d < 0 {
			bad("%s must not be negative", name)
		}
	}
	if c.Remediation.MaxDelay > 0 && c.Remediation.BaseDelay > c.Remediation.MaxDelay {
		bad("remediation.base_delay %v exceeds max_delay %v", c.Remediation.BaseDelay, c.Remediation.MaxDelay)
	}
	if c.Remediation.MaxRetries < 0 || c.Remediation.Concurrency < 0 {
		bad("remediation.max_retries and concurrency must not be negative")
	}
	if c.Trend.StableThreshold < 0 || c.Trend.MinFailures < 0 {
		bad("trend.stable_threshold and min_failures must not be negative")
	}
	if c.Readiness.MinBattery < 0 || c.Readiness.MinBattery > 100 {
		bad("readiness.min_battery %d must be between 0 and 100", c.Readiness.MinBattery)
	}
	if (len(c.Notify.Kafka.Brokers) > 0) != (c.Notify.Kafka.Topic != "") {
		bad("notify.kafka needs both brokers and topic")
	}
	if (c.Notify.MQTT.Broker != "") != (c.Notify.MQTT.Topic != "") {
		bad("notify.mqtt needs both broker and topic")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", crguard.ErrConfig, errors.Join(errs...))
}

// ParseDate parses a CR boundary. A bare date is midnight UTC, or the last
// second of that day when endOfDay is set.
func ParseDate(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" && endOfDay {
			t = t.Add(24*time.Hour - time.Second)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: invalid date %q (want RFC3339, YYYY-MM-DD or YYYY-MM-DDTHH:MM)", crguard.ErrConfig, s)
}

// Window parses and validates the CR window.
func (c CR) Window() (crguard.CRWindow, error) {
	start, err := ParseDate(c.Start, false)
	if err != nil {
		return crguard.CRWindow{}, fmt.Errorf("cr.start: %w", err)
	}
	end, err := ParseDate(c.End, true)
	if err != nil {
		return crguard.CRWindow{}, fmt.Errorf("cr.end: %w", err)
	}
	w := crguard.CRWindow{Start: start, End: end}
	return w, w.Validate()
}

// LoadEnv loads a .env file from the working directory when present.
func LoadEnv() {
	_ = godotenv.Load() //nolint:errcheck // .env is optional
}

// Credentials reads Jamf credentials from the environment.
func Credentials() jamf.Credentials {
	return jamf.Credentials{
		BearerToken:  os.Getenv("JAMF_BEARER_TOKEN"),
		ClientID:     os.Getenv("JAMF_CLIENT_ID"),
		ClientSecret: os.Getenv("JAMF_CLIENT_SECRET"),
		Username:     os.Getenv("JAMF_USER"),
		Password:     os.Getenv("JAMF_PASSWORD"),
	}
}

// JamfConfig builds the client config. JAMF_BASE_URL overrides jamf.url.
func (c *Config) JamfConfig(ch *cache.Cache) jamf.Config {
	base := c.Jamf.URL
	if env := os.Getenv("JAMF_BASE_URL"); env != "" {
		base = env
	}
	return jamf.Config{
		BaseURL:     base,
		Credentials: Credentials(),
		Cache:       ch,
		Timeout:     c.Jamf.Timeout,
		RateLimit:   c.Jamf.RateLimit,
		Burst:       c.Jamf.Burst,
		MaxWorkers:  c.Jamf.MaxWorkers,
		PageSize:    c.Jamf.PageSize,
	}
}

// RemediationConfig builds the retry engine config.
func (c *Config) RemediationConfig(dryRun bool) remediate.Config {
	return remediate.Config{
		MaxRetries:  c.Remediation.MaxRetries,
		BaseDelay:   c.Remediation.BaseDelay,
		MaxDelay:    c.Remediation.MaxDelay,
		Concurrency: c.Remediation.Concurrency,
		Wake:        c.Remediation.WakeDevices,
		DryRun:      dryRun,
	}
}

// Thresholds returns the trend classification thresholds.
func (c *Config) Thresholds() trend.Thresholds {
	return trend.Thresholds{StablePP: c.Trend.StableThreshold}
}

// ProblemOptions returns the problem-device detection options.
func (c *Config) ProblemOptions(now time.Time) trend.Options {
	return trend.Options{Now: now, Lookback: c.Trend.Lookback, MinFailures: c.Trend.MinFailures}
}
