package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"crguard/internal/cache"
	"crguard/internal/config"
	"crguard/internal/crguard"
	"crguard/internal/gitstore"
	"crguard/internal/jamf"
	"crguard/internal/metrics"
	"crguard/internal/notify"
	"crguard/internal/remediate"
	"crguard/internal/validate"
)

const outputFilePerm = 0o600

// app holds state shared by the commands of one invocation.
type app struct {
	out        io.Writer
	cfg        *config.Config
	metrics    *metrics.Run
	stores     []*gitstore.Store
	configPath string
	output     string
	debug      bool
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{metrics: metrics.New()}
	root := &cobra.Command{
		Use:   "crguard",
		Short: "Validate, remediate and trend Jamf change requests",
		Long: `crguard checks whether a change request (CR) rolled out across a Jamf
managed fleet: policy executions inside the CR window, OS and application
patch levels and configuration profiles. It retries failing devices with
bounded backoff and finds devices that fail CR after CR.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			crguard.SetDebug(a.debug)
			config.LoadEnv()
			a.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "", "write the JSON result to this file instead of stdout")

	root.AddCommand(
		newValidateCmd(a),
		newRemediateCmd(a),
		newCompareCmd(a),
		newProblemDevicesCmd(a),
		newReadinessCmd(a),
		newWakeDevicesCmd(a),
		newUpdateInventoryCmd(a),
		newRestartDevicesCmd(a),
		newMDMFailuresCmd(a),
		newWorkflowCmd(a),
	)
	return root, a
}

// config loads the configuration once. Without an explicit --config, a
// missing default file yields the built-in defaults.
func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	path := config.Path(a.configPath)
	if _, err := os.Stat(path); os.IsNotExist(err) && a.configPath == "" && os.Getenv(config.EnvPath) == "" {
		log.Printf("[INFO] No config file at %s, using defaults", path)
		cfg, err := config.Parse(nil)
		if err != nil {
			return nil, err
		}
		a.cfg = cfg
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	crguard.Debugf("Loaded config from %s", path)
	a.cfg = cfg
	return cfg, nil
}

func (a *app) jamfClient(cfg *config.Config) (*jamf.Client, error) {
	jc := cfg.JamfConfig(cache.New(cache.DefaultTTL))
	jc.OnResponse = a.metrics.ObserveResponse
	client, err := jamf.New(jc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jamf client: %w", err)
	}
	return client, nil
}

// store opens the history repository, or returns nil when none is configured.
// The store is closed when the invocation ends.
func (a *app) store(ctx context.Context, cfg *config.Config) (*gitstore.Store, error) {
	if cfg.History.Repository == "" {
		return nil, nil //nolint:nilnil // history is optional
	}
	s, err := gitstore.New(ctx, cfg.History.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to open history repository: %w", err)
	}
	a.stores = append(a.stores, s)
	return s, nil
}

func (a *app) closeStores() {
	for _, s := range a.stores {
		if err := s.Close(); err != nil {
			log.Printf("[WARN] %v", err)
		}
	}
	a.stores = nil
}

// notifiers builds every configured channel. Channels that cannot connect
// are skipped with a warning.
func (*app) notifiers(cfg *config.Config) notify.Multi {
	var m notify.Multi
	if cfg.Notify.TeamsWebhook != "" {
		m = append(m, notify.NewTeams(cfg.Notify.TeamsWebhook))
	}
	if k := cfg.Notify.Kafka; len(k.Brokers) > 0 {
		m = append(m, notify.NewKafka(k.Brokers, k.Topic))
	}
	if q := cfg.Notify.MQTT; q.Broker != "" {
		client, err := notify.NewMQTT(q.Broker, q.ClientID, q.Topic)
		if err != nil {
			log.Printf("[WARN] MQTT notifications disabled: %v", err)
		} else {
			m = append(m, client)
		}
	}
	return m
}

func (a *app) notify(ctx context.Context, cfg *config.Config, s crguard.CRSummary) {
	m := a.notifiers(cfg)
	if len(m) == 0 {
		log.Printf("[WARN] --notify set but no notification channels are configured")
		return
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Printf("[WARN] Failed to close notifiers: %v", err)
		}
	}()
	if err := m.Notify(ctx, s); err != nil {
		log.Printf("[WARN] Some notifications failed: %v (continuing)", err)
	}
}

// remediation runs the retry engine over items. Past attempts from the
// history store make reruns idempotent, and new attempts are appended to it.
func (a *app) remediation(ctx context.Context, cfg *config.Config, client *jamf.Client,
	store *gitstore.Store, crName string, items []remediate.Item, dryRun bool,
) ([]remediate.Result, error) {
	if len(items) == 0 {
		log.Printf("[INFO] Nothing to remediate for CR %s", crName)
		return nil, nil
	}
	checker := &validate.Rechecker{Source: validate.JamfSource{Client: client}, Since: time.Now()}
	engine := remediate.New(cfg.RemediationConfig(dryRun), client, checker, nil)
	engine.OnAttempt = a.metrics.ObserveAttempt

	if store != nil {
		history, err := store.LoadRemediation(ctx, crName)
		if err != nil {
			log.Printf("[WARN] Failed to load remediation history: %v (continuing)", err)
		} else {
			engine.Restore(history)
		}
	}

	results, err := engine.RemediateAll(ctx, items)
	if store != nil && !dryRun {
		if appendErr := store.AppendRemediation(ctx, crName, remediate.Attempts(results)); appendErr != nil {
			log.Printf("[WARN] Failed to record remediation history: %v", appendErr)
		}
	}
	if err != nil {
		return results, fmt.Errorf("remediation aborted: %w", err)
	}
	return results, nil
}

// emit writes v as indented JSON to --output or stdout.
func (a *app) emit(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	data = append(data, '\n')
	if a.output == "" {
		_, err := a.out.Write(data)
		return err
	}
	if err := os.WriteFile(a.output, data, outputFilePerm); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	log.Printf("[INFO] Wrote %s", a.output)
	return nil
}

func (a *app) writeMetrics() {
	if a.cfg == nil || a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := a.metrics.Write(a.cfg.Metrics.Textfile); err != nil {
		log.Printf("[WARN] %v", err)
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %w", crguard.ErrData, path, err)
	}
	return nil
}
