package main

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"crguard/internal/config"
	"crguard/internal/crguard"
	"crguard/internal/gitstore"
	"crguard/internal/remediate"
	"crguard/internal/validate"
)

type validateOptions struct {
	name         string
	start        string
	end          string
	scopeGroupID string
	policies     []string
	profiles     []string
	threshold    float64
	remediate    bool
	saveHistory  bool
	notify       bool
}

// apply overlays flags on the configured CR.
func (o *validateOptions) apply(cmd *cobra.Command, cr *config.CR) {
	if o.name != "" {
		cr.Name = o.name
	}
	if o.start != "" {
		cr.Start = o.start
	}
	if o.end != "" {
		cr.End = o.end
	}
	if o.scopeGroupID != "" {
		cr.ScopeGroupID = o.scopeGroupID
	}
	if cmd.Flags().Changed("policies") {
		cr.Policies = o.policies
	}
	if cmd.Flags().Changed("profiles") {
		cr.Profiles = o.profiles
	}
	if cmd.Flags().Changed("threshold") {
		threshold := o.threshold
		cr.SuccessThreshold = &threshold
	}
}

func newValidateCmd(a *app) *cobra.Command {
	o := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a CR and write its summary",
		Long: `Classify policy executions inside the CR window, evaluate every patch
target and configuration profile, and aggregate a pass/fail verdict.

Exits 0 when the CR met its success threshold, 1 when it did not.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			o.apply(cmd, &cfg.CR)
			if err := cfg.Validate(); err != nil {
				return err
			}
			window, err := cfg.CR.Window()
			if err != nil {
				return err
			}
			if cfg.CR.Name == "" {
				cfg.CR.Name = "CR-" + window.Start.Format("2006-01-02")
			}

			ctx := cmd.Context()
			client, err := a.jamfClient(cfg)
			if err != nil {
				return err
			}
			s, err := validate.Run(ctx, validate.JamfSource{Client: client}, validate.Plan{
				Window:       window,
				Name:         cfg.CR.Name,
				ScopeGroupID: cfg.CR.ScopeGroupID,
				Policies:     cfg.CR.Policies,
				Profiles:     cfg.CR.Profiles,
				Targets:      cfg.CR.Targets,
				Threshold:    cfg.CR.Threshold(),
				Workers:      cfg.Jamf.MaxWorkers,
			})
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			var store *gitstore.Store
			if o.saveHistory || o.remediate {
				if store, err = a.store(ctx, cfg); err != nil {
					log.Printf("[WARN] %v (continuing without history)", err)
					store = nil
				}
			}

			if o.remediate {
				results, err := a.remediation(ctx, cfg, client, store, s.Name, validate.FailingItems(s), false)
				if err != nil {
					return err
				}
				s.Remediation = remediate.Attempts(results)
			}

			a.metrics.ObserveSummary(s)
			logSummary(s)
			if err := a.emit(s); err != nil {
				return err
			}

			if o.saveHistory {
				if store == nil {
					log.Printf("[WARN] --save-history set but history.repository is not configured")
				} else if path, err := store.SaveSummary(ctx, s); err != nil {
					log.Printf("[WARN] Failed to save summary to history: %v", err)
				} else {
					log.Printf("[INFO] Summary recorded in history at %s", path)
				}
			}
			if o.notify {
				a.notify(ctx, cfg, s)
			}

			if s.Successful {
				return exitWith(exitOK)
			}
			return exitWith(1)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.name, "name", "", "CR name (overrides cr.name)")
	f.StringVar(&o.start, "start", "", "window start (overrides cr.start)")
	f.StringVar(&o.end, "end", "", "window end (overrides cr.end)")
	f.StringVar(&o.scopeGroupID, "scope-group-id", "", "computer group in scope (overrides cr.scope_group_id)")
	f.StringSliceVar(&o.policies, "policies", nil, "policy IDs to check (overrides cr.policies)")
	f.StringSliceVar(&o.profiles, "profiles", nil, "configuration profile IDs to check (overrides cr.profiles)")
	f.Float64Var(&o.threshold, "threshold", 0, "success threshold fraction (overrides cr.success_threshold)")
	f.BoolVar(&o.remediate, "remediate", false, "remediate failing devices before writing the summary")
	f.BoolVar(&o.saveHistory, "save-history", false, "record the summary in the history repository")
	f.BoolVar(&o.notify, "notify", false, "send the summary to the configured notification channels")
	return cmd
}

func logSummary(s crguard.CRSummary) {
	verdict := "FAILED"
	if s.Successful {
		verdict = "SUCCESSFUL"
	}
	log.Printf("[INFO] CR %s %s: %.2f%% compliant (threshold %.0f%%), policies %.2f%%, %d devices in scope, generated %s",
		s.Name, verdict, s.OverallCompliance, s.Threshold*100, s.PolicySuccessRate, s.ScopeSize,
		s.GeneratedAt.Format(time.RFC3339))
	for _, issue := range s.Issues {
		log.Printf("[WARN] %s", issue)
	}
	for _, step := range s.NextSteps {
		log.Printf("[INFO] Next: %s", step)
	}
}
