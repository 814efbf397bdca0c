package main

import (
	"log"
	"time"

	"github.com/spf13/cobra"

	"crguard/internal/validate"
)

func newReadinessCmd(a *app) *cobra.Command {
	var scopeGroupID string
	cmd := &cobra.Command{
		Use:   "readiness",
		Short: "Check device health before a CR window opens",
		Long: `Screen every device in scope for recent check-in, free disk space,
battery level and queued MDM commands.

Exits 0 when at least 80% of devices are ready, 1 below 80% and 2 below 50%.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if scopeGroupID == "" {
				scopeGroupID = cfg.CR.ScopeGroupID
			}
			client, err := a.jamfClient(cfg)
			if err != nil {
				return err
			}

			r := cfg.Readiness
			report, err := validate.Readiness(cmd.Context(), validate.JamfSource{Client: client}, scopeGroupID,
				validate.ReadinessCriteria{
					MaxCheckin:         time.Duration(r.MaxCheckinHours * float64(time.Hour)),
					MinDiskGB:          r.MinDiskGB,
					MinBattery:         r.MinBattery,
					MaxPendingCommands: r.MaxPendingCommands,
				}, time.Now())
			if err != nil {
				return err
			}
			for category, n := range report.IssueBreakdown {
				log.Printf("[INFO] %d devices not ready: %s", n, category)
			}
			for _, rec := range report.Recommendations {
				log.Printf("[INFO] Recommendation: %s", rec)
			}
			if err := a.emit(report); err != nil {
				return err
			}
			return exitWith(report.ExitCode())
		},
	}
	cmd.Flags().StringVar(&scopeGroupID, "scope-group-id", "", "computer group to check (overrides cr.scope_group_id)")
	return cmd
}
