package main

import (
	"errors"
	"log"

	"github.com/spf13/cobra"

	"crguard/internal/crguard"
	"crguard/internal/gitstore"
	"crguard/internal/remediate"
	"crguard/internal/validate"
)

// remediationReport is the output of the remediate command.
type remediationReport struct {
	CR      string             `json:"cr"`
	Results []remediate.Result `json:"results"`
	Stats   remediate.Stats    `json:"stats"`
	DryRun  bool               `json:"dry_run,omitempty"`
}

// remediationExitCode is 0 when every item succeeded, 2 when none did and
// 1 otherwise. Dry runs always exit 0.
func remediationExitCode(stats remediate.Stats, dryRun bool) int {
	switch {
	case dryRun || stats.Exhausted == 0:
		return exitOK
	case stats.Successful+stats.Skipped == 0:
		return 2
	default:
		return 1
	}
}

func newRemediateCmd(a *app) *cobra.Command {
	var (
		summaryPath string
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "remediate",
		Short: "Retry failed policies and missing profiles from a CR summary",
		Long: `Flush and retrigger every failed policy and reinstall every missing
profile listed in a CR summary, re-checking after each attempt with
exponential backoff until the item succeeds or retries are exhausted.

Exits 0 when every item succeeded, 1 when some were exhausted and 2 when
none succeeded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if summaryPath == "" {
				return errors.New("--summary is required")
			}
			var s crguard.CRSummary
			if err := readJSON(summaryPath, &s); err != nil {
				return err
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := a.jamfClient(cfg)
			if err != nil {
				return err
			}
			var store *gitstore.Store
			if store, err = a.store(ctx, cfg); err != nil {
				log.Printf("[WARN] %v (continuing without history)", err)
				store = nil
			}

			items := validate.FailingItems(s)
			log.Printf("[INFO] CR %s: %d items to remediate (dry run: %t)", s.Name, len(items), dryRun)
			results, err := a.remediation(ctx, cfg, client, store, s.Name, items, dryRun)
			if err != nil {
				return err
			}

			report := remediationReport{CR: s.Name, Results: results, Stats: remediate.Summarize(results), DryRun: dryRun}
			if err := a.emit(report); err != nil {
				return err
			}
			return exitWith(remediationExitCode(report.Stats, dryRun))
		},
	}
	cmd.Flags().StringVar(&summaryPath, "summary", "", "CR summary JSON written by validate")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the planned actions without sending commands")
	return cmd
}
