package main

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"crguard/internal/config"
	"crguard/internal/crguard"
	"crguard/internal/trend"
)

// Problem device counts above these exit 1 and 2.
const (
	problemWarnCount     = 10
	problemCriticalCount = 50
)

func problemExitCode(n int) int {
	switch {
	case n > problemCriticalCount:
		return 2
	case n > problemWarnCount:
		return 1
	default:
		return exitOK
	}
}

func newCompareCmd(a *app) *cobra.Command {
	var current, previous string
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare two CR summaries",
		Long: `Compare the headline metrics of two CR summaries and flag each as
improving, degrading or stable. Without --current and --previous, the two
most recent summaries in the history repository are compared.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			var cur, prev crguard.CRSummary
			switch {
			case current != "" && previous != "":
				if err := readJSON(current, &cur); err != nil {
					return err
				}
				if err := readJSON(previous, &prev); err != nil {
					return err
				}
			case current == "" && previous == "":
				summaries, err := a.history(cmd, cfg)
				if err != nil {
					return err
				}
				if len(summaries) < 2 {
					return fmt.Errorf("history holds %d summaries, need 2 to compare", len(summaries))
				}
				cur, prev = summaries[len(summaries)-1], summaries[len(summaries)-2]
			default:
				return errors.New("--current and --previous must be given together")
			}

			c := trend.Compare(cur, prev, cfg.Thresholds())
			for _, m := range c.Metrics {
				log.Printf("[INFO] %s: %.2f -> %.2f (%+.2f, %s)", m.Name, m.Previous, m.Current, m.Delta, m.Direction)
			}
			return a.emit(c)
		},
	}
	cmd.Flags().StringVar(&current, "current", "", "current CR summary JSON")
	cmd.Flags().StringVar(&previous, "previous", "", "previous CR summary JSON")
	return cmd
}

// problemReport is the output of the problem-devices command.
type problemReport struct {
	GeneratedAt time.Time                     `json:"generated_at"`
	Devices     []crguard.ProblemDeviceRecord `json:"devices"`
	Summaries   int                           `json:"summaries"`
	MinFailures int                           `json:"min_failures"`
	Lookback    time.Duration                 `json:"lookback"`
}

func newProblemDevicesCmd(a *app) *cobra.Command {
	var (
		files       []string
		fromHistory bool
		minFailures int
		lookback    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "problem-devices",
		Short: "Find devices that fail across several CRs",
		Long: `Accumulate per-device failures (failed policies, outdated patches,
offline) across CR summaries inside the lookback window and list devices
that failed at least --min-failures times.

Exits 0 for up to 10 devices, 1 above 10 and 2 above 50.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if len(files) == 0 && !fromHistory {
				return errors.New("either --summaries or --history is required")
			}

			var summaries []crguard.CRSummary
			for _, f := range files {
				var s crguard.CRSummary
				if err := readJSON(f, &s); err != nil {
					return err
				}
				summaries = append(summaries, s)
			}
			if fromHistory {
				stored, err := a.history(cmd, cfg)
				if err != nil {
					return err
				}
				summaries = append(summaries, stored...)
			}

			opts := problemOptions(cfg, time.Now(), minFailures, lookback)
			devices := trend.ProblemDevices(summaries, opts)
			log.Printf("[INFO] %d problem devices across %d summaries (min failures %d, lookback %v)",
				len(devices), len(summaries), opts.MinFailures, opts.Lookback)
			for _, d := range devices {
				log.Printf("[INFO] %s (%s): %d failures, %s", d.DeviceID, d.Name, d.FailureCount, d.Recommendation)
			}

			if err := a.emit(problemReport{
				GeneratedAt: opts.Now.UTC(),
				Devices:     devices,
				Summaries:   len(summaries),
				MinFailures: opts.MinFailures,
				Lookback:    opts.Lookback,
			}); err != nil {
				return err
			}
			return exitWith(problemExitCode(len(devices)))
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&files, "summaries", nil, "CR summary JSON files")
	f.BoolVar(&fromHistory, "history", false, "read summaries from the history repository")
	f.IntVar(&minFailures, "min-failures", 0, "failures needed to flag a device (overrides trend.min_failures)")
	f.DurationVar(&lookback, "lookback", 0, "only count CRs generated within this window (overrides trend.lookback)")
	return cmd
}

func problemOptions(cfg *config.Config, now time.Time, minFailures int, lookback time.Duration) trend.Options {
	opts := cfg.ProblemOptions(now)
	if minFailures > 0 {
		opts.MinFailures = minFailures
	}
	if lookback > 0 {
		opts.Lookback = lookback
	}
	return opts
}

func (a *app) history(cmd *cobra.Command, cfg *config.Config) ([]crguard.CRSummary, error) {
	store, err := a.store(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: history.repository is not configured", crguard.ErrConfig)
	}
	return store.ListSummaries(cmd.Context())
}
