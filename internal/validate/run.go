package validate

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"crguard/internal/analyzer"
	"crguard/internal/classifier"
	"crguard/internal/crguard"
	"crguard/internal/inventory"
	"crguard/internal/summary"
)

// Version acquisition strategies recorded on compliance results.
const (
	StrategyInventory   = "inventory"
	StrategyPatchReport = "patch-report"
	StrategyAppDetail   = "application-inventory"
)

const defaultWorkers = 10

// Plan describes one CR validation.
type Plan struct {
	Now          time.Time // Defaults to time.Now
	Window       crguard.CRWindow
	Name         string
	ScopeGroupID string
	Policies     []string
	Profiles     []string
	Targets      []crguard.PatchTarget
	Threshold    float64
	Workers      int // Parallel per-device fetches
}

type run struct {
	src     Source
	details []crguard.Device // Devices with application inventory, loaded once
	failed  []crguard.Exclusion
	devices []crguard.Device
	plan    Plan
	loaded  bool
}

// Run validates a CR. Rejected credentials and configuration errors abort the
// run; every other per-device or per-target failure is recorded in the
// summary and the run continues.
func Run(ctx context.Context, src Source, plan Plan) (crguard.CRSummary, error) {
	start := time.Now()
	if err := plan.Window.Validate(); err != nil {
		return crguard.CRSummary{}, err
	}
	if plan.Workers <= 0 {
		plan.Workers = defaultWorkers
	}

	devices, err := src.Devices(ctx, plan.ScopeGroupID)
	if err != nil {
		return crguard.CRSummary{}, fmt.Errorf("failed to load devices in scope: %w", err)
	}
	log.Printf("[INFO] Validating CR %q: %d devices, %d policies, %d targets, %d profiles",
		plan.Name, len(devices), len(plan.Policies), len(plan.Targets), len(plan.Profiles))

	r := &run{src: src, plan: plan, devices: devices}
	in := summary.Input{
		Now:       plan.Now,
		Window:    plan.Window,
		Name:      plan.Name,
		Devices:   devices,
		Threshold: plan.Threshold,
	}
	if err := r.policies(ctx, &in); err != nil {
		return crguard.CRSummary{}, err
	}
	if err := r.targets(ctx, &in); err != nil {
		return crguard.CRSummary{}, err
	}
	if err := r.profiles(ctx, &in); err != nil {
		return crguard.CRSummary{}, err
	}

	s := summary.Aggregate(in)
	log.Printf("[INFO] CR %q validated in %v: %.2f%% compliant, policies %.2f%%, successful=%t",
		plan.Name, time.Since(start), s.OverallCompliance, s.PolicySuccessRate, s.Successful)
	return s, nil
}

// forEachDevice calls fn for every device with bounded concurrency. Fatal
// errors stop the fan-out and are returned; other errors are collected per
// device index.
func forEachDevice(ctx context.Context, workers int, devices []crguard.Device,
	fn func(ctx context.Context, i int, d crguard.Device) error,
) ([]error, error) {
	errs := make([]error, len(devices))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, d := range devices {
		g.Go(func() error {
			err := fn(gCtx, i, d)
			if crguard.IsFatal(err) {
				return err
			}
			errs[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errs, err
	}
	return errs, ctx.Err()
}

func (r *run) policies(ctx context.Context, in *summary.Input) error {
	if len(r.plan.Policies) == 0 {
		return nil
	}
	start := time.Now()
	history := make(map[string][]crguard.PolicyExecutionRecord, len(r.devices))
	var mu sync.Mutex
	errs, err := forEachDevice(ctx, r.plan.Workers, r.devices, func(ctx context.Context, _ int, d crguard.Device) error {
		records, err := r.src.PolicyHistory(ctx, d.ID)
		if err != nil {
			return err
		}
		mu.Lock()
		history[d.ID] = records
		mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to fetch policy history: %w", err)
	}

	reachable := make([]crguard.Device, 0, len(r.devices))
	failures := 0
	for i, d := range r.devices {
		if errs[i] != nil {
			failures++
			in.Excluded = append(in.Excluded, crguard.Exclusion{
				Device: d.Ref(),
				Reason: crguard.ExcludedFetchFailure,
				Detail: errs[i].Error(),
			})
			continue
		}
		reachable = append(reachable, d)
	}
	if failures > 0 {
		in.Warnings = append(in.Warnings, fmt.Sprintf("Policy history unavailable for %d devices", failures))
		log.Printf("[WARN] Policy history unavailable for %d devices (continuing)", failures)
	}

	for _, id := range r.plan.Policies {
		name, err := r.src.PolicyName(ctx, id)
		if err != nil {
			if crguard.IsFatal(err) {
				return err
			}
			log.Printf("[WARN] Could not resolve name of policy %s: %v (continuing)", id, err)
		}
		in.Policies = append(in.Policies, summary.PolicyInput{
			ID:              id,
			Name:            name,
			Classifications: classifier.ClassifyAll(reachable, id, history, r.plan.Window),
		})
	}
	log.Printf("[INFO] Classified %d policies across %d devices in %v", len(r.plan.Policies), len(reachable), time.Since(start))
	return nil
}

func (r *run) targets(ctx context.Context, in *summary.Input) error {
	for _, target := range r.plan.Targets {
		res, err := r.evaluate(ctx, target)
		if err != nil {
			if crguard.IsFatal(err) {
				return err
			}
			log.Printf("[WARN] Target %s could not be evaluated: %v (continuing)", target.Name, err)
			in.TargetErrors = append(in.TargetErrors, crguard.TargetError{Target: target.Name, Error: err.Error()})
			continue
		}
		in.Targets = append(in.Targets, res)
	}
	return nil
}

func (r *run) evaluate(ctx context.Context, target crguard.PatchTarget) (crguard.ComplianceResult, error) {
	if target.MinVersion == "" {
		latest, err := r.src.LatestVersion(ctx, target.PatchTitleID)
		if err != nil {
			return crguard.ComplianceResult{}, fmt.Errorf("failed to resolve latest version: %w", err)
		}
		crguard.Debugf("Target %s: using latest version %s", target.Name, latest)
		target.MinVersion = latest
	}

	devices, strategy := r.devices, StrategyInventory
	var fetchFailures []crguard.Exclusion
	if target.Kind == crguard.KindApplication {
		if target.PatchTitleID != "" {
			versions, err := r.src.PatchVersions(ctx, target.PatchTitleID)
			switch {
			case err == nil:
				devices = inventory.WithApplicationVersions(r.devices, target.Name, versions)
				strategy = StrategyPatchReport
			case crguard.IsFatal(err):
				return crguard.ComplianceResult{}, err
			default:
				log.Printf("[WARN] Patch report for %s unavailable, falling back to device inventory: %v", target.Name, err)
			}
		}
		if strategy != StrategyPatchReport {
			var err error
			if devices, fetchFailures, err = r.detailed(ctx); err != nil {
				return crguard.ComplianceResult{}, err
			}
			strategy = StrategyAppDetail
		}
	}

	res, err := analyzer.Evaluate(target, devices, analyzer.Options{WindowStart: r.plan.Window.Start, Strategy: strategy})
	if err != nil {
		return res, err
	}
	res.Excluded = append(res.Excluded, fetchFailures...)
	return res, nil
}

// detailed loads application inventory for every reachable device, once per
// run. Devices offline for the window keep their list record, since the
// evaluator excludes them anyway.
func (r *run) detailed(ctx context.Context) ([]crguard.Device, []crguard.Exclusion, error) {
	if r.loaded {
		return r.details, r.failed, nil
	}
	start := time.Now()
	out := make([]crguard.Device, len(r.devices))
	errs, err := forEachDevice(ctx, r.plan.Workers, r.devices, func(ctx context.Context, i int, d crguard.Device) error {
		if d.LastContact.Before(r.plan.Window.Start) {
			out[i] = d
			return nil
		}
		full, err := r.src.Device(ctx, d.ID)
		if err != nil {
			return err
		}
		if full.LastContact.IsZero() {
			full.LastContact = d.LastContact
		}
		out[i] = full
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch application inventory: %w", err)
	}

	details := make([]crguard.Device, 0, len(out))
	var failed []crguard.Exclusion
	for i, d := range r.devices {
		if errs[i] != nil {
			failed = append(failed, crguard.Exclusion{Device: d.Ref(), Reason: crguard.ExcludedFetchFailure, Detail: errs[i].Error()})
			continue
		}
		details = append(details, out[i])
	}
	r.details, r.failed, r.loaded = details, failed, true
	log.Printf("[INFO] Loaded application inventory for %d devices in %v (%d failed)", len(details), time.Since(start), len(failed))
	return details, failed, nil
}

func (r *run) profiles(ctx context.Context, in *summary.Input) error {
	if len(r.plan.Profiles) == 0 {
		return nil
	}
	online := make([]crguard.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if !d.LastContact.Before(r.plan.Window.Start) {
			online = append(online, d)
		}
	}

	installed := make([][]string, len(online))
	errs, err := forEachDevice(ctx, r.plan.Workers, online, func(ctx context.Context, i int, d crguard.Device) error {
		ids, err := r.src.InstalledProfiles(ctx, d.ID)
		installed[i] = ids
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to fetch installed profiles: %w", err)
	}

	failures := 0
	for _, e := range errs {
		if e != nil {
			failures++
		}
	}
	if failures > 0 {
		in.Warnings = append(in.Warnings, fmt.Sprintf("Installed profiles unavailable for %d devices", failures))
		log.Printf("[WARN] Installed profiles unavailable for %d devices (continuing)", failures)
	}

	for _, pid := range r.plan.Profiles {
		totals := crguard.ProfileTotals{ProfileID: pid}
		for i, d := range online {
			if errs[i] != nil {
				continue
			}
			totals.Checked++
			if slices.Contains(installed[i], pid) {
				totals.Installed++
				continue
			}
			totals.MissingDevices = append(totals.MissingDevices, d.Ref())
		}
		in.Profiles = append(in.Profiles, totals)
	}
	return nil
}
