package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"crguard/internal/crguard"
	"crguard/internal/inventory"
	"crguard/internal/jamf"
	"crguard/internal/validate"
)

// exitUsage reports a device command invoked without anything to act on.
const exitUsage = 2

// targets selects devices by id or by computer group.
type targets struct {
	ids          []string
	scopeGroupID string
}

func (t *targets) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&t.ids, "computer-id", nil, "computer id to target (repeatable or comma separated)")
	cmd.Flags().StringVar(&t.scopeGroupID, "scope-group-id", "", "target every member of this computer group")
}

// resolve returns the targeted devices. Explicit ids win over a group and
// are used as given, without an inventory lookup. With neither, the whole
// fleet is returned when fleet is true.
func (t *targets) resolve(ctx context.Context, src validate.JamfSource, fleet bool) ([]crguard.DeviceRef, error) {
	var refs []crguard.DeviceRef
	seen := map[string]bool{}
	for _, id := range t.ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		refs = append(refs, crguard.DeviceRef{ID: id})
	}
	if len(refs) > 0 {
		return refs, nil
	}
	if t.scopeGroupID == "" && !fleet {
		return nil, nil
	}
	devices, err := src.Devices(ctx, t.scopeGroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices in scope: %w", err)
	}
	refs = make([]crguard.DeviceRef, len(devices))
	for i, d := range devices {
		refs[i] = d.Ref()
	}
	return refs, nil
}

// deviceCommand builds a command that sends one MDM command to the targeted
// devices.
func deviceCommand(a *app, use, short, long, command string, confirmRequired bool,
	send func(c *jamf.Client) func(ctx context.Context, deviceID string) error,
) *cobra.Command {
	var (
		t       targets
		dryRun  bool
		confirm bool
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if confirmRequired && !dryRun && !confirm {
				log.Printf("[ERROR] %s is disruptive: pass --confirm, or --dry-run to preview", use)
				return exitWith(exitUsage)
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			client, err := a.jamfClient(cfg)
			if err != nil {
				return err
			}
			devices, err := t.resolve(cmd.Context(), validate.JamfSource{Client: client}, false)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				log.Printf("[ERROR] No devices to target: pass --computer-id or a non-empty --scope-group-id")
				return exitWith(exitUsage)
			}
			report, err := validate.SendCommand(cmd.Context(), command, devices, send(client), cfg.Jamf.MaxWorkers, dryRun)
			if err != nil {
				return err
			}
			if err := a.emit(report); err != nil {
				return err
			}
			return exitWith(report.ExitCode())
		},
	}
	t.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the devices without sending anything")
	if confirmRequired {
		cmd.Flags().BoolVar(&confirm, "confirm", false, "acknowledge that devices restart immediately")
	}
	return cmd
}

const deviceCommandExits = `

Exits 0 when every device accepted the command, 1 when some did not and 2
when no devices were given.`

func newWakeDevicesCmd(a *app) *cobra.Command {
	return deviceCommand(a, "wake-devices", "Send a blank push so devices check in",
		"Send a blank push to each device so it checks in and picks up pending work."+deviceCommandExits,
		"BlankPush", false,
		func(c *jamf.Client) func(context.Context, string) error { return c.Wake })
}

func newUpdateInventoryCmd(a *app) *cobra.Command {
	return deviceCommand(a, "update-inventory", "Ask devices to submit fresh inventory",
		"Queue an inventory update on each device so patch levels are current before validation."+deviceCommandExits,
		"UpdateInventory", false,
		func(c *jamf.Client) func(context.Context, string) error { return c.UpdateInventory })
}

func newRestartDevicesCmd(a *app) *cobra.Command {
	return deviceCommand(a, "restart-devices", "Restart devices immediately",
		"Restart each device immediately. Unsaved work is lost, so --confirm is required\nunless --dry-run is set."+deviceCommandExits,
		"RestartDevice", true,
		func(c *jamf.Client) func(context.Context, string) error { return c.RestartDevice })
}

// parseSince accepts a lookback such as 72h or an absolute date or time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("%w: --since %s must be positive", crguard.ErrConfig, s)
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := inventory.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: --since %q is neither a duration nor a date", crguard.ErrConfig, s)
	}
	return t, nil
}

func newMDMFailuresCmd(a *app) *cobra.Command {
	var (
		t        targets
		since    string
		commands []string
	)
	cmd := &cobra.Command{
		Use:   "mdm-failures",
		Short: "Report failed MDM commands",
		Long: `Collect failed MDM commands from each device's command history and group
them by command and by device. Without --computer-id or --scope-group-id
the whole fleet is scanned.

Always exits 0 unless the report cannot be produced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			client, err := a.jamfClient(cfg)
			if err != nil {
				return err
			}
			src := validate.JamfSource{Client: client}
			devices, err := t.resolve(cmd.Context(), src, true)
			if err != nil {
				return err
			}
			report, err := validate.MDMFailures(cmd.Context(), src, devices, validate.MDMFailureFilter{
				Since:    from,
				Commands: commands,
				Workers:  cfg.Jamf.MaxWorkers,
			})
			if err != nil {
				return err
			}
			for name, n := range report.ByCommand {
				log.Printf("[INFO] %s failed %d times", name, n)
			}
			for _, w := range report.Warnings {
				log.Printf("[WARN] Could not read command history for %s", w)
			}
			return a.emit(report)
		},
	}
	t.register(cmd)
	cmd.Flags().StringVar(&since, "since", "", "only failures after this lookback (72h) or date (2024-11-18)")
	cmd.Flags().StringSliceVar(&commands, "command", nil, "only these command names (repeatable)")
	return cmd
}
