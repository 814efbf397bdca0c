package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"crguard/internal/workflow"
)

// workflowTasks are the commands a workflow step may invoke.
var workflowTasks = []string{
	"validate", "remediate", "compare", "problem-devices", "readiness",
	"wake-devices", "update-inventory", "mdm-failures",
}

// taskRegistry runs each task as an in-process crguard command line. The
// global --config and --debug flags carry over; args become flags.
func (a *app) taskRegistry() workflow.Registry {
	reg := workflow.Registry{}
	for _, name := range workflowTasks {
		reg[name] = func(ctx context.Context, args map[string]any) error {
			argv := []string{name}
			if a.configPath != "" {
				argv = append(argv, "--config", a.configPath)
			}
			if a.debug {
				argv = append(argv, "--debug")
			}
			argv = append(argv, workflow.Flags(args)...)
			log.Printf("[INFO] Running crguard %v", argv)
			if code := run(ctx, argv); code != exitOK {
				return fmt.Errorf("crguard %s exited with code %d", name, code)
			}
			return nil
		}
	}
	return reg
}

func newWorkflowCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run CR workflows defined in YAML",
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "workflow YAML file")

	var (
		phase  string
		dryRun bool
	)
	runCmd := &cobra.Command{
		Use:   "run NAME",
		Short: "Run a workflow, all phases or one",
		Long: `Run the pre_cr, during_cr and post_cr phases of a workflow in order.
A failed task stops the workflow unless it sets on_failure: continue.

Exits 0 when every task succeeded, 1 when some failed and 2 when most failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadWorkflows(file)
			if err != nil {
				return err
			}
			runner := &workflow.Runner{Tasks: a.taskRegistry(), DryRun: dryRun}
			res, err := runner.Run(cmd.Context(), f, args[0], phase)
			if err != nil {
				return err
			}
			if err := a.emit(res); err != nil {
				return err
			}
			return exitWith(res.ExitCode())
		},
	}
	runCmd.Flags().StringVar(&phase, "phase", "", "run only this phase (pre_cr, during_cr or post_cr)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the tasks without running them")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a workflow file for unknown tasks and phases",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			f, err := loadWorkflows(file)
			if err != nil {
				return err
			}
			if err := f.Validate(a.taskRegistry()); err != nil {
				log.Printf("[ERROR] %v", err)
				return exitWith(1)
			}
			log.Printf("[INFO] %s is valid: %d workflows (%v)", file, len(f.Workflows), f.Names())
			return nil
		},
	}

	cmd.AddCommand(runCmd, validateCmd)
	return cmd
}

func loadWorkflows(path string) (*workflow.File, error) {
	if path == "" {
		return nil, errors.New("--file is required")
	}
	return workflow.Load(path)
}
