package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/faultd"
	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

func newPlanCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage fault plan files",
	}
	cmd.AddCommand(newPlanValidateCommand(svcfields.WithSubsystem(baseLogger, "cli.plan")))
	cmd.AddCommand(newPlanGenCommand())
	return cmd
}

func newPlanValidateCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a fault plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path, err := expandPath(args[0])
			if err != nil {
				return err
			}
			plan, err := faultd.LoadSchedule(path)
			if err != nil {
				return err
			}
			for i, step := range plan.Steps {
				fmt.Fprintf(cmd.OutOrStdout(), "step %d: after %s set delay %s\n", i, step.After, step.Delay)
			}
			logger.Info("fault plan valid", "path", path, "steps", len(plan.Steps))
			return nil
		},
	}
}

func newPlanGenCommand() *cobra.Command {
	var outPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate the reference retry fault plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(referencePlanYAML)
			if outPath == "" {
				fmt.Fprint(cmd.OutOrStdout(), referencePlanYAML)
				return nil
			}
			expanded, err := expandPath(outPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
				return fmt.Errorf("create plan dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(expanded); err == nil {
					return fmt.Errorf("plan file %s already exists (use --force to overwrite)", expanded)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat plan file: %w", err)
				}
			}
			if err := os.WriteFile(expanded, data, 0o644); err != nil {
				return fmt.Errorf("write plan file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote fault plan to %s\n", expanded)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "output path for the generated plan (defaults to stdout)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	return cmd
}

// referencePlanYAML injects a 3s forwarding delay as soon as a connection is
// admitted and clears it 11.9s later, which lands between a client's second
// and third retry when attempts time out after 1s and back off for 5s.
const referencePlanYAML = `steps:
  - after: 0s
    delay: 3s
  - after: 11.9s
    delay: 0s
`
