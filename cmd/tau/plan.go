package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/martinemde/tau/orchestrator"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with planner output",
	}

	var asJSON bool
	var maxSteps int
	parse := &cobra.Command{
		Use:   "parse",
		Short: "Parse planner output from stdin into numbered steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			steps := orchestrator.ParsePlan(string(raw))
			if len(steps) == 0 {
				return orchestrator.ErrNoPlanSteps
			}
			if maxSteps > 0 && len(steps) > maxSteps {
				return &orchestrator.BudgetError{
					Phase:    orchestrator.PhasePlanner,
					Measured: len(steps),
					Limit:    maxSteps,
					Reason:   orchestrator.ReasonPlanStepCount,
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(steps)
			}
			fmt.Fprintln(out, orchestrator.RenderSteps(steps))
			return nil
		},
	}
	parse.Flags().BoolVar(&asJSON, "json", false, "Print steps as JSON")
	parse.Flags().IntVar(&maxSteps, "max-steps", 0, "Fail when the plan has more steps (0 disables)")

	cmd.AddCommand(parse)
	return cmd
}
