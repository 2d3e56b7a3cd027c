package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinemde/tau/orchestrator"
)

func newRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect orchestrator route tables",
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Load and validate a route table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadRouteFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range table.Warnings() {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			fmt.Fprintf(out, "route table %s is valid (%d roles, %d categories)\n",
				args[0], len(table.Roles), len(table.DelegatedCategories))
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <file>",
		Short: "Print the normalized route table as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadRouteFile(args[0])
			if err != nil {
				return err
			}
			for _, w := range table.Warnings() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			data, err := json.MarshalIndent(table, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.AddCommand(validate, show)
	return cmd
}

// loadRouteFile is LoadRouteTable without the missing-file default.
func loadRouteFile(path string) (*orchestrator.RouteTable, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}
	return orchestrator.LoadRouteTable(path)
}
