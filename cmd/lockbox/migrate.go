package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the sessions table and expiry index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer e.close()

		migrated, err := e.backend.Migrate(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !migrated {
			fmt.Fprintf(out, "%s backend has no schema, nothing to do\n", e.cfg.Backend)
			return nil
		}
		fmt.Fprintln(out, "schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
