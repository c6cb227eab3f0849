package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <session-id> <lock-token>",
	Short: "Delete a session record if the lock token still matches",
	Long: `Deletes the record only when its lock token equals the one given, the
same guard a request holding the lock uses. A stale token removes nothing.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid lock token %q: %w", args[1], err)
		}

		e, err := setup(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.provider.Remove(cmd.Context(), e.provider.Key(args[0]), token); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "remove issued for %q at token %d\n", args[0], token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
