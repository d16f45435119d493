package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ivan-mezentsev/anti-ephemeral-state/internal/docstate"
)

var deriveKeyCmd = &cobra.Command{
	Use:   "derive-key <path>",
	Short: "Print the storage key for a document path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), docstate.DeriveKey(args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deriveKeyCmd)
}
