// Package cmd wires the cobra command tree for the listingwatch binary.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listingwatch",
		Short: "A change-detection engine for remote listing surfaces.",
		Long: `listingwatch polls marketplace listing indexes on adaptive schedules,
diffs each snapshot against its canonical state, and delivers the resulting
change events to webhook, websocket, and email subscribers with
at-least-once semantics.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./listingwatch.yaml)")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
