// Package commands is leasecoordd's cobra command tree, grounded on
// github.com/marmos91/dittofs's cmd/dfs/commands (thin main.go,
// package-level root command, persistent flags bound by each
// subcommand's RunE rather than globally via viper.BindPFlag).
package commands

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "leasecoordd",
	Short: "Primary-lease coordinator daemon",
	Long: `leasecoordd runs a multi-client primary-lease coordinator as a
standalone process: one process per "client", coordinating through a
shared transactional store the way several browser tabs would
coordinate through IndexedDB.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML config file (optional; env vars and defaults still apply)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
