// Package cmd wires the loomd command line. The root command carries
// the shared --config flag and version plumbing; subcommands load the
// config themselves so `config init` can run before a file exists.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "loomd",
	Short: "Control plane for a fleet of coding-agent workers",
	Long: `loomd runs the loom control plane. It accepts task submissions over a
REST API, decomposes them into subtasks, schedules the subtasks onto
registered workers over websocket channels, and checkpoints progress so
a human can approve, correct or roll back mid-flight.

All durable state lives in a local SQLite file. Worker coordination runs
through Redis, or through an embedded in-memory backend when a single
process is the whole deployment.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: loom.yaml in ., ~/.config/loom, /etc/loom)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
