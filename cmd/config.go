package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the loomd configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented default config file",
	Long: `Write the default configuration to the given path, or to
~/.config/loom/loom.yaml when no path is given. Every setting is listed
with its default so the file doubles as reference documentation.
Existing files are never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the config and report the first problem",
	Long: `Resolve the configuration exactly as serve would: the file from
--config or the search path, LOOM_* environment variables on top. Exits
non-zero with the offending key when the result does not validate.`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, ".config", "loom", "loom.yaml")
	}

	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config ok: store %s, coordinator %s, listen %s\n",
		cfg.Store.Path, cfg.Coordinator.Backend, cfg.Server.ListenAddr)
	return nil
}
