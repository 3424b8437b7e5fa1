package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending store migrations and exit",
	Long: `Open the configured store, apply any pending schema migrations and
exit. serve migrates on startup too; migrate exists for rolling out a
schema ahead of a deploy and for checking that a database file opens.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cmd.Context(), cfg.Store.Path)
	if err != nil {
		return err
	}
	if err := st.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "store %s is up to date\n", cfg.Store.Path)
	return nil
}
