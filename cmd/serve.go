package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/controlplane"
	"github.com/loomctl/loom/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane daemon",
	Long: `Run the control plane daemon. It serves the REST API and the worker
websocket channels, and drives the scheduler, the heartbeat reaper, the
checkpoint escalator and the mirror reconciler until SIGINT or SIGTERM.

Example:
  loomd serve                         # loom.yaml from the search path
  loomd serve -c /etc/loom/loom.yaml  # explicit config file
  loomd serve --listen :9000          # override the listen address`,
	RunE: runServe,
}

var listenAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	logger := log.New(cfg.Log, os.Stderr)
	logger.Info("loomd starting", "version", version)

	ctx := cmd.Context()
	rt, err := controlplane.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Error("shutdown cleanup failed", "error", cerr)
		}
	}()

	// Run blocks until a signal arrives or the server dies.
	return rt.Run(ctx)
}
