package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/internal/store"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage worker API keys",
	Long: `Issue, list and revoke worker API keys directly against the store,
without going through the REST API. With the redis backend a revocation
reaches running control plane nodes immediately; with the memory backend
a running daemon holds its own cache, so the revocation takes effect
within the key cache TTL.`,
}

var keysIssueCmd = &cobra.Command{
	Use:   "issue <worker-id>",
	Short: "Mint a credential for a registered worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysIssue,
}

var keysListCmd = &cobra.Command{
	Use:   "list <worker-id>",
	Short: "List a worker's keys, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysList,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a key by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

var keysTTL time.Duration

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysIssueCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRevokeCmd)

	keysIssueCmd.Flags().DurationVar(&keysTTL, "ttl", 0,
		"key lifetime (0 means the key never expires)")
}

// openRegistry builds a registry over the configured store and
// coordinator backend for one-shot key operations.
func openRegistry(ctx context.Context) (*registry.Registry, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := log.New(cfg.Log, os.Stderr)

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	var coord coordinator.Coordinator
	switch cfg.Coordinator.Backend {
	case "redis":
		coord = coordinator.NewRedis(coordinator.RedisOptions{
			Addr:     cfg.Coordinator.Redis.Addr,
			Password: cfg.Coordinator.Redis.Password,
			DB:       cfg.Coordinator.Redis.DB,
		})
	default:
		coord = coordinator.NewMemory()
	}

	cleanup := func() {
		_ = coord.Close()
		_ = st.Close()
	}
	pub := events.NewPublisher(coord, logger)
	return registry.New(st, coord, pub, cfg.Worker, logger), cleanup, nil
}

func runKeysIssue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	var expiresAt *time.Time
	if keysTTL > 0 {
		t := time.Now().UTC().Add(keysTTL)
		expiresAt = &t
	}

	issued, err := reg.IssueKey(ctx, domain.WorkerID(args[0]), expiresAt)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "key id:  %s\n", issued.Key.ID)
	fmt.Fprintf(out, "prefix:  %s\n", issued.Key.Prefix)
	if issued.Key.ExpiresAt != nil {
		fmt.Fprintf(out, "expires: %s\n", issued.Key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "\n%s\n\nStore the credential now; it is shown exactly once.\n", issued.Plaintext)
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	keys, err := reg.ListKeys(ctx, domain.WorkerID(args[0]))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no keys for worker %s\n", args[0])
		return nil
	}

	now := time.Now().UTC()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPREFIX\tCREATED\tEXPIRES\tSTATE")
	for _, k := range keys {
		state := "active"
		switch {
		case k.RevokedAt != nil:
			state = "revoked"
		case !k.Active(now):
			state = "expired"
		}
		expires := "never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			k.ID, k.Prefix, k.CreatedAt.Format(time.RFC3339), expires, state)
	}
	return w.Flush()
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := reg.RevokeKey(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "key %s revoked\n", args[0])
	return nil
}
