package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/observability"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/cache"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the job store schema",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Migration failed", err)
	}
	if cfg.Cache.Enabled {
		if _, err := cache.NewSQLStore(ctx, st); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cache table migration failed", err)
		}
	}
	observability.CLILogger.Info("Job store schema up to date",
		zap.String("driver", cfg.Store.Driver))
	return nil
}
