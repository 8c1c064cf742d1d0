package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/server"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health and job status over HTTP and run the lease sweeper",
	Long: `Start the operations HTTP server and, unless disabled, a background
sweeper that reclaims expired chunk leases and finalizes jobs whose chunks
are all done.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/jobs/{id}, /v1/jobs/{id}/chunks`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default: server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (default: server.port)")
	serveCmd.Flags().Bool("no-sweeper", false, "Do not run the background sweeper")
}

// signalHealthChecker reports healthy while the process is serving.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error { return nil }

// identityHealthChecker verifies the app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case strings.TrimSpace(c.binaryName) == "":
		return errors.New("app identity missing binary name")
	case strings.TrimSpace(c.envPrefix) == "":
		return errors.New("app identity missing env prefix")
	case strings.TrimSpace(c.configName) == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

// pinger is satisfied by *sql.DB.
type pinger interface {
	PingContext(ctx context.Context) error
}

// storeHealthChecker pings the job store.
type storeHealthChecker struct {
	db pinger
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.db == nil {
		return errors.New("job store not initialized")
	}
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("job store ping: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	noSweeper, _ := cmd.Flags().GetBool("no-sweeper")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if host == "" {
		host = a.cfg.Server.Host
	}
	if port == 0 {
		port = a.cfg.Server.Port
	}

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signal", signalHealthChecker{})
	health.RegisterChecker("store", storeHealthChecker{db: a.store.DB()})
	if id := GetAppIdentity(); id != nil {
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}

	if !noSweeper && a.cfg.Sweeper.Enabled {
		sw, err := newSweeper(ctx, a.cfg.Sweeper.Schedule, a.pipeline.Sweep, a.logger.Named("sweeper"))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid sweeper configuration", err)
		}
		sw.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			sw.Stop(stopCtx)
		}()
		a.logger.Info("Sweeper started", zap.String("schedule", a.cfg.Sweeper.Schedule))
	}

	srv := server.New(host, port,
		server.WithJobs(a.store),
		server.WithLogger(a.logger),
		server.WithTimeouts(server.Timeouts{
			Read:     a.cfg.Server.ReadTimeout,
			Write:    a.cfg.Server.WriteTimeout,
			Idle:     a.cfg.Server.IdleTimeout,
			Shutdown: a.cfg.Server.ShutdownTimeout,
		}))
	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
	}
	return nil
}
