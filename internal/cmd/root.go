package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/config"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/observability"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
)

// AppIdentity names the binary and its configuration surfaces.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

	appIdentity *AppIdentity

	// appConfig is loaded by the root PersistentPreRunE.
	appConfig *config.Config

	configFile string
	logLevel   string
	logProfile string
	policyFile string
	outputPath string
	engineName string
)

var rootCmd = &cobra.Command{
	Use:   "verifier",
	Short: "Email verification job pipeline",
	Long: `verifier plans uploaded email lists into chunks, leases chunks to
verification workers, retries temporary failures and merges worker results
into final valid, invalid and risky lists.

Configuration is read from verifier.yaml, VERIFIER_* environment variables
and command flags, in increasing order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity set during startup, or nil.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

func init() {
	// Assigned here rather than in the literal to avoid an initialization
	// cycle (initApp refers to rootCmd).
	rootCmd.PersistentPreRunE = initApp

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default: ./verifier.yaml or user config dir)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logProfile, "log-profile", "", "Log profile: structured or console")
	pf.StringVar(&policyFile, "policy", "", "Pipeline policy document (YAML or JSON); replaces pipeline.* config")
	pf.StringVarP(&outputPath, "output", "o", "-", "Write JSONL records to this file ('-' for stdout)")
	pf.StringVar(&engineName, "engine", "", "Engine identity (default: engine.name config, else hostname)")
}

// initApp loads configuration and the logger before any subcommand runs.
func initApp(cmd *cobra.Command, _ []string) error {
	appIdentity = &AppIdentity{
		BinaryName: rootCmd.Name(),
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.AppName,
	}

	if configFile != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG", configFile); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --config value", err)
		}
	}

	overrides := map[string]any{}
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if logProfile != "" {
		logging["profile"] = logProfile
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}
	if engineName != "" {
		overrides["engine"] = map[string]any{"name": engineName}
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	if policyFile != "" {
		pol, err := policy.Load(policyFile)
		if err != nil {
			var verrs policy.ValidationErrors
			if errors.As(err, &verrs) {
				return exitError(foundry.ExitInvalidArgument, "Invalid policy document", err)
			}
			return exitError(foundry.ExitFileReadError, "Failed to read policy document", err)
		}
		cfg.Pipeline = *pol
	}

	if _, err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	appConfig = cfg

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("command", cmd.CommandPath()),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("default_disk", cfg.Storage.DefaultDisk),
		zap.String("engine", cfg.Engine.Name))
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error: "+strings.TrimSpace(err.Error()))
	return ExitCode(err)
}
