package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/config"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/observability"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment, job store and storage disks.

Examples:
  verifier doctor                # Full environment check
  verifier doctor --provider s3  # Also verify AWS credentials`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// doctorReport numbers checks and tracks overall health.
type doctorReport struct {
	logger *zap.Logger
	num    int
	total  int
	ok     bool
}

func (r *doctorReport) pass(name, detail string, fields ...zap.Field) {
	r.num++
	r.logger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", r.num, r.total, name, detail), fields...)
}

func (r *doctorReport) warn(name, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	r.logger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", r.num, r.total, name, detail), fields...)
}

func (r *doctorReport) fail(name, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	r.logger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", r.num, r.total, name, detail), fields...)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger
	cfg := appConfig

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	logger.Info("=== " + bannerName + " ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	s3Disks := s3DiskNames(cfg.Storage)
	checkS3 := doctorProvider == "s3" || len(s3Disks) > 0
	r := &doctorReport{logger: logger, total: 6 + len(cfg.Storage.Disks), ok: true}
	if checkS3 {
		r.total++
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		r.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		r.warn("Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		r.pass("Crucible access", "v"+version.Crucible,
			zap.String("crucible_version", version.Crucible),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		r.fail("Crucible access", "Cannot access Crucible")
	}

	if configDir, err := os.UserConfigDir(); err != nil {
		r.fail("config directory", "Cannot find config directory", zap.Error(err))
	} else {
		r.pass("config directory", configDir, zap.String("config_dir", configDir))
	}

	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		r.fail("data directory", "Cannot create "+dataDir, zap.Error(err))
	} else {
		r.pass("data directory", dataDir, zap.String("data_dir", dataDir))
	}

	r.checkStore(ctx, cfg.Store)
	r.checkDisks(ctx, cfg.Storage)

	r.pass("environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	if checkS3 {
		logger.Info("")
		logger.Info("S3 Provider Checks:")
		r.checkAWSCredentials(ctx)
	}

	logger.Info("")
	if r.ok {
		logger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	logger.Info("")
	logger.Info("=== End Diagnostics ===")

	if !r.ok {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", nil)
	}
	return nil
}

func (r *doctorReport) checkStore(ctx context.Context, sc config.StoreConfig) {
	st, err := openStore(ctx, sc)
	if err != nil {
		r.fail("job store", "Cannot open "+sc.Driver+" store", zap.Error(err))
		return
	}
	defer func() { _ = st.Close() }()

	if err := st.DB().PingContext(ctx); err != nil {
		r.fail("job store", "Ping failed", zap.Error(err))
		return
	}
	r.pass("job store", sc.Driver, zap.String("driver", sc.Driver))
}

func (r *doctorReport) checkDisks(ctx context.Context, sc config.StorageConfig) {
	reg, err := buildStorage(ctx, sc)
	if err != nil {
		for range sc.Disks {
			r.fail("storage disk", "Cannot build storage", zap.Error(err))
		}
		return
	}
	defer func() { _ = reg.Close() }()

	for _, name := range reg.Names() {
		// A missing marker key is fine; only backend errors fail the check.
		if _, err := reg.Exists(ctx, name, ".verifier-doctor"); err != nil {
			r.fail("disk "+name, "Not reachable", zap.String("disk", name), zap.Error(err))
			continue
		}
		detail := sc.Disks[name].Type
		if name == reg.DefaultDisk() {
			detail += " (default)"
		}
		r.pass("disk "+name, detail, zap.String("disk", name))
	}
}

func (r *doctorReport) checkAWSCredentials(ctx context.Context) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.pass("AWS credentials", "Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source))
}

// s3DiskNames lists configured disks backed by S3.
func s3DiskNames(sc config.StorageConfig) []string {
	var names []string
	for name, d := range sc.Disks {
		if storage.BackendType(strings.ToLower(d.Type)) == storage.BackendS3 {
			names = append(names, name)
		}
	}
	return names
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, R2), also set storage.disks.<name>.endpoint")
	observability.CLILogger.Info("")
}
