package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/config"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/observability"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/cache"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/output"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/pipeline"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage/file"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage/memory"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage/s3"
)

// app bundles the collaborators every pipeline command needs.
type app struct {
	cfg      *config.Config
	store    *jobstore.Store
	disks    *storage.Registry
	cache    *cache.SQLStore
	limiter  *rate.Limiter
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

// openApp connects the job store and disks and builds the pipeline.
func openApp(ctx context.Context) (*app, error) {
	cfg := appConfig
	if cfg == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Configuration not loaded", fmt.Errorf("root command did not initialise"))
	}
	logger := observability.CLILogger

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to migrate job store", err)
	}

	disks, err := buildStorage(ctx, cfg.Storage)
	if err != nil {
		_ = st.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid storage configuration", err)
	}

	a := &app{cfg: cfg, store: st, disks: disks, logger: logger}

	if cfg.Cache.Enabled {
		a.cache, err = cache.NewSQLStore(ctx, st)
		if err != nil {
			a.Close()
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open cache store", err)
		}
	}
	a.limiter = newLimiter(cfg.Cache)

	opts := pipeline.Options{
		Repo:      st,
		Storage:   disks,
		Limiter:   a.limiter,
		Policy:    cfg.Pipeline,
		SpillDir:  filepath.Join(config.DataDir(), "spill"),
		LockOwner: cfg.Engine.Name + "-" + uuid.NewString(),
		Logger:    logger,
	}
	if a.cache != nil {
		opts.Cache = a.cache
	}
	a.pipeline, err = pipeline.New(opts)
	if err != nil {
		a.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid pipeline policy", err)
	}
	return a, nil
}

func (a *app) Close() {
	if a.disks != nil {
		if err := a.disks.Close(); err != nil {
			a.logger.Warn("Failed to close storage", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close job store", zap.Error(err))
		}
	}
}

func (a *app) engine() string {
	return a.cfg.Engine.Name
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*jobstore.Store, error) {
	return jobstore.Open(ctx, jobstore.Config{
		Driver:    cfg.Driver,
		Path:      cfg.Path,
		URL:       cfg.URL,
		AuthToken: cfg.AuthToken,
		DSN:       cfg.DSN,
	})
}

// buildStorage registers every configured disk.
func buildStorage(ctx context.Context, cfg config.StorageConfig) (*storage.Registry, error) {
	if len(cfg.Disks) == 0 {
		return nil, fmt.Errorf("no disks configured")
	}
	reg := storage.NewRegistry(cfg.DefaultDisk)
	for name, dc := range cfg.Disks {
		d, err := buildDisk(ctx, dc)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("disk %q: %w", name, err)
		}
		reg.Register(name, d)
	}
	if cfg.DefaultDisk != "" {
		if _, err := reg.Disk(cfg.DefaultDisk); err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("default disk: %w", err)
		}
	}
	return reg, nil
}

func buildDisk(ctx context.Context, dc config.DiskConfig) (storage.Disk, error) {
	switch storage.BackendType(strings.ToLower(strings.TrimSpace(dc.Type))) {
	case storage.BackendFile, "":
		return file.New(file.Config{BaseDir: dc.BaseDir})
	case storage.BackendS3:
		return s3.New(ctx, s3.Config{
			Bucket:   dc.Bucket,
			Prefix:   dc.Prefix,
			Region:   dc.Region,
			Endpoint: dc.Endpoint,
			Profile:  dc.Profile,
			// S3-compatible services (MinIO, R2) need path-style URLs.
			ForcePathStyle: dc.ForcePathStyle || dc.Endpoint != "",
		})
	case storage.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported disk type %q", dc.Type)
	}
}

// newLimiter returns nil (unthrottled) when no rate is configured.
func newLimiter(cfg config.CacheConfig) *rate.Limiter {
	if cfg.RatePerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
}

// createWriter opens the JSONL destination. Returns the writer, a cleanup
// function, and any error.
func createWriter(dest, jobID, engine string) (*output.JSONLWriter, func(), error) {
	if dest == "" || dest == "-" || dest == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, jobID, engine)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, jobID, engine)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
