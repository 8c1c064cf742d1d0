package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
)

const (
	// AppName names the config file and data directory.
	AppName = "verifier"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "VERIFIER"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec maps an environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// getEnvSpecs lists the short environment aliases. Every config path is
// also reachable as VERIFIER_<PATH> with dots replaced by underscores.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "_DB_DRIVER", Path: "store.driver"},
		{Name: EnvPrefix + "_DB_PATH", Path: "store.path"},
		{Name: EnvPrefix + "_DB_URL", Path: "store.url"},
		{Name: EnvPrefix + "_DB_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: EnvPrefix + "_DATABASE_URL", Path: "store.dsn"},
		{Name: EnvPrefix + "_ENGINE_NAME", Path: "engine.name"},
		{Name: EnvPrefix + "_CHUNK_SIZE", Path: "pipeline.chunk_size"},
		{Name: EnvPrefix + "_LEASE_SECONDS", Path: "pipeline.lease_seconds"},
		{Name: EnvPrefix + "_MAX_ATTEMPTS", Path: "pipeline.max_attempts"},
		{Name: EnvPrefix + "_TEMPFAIL_ENABLED", Path: "pipeline.tempfail.enabled"},
		{Name: EnvPrefix + "_TEMPFAIL_REASONS", Path: "pipeline.tempfail.reasons"},
		{Name: EnvPrefix + "_TEMPFAIL_BACKOFF_MINUTES", Path: "pipeline.tempfail.backoff_minutes"},
	}
}

// DataDir is the per-user directory for the default database and blobs.
func DataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// setDefaults registers built-in values on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(DataDir(), "verifier.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.dsn", "")

	v.SetDefault("storage.default_disk", "local")
	v.SetDefault("storage.disks", map[string]any{
		"local": map[string]any{
			"type":     "file",
			"base_dir": filepath.Join(DataDir(), "blobs"),
		},
	})

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.rate_per_second", 0)
	v.SetDefault("cache.burst", 1)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", "@every 1m")

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = AppName
	}
	v.SetDefault("engine.name", hostname)

	d := policy.Defaults()
	v.SetDefault("pipeline.chunk_size", d.ChunkSize)
	v.SetDefault("pipeline.cache_batch_size", d.CacheBatchSize)
	v.SetDefault("pipeline.dedupe_memory_limit", d.DedupeMemoryLimit)
	v.SetDefault("pipeline.lease_seconds", d.LeaseSeconds)
	v.SetDefault("pipeline.max_attempts", d.MaxAttempts)
	v.SetDefault("pipeline.finalize_lock_seconds", d.FinalizeLockSeconds)
	v.SetDefault("pipeline.group_by_domain", d.GroupByDomain)
	v.SetDefault("pipeline.tempfail.enabled", d.Tempfail.Enabled)
	v.SetDefault("pipeline.tempfail.reasons", d.Tempfail.Reasons)
	v.SetDefault("pipeline.tempfail.max_attempts", d.Tempfail.MaxAttempts)
	v.SetDefault("pipeline.tempfail.backoff_minutes", d.Tempfail.BackoffMinutes)
	v.SetDefault("pipeline.tempfail.backoff_fallback_minutes", d.Tempfail.BackoffFallbackMinutes)
	v.SetDefault("pipeline.catch_all.policy", d.CatchAll.Policy)
	v.SetDefault("pipeline.catch_all.threshold", d.CatchAll.Threshold)
	v.SetDefault("pipeline.scoring.base", d.Scoring.Base)
	v.SetDefault("pipeline.scoring.sub_status_caps", d.Scoring.SubStatusCaps)
	v.SetDefault("pipeline.scoring.cache_adjustments", d.Scoring.CacheAdjustments)
}

// Load builds the configuration and makes it the current one. Each
// override is a nested map applied above every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	// A missing .env is fine; variables already set in the process win.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		long := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(spec.Path, ".", "_"))
		if err := v.BindEnv(spec.Path, spec.Name, long); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Pipeline.ApplyDefaults()
	if err := policy.Validate(&cfg.Pipeline); err != nil {
		return nil, fmt.Errorf("invalid pipeline settings: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// readConfigFile reads VERIFIER_CONFIG when set, otherwise the first
// verifier.{yaml,json,toml} found in the working directory or the user
// config directory. No file at all is not an error.
func readConfigFile(v *viper.Viper) error {
	if path := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.AddConfigPath(".")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func getUserConfigPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return nil
	}
	return []string{filepath.Join(dir, AppName)}
}

// flatten turns a nested override map into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
