// Package config loads the verifier configuration.
//
// Precedence, lowest first: built-in defaults, config file, .env file,
// environment variables (VERIFIER_*), runtime overrides.
package config

import (
	"time"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
)

// Config is the complete verifier configuration.
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Logging  LoggingConfig `mapstructure:"logging"`
	Store    StoreConfig   `mapstructure:"store"`
	Storage  StorageConfig `mapstructure:"storage"`
	Cache    CacheConfig   `mapstructure:"cache"`
	Sweeper  SweeperConfig `mapstructure:"sweeper"`
	Pipeline policy.Policy `mapstructure:"pipeline"`
	Engine   EngineConfig  `mapstructure:"engine"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// StoreConfig selects the job repository backend.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
}

// StorageConfig declares the blob disks.
type StorageConfig struct {
	DefaultDisk string                `mapstructure:"default_disk"`
	Disks       map[string]DiskConfig `mapstructure:"disks"`
}

// DiskConfig describes one disk. Type is file, s3 or memory.
type DiskConfig struct {
	Type           string `mapstructure:"type"`
	BaseDir        string `mapstructure:"base_dir"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// CacheConfig tunes cache lookups and write-back.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RatePerSecond bounds cache batches per second; 0 is unthrottled.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type SweeperConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// EngineConfig identifies this process to the lease coordinator.
type EngineConfig struct {
	Name string `mapstructure:"name"`
}
