// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the sitesync process configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. Environment keys use the SITESYNC_ prefix and a
// double underscore between section and key, e.g. SITESYNC_SYNC__BASE_URL
// sets sync.base_url.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// PathEnvVar names the config file when --config is not given.
	PathEnvVar = "SITESYNC_CONFIG"
	envPrefix  = "SITESYNC_"
)

type Config struct {
	// Role is "remote" for a site syncing with a central server, or
	// "central" for the server itself.
	Role     string         `koanf:"role" validate:"oneof=remote central"`
	Database DatabaseConfig `koanf:"database"`
	Sync     SyncConfig     `koanf:"sync"`
	Central  CentralConfig  `koanf:"central"`
	HTTP     HTTPConfig     `koanf:"http"`
	Log      LogConfig      `koanf:"log"`
}

type DatabaseConfig struct {
	Driver             string        `koanf:"driver" validate:"oneof=sqlite postgres"`
	Path               string        `koanf:"path"`
	URL                string        `koanf:"url"`
	MaxConns           int32         `koanf:"max_conns" validate:"gte=0"`
	MinConns           int32         `koanf:"min_conns" validate:"gte=0"`
	MaxConnLifetime    time.Duration `koanf:"max_conn_lifetime"`
	MaxConnIdleTime    time.Duration `koanf:"max_conn_idle_time"`
	CreateDomainTables bool          `koanf:"create_domain_tables"`
}

type SyncConfig struct {
	PartnerID  string `koanf:"partner_id" validate:"required"`
	BaseURL    string `koanf:"base_url" validate:"omitempty,url"`
	SiteID     int32  `koanf:"site_id" validate:"gte=0"`
	SiteName   string `koanf:"site_name"`
	Password   string `koanf:"password"`
	HardwareID string `koanf:"hardware_id"`
	Format     string `koanf:"format" validate:"oneof=legacy structured"`
	AppVersion string `koanf:"app_version"`

	BatchSize   int           `koanf:"batch_size" validate:"gte=1,lte=10000"`
	Schedule    string        `koanf:"schedule" validate:"required"`
	RunOnStart  bool          `koanf:"run_on_start"`
	MaxAttempts int           `koanf:"max_attempts" validate:"gte=1"`
	BackoffMin  time.Duration `koanf:"backoff_min" validate:"gt=0"`
	BackoffMax  time.Duration `koanf:"backoff_max" validate:"gtefield=BackoffMin"`
	LockPath    string        `koanf:"lock_path"`

	Timeout         time.Duration `koanf:"timeout" validate:"gte=0"`
	RateLimit       float64       `koanf:"rate_limit" validate:"gte=0"`
	RateBurst       int           `koanf:"rate_burst" validate:"gte=0"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gte=0"`

	LogStageTimings bool `koanf:"log_stage_timings"`
}

type CentralConfig struct {
	SiteID       int32  `koanf:"site_id" validate:"gte=0"`
	JWTSecret    string `koanf:"jwt_secret"`
	BcryptCost   int    `koanf:"bcrypt_cost" validate:"omitempty,gte=4,lte=31"`
	MaxBatchSize int    `koanf:"max_batch_size" validate:"gte=1"`
	// RateLimitRequests per RateLimitWindow and client IP; 0 disables.
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gte=0"`
	// RetryInterval between integrations of all pending buffer rows; 0
	// disables the periodic retry.
	RetryInterval time.Duration `koanf:"retry_interval" validate:"gte=0"`
}

type HTTPConfig struct {
	// ListenAddr serves the central API, or /metrics and /healthz on a
	// remote site. Empty disables the listener on a remote site.
	ListenAddr      string        `koanf:"listen_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// Default returns the configuration applied before any file or environment
// value.
func Default() *Config {
	return &Config{
		Role: "remote",
		Database: DatabaseConfig{
			Driver:             "sqlite",
			Path:               "sitesync.db",
			MaxConns:           10,
			MaxConnLifetime:    time.Hour,
			MaxConnIdleTime:    30 * time.Minute,
			CreateDomainTables: true,
		},
		Sync: SyncConfig{
			PartnerID:       "central",
			Format:          "structured",
			AppVersion:      "sitesync",
			BatchSize:       500,
			Schedule:        "@every 1m",
			RunOnStart:      true,
			MaxAttempts:     5,
			BackoffMin:      500 * time.Millisecond,
			BackoffMax:      30 * time.Second,
			Timeout:         60 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Central: CentralConfig{
			MaxBatchSize:    1000,
			RateLimitWindow: time.Minute,
			RetryInterval:   time.Minute,
		},
		HTTP: HTTPConfig{
			ReadTimeout:     120 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// $SITESYNC_CONFIG when path is empty; no file is fine) and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps SITESYNC_SYNC__BASE_URL to sync.base_url.
func envKey(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	if key == PathEnvVar[len(envPrefix):] {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// Validate checks field constraints and the requirements of the selected
// role.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}

	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	}

	switch c.Role {
	case "remote":
		if c.Sync.BaseURL == "" {
			errs = append(errs, errors.New("sync.base_url is required for a remote site"))
		}
		if c.Sync.SiteID <= 0 {
			errs = append(errs, errors.New("sync.site_id is required for a remote site"))
		}
		if c.Sync.Password == "" {
			errs = append(errs, errors.New("sync.password is required for a remote site"))
		}
		if c.Sync.Format == "legacy" && c.Sync.SiteName == "" {
			errs = append(errs, errors.New("sync.site_name is required for the legacy protocol"))
		}
	case "central":
		if c.Central.SiteID <= 0 {
			errs = append(errs, errors.New("central.site_id is required for a central server"))
		}
		if len(c.Central.JWTSecret) < 16 {
			errs = append(errs, errors.New("central.jwt_secret must be at least 16 characters"))
		}
		if c.HTTP.ListenAddr == "" {
			errs = append(errs, errors.New("http.listen_addr is required for a central server"))
		}
	}
	return errors.Join(errs...)
}
