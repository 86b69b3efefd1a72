/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/secrets"
	"github.com/arpanrec/linode-stack/pkg/vault/bootstrap"
	"github.com/arpanrec/linode-stack/pkg/vault/snapshot"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// EnvPrefix prefixes every environment variable that overrides a setting,
// e.g. VAULTOPS_LOG_LEVEL for log.level.
const EnvPrefix = "VAULTOPS"

// DefaultEnvFile is loaded when present and no env file is named.
const DefaultEnvFile = ".env"

// Settings are the run settings that are not part of the cluster inventory.
type Settings struct {
	Log           LogSettings      `mapstructure:"log"`
	Retry         RetrySettings    `mapstructure:"retry"`
	ProbeTimeout  time.Duration    `mapstructure:"probe_timeout"`
	StageAttempts int              `mapstructure:"stage_attempts"`
	Concurrency   int              `mapstructure:"concurrency"`
	WorkDir       string           `mapstructure:"work_dir"`
	Custody       CustodySettings  `mapstructure:"custody"`
	Snapshot      SnapshotSettings `mapstructure:"snapshot"`
	Sinks         SinkSettings     `mapstructure:"sinks"`
	Metrics       MetricsSettings  `mapstructure:"metrics"`
}

// LogSettings configures the zap backend
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RetrySettings configures per-call retries and backoff
type RetrySettings struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Jitter         float64       `mapstructure:"jitter"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CustodySettings locates the unseal material file
type CustodySettings struct {
	File string `mapstructure:"file"`
}

// SnapshotSettings configures local and offsite snapshot storage
type SnapshotSettings struct {
	Dir       string            `mapstructure:"dir"`
	Retention int               `mapstructure:"retention"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	S3        snapshot.S3Config `mapstructure:"s3"`
}

// SinkSettings configures the optional downstream secret sinks
type SinkSettings struct {
	Redis      secrets.RedisConfig      `mapstructure:"redis"`
	Kubernetes secrets.KubernetesConfig `mapstructure:"kubernetes"`
}

// MetricsSettings configures the Pushgateway push at the end of a run
type MetricsSettings struct {
	PushURL string `mapstructure:"push_url"`
	Job     string `mapstructure:"job"`
}

// NewViper returns a viper instance reading VAULTOPS_* variables with every
// default set, so that nested keys can be overridden from the environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	r := retry.DefaultConfig()

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatConsole)

	// Retry defaults
	v.SetDefault("retry.max_retries", r.MaxRetries)
	v.SetDefault("retry.initial_delay", r.InitialDelay)
	v.SetDefault("retry.max_delay", r.MaxDelay)
	v.SetDefault("retry.multiplier", r.Multiplier)
	v.SetDefault("retry.jitter", r.JitterFactor)
	v.SetDefault("retry.request_timeout", r.CallTimeout)

	// Run defaults
	v.SetDefault("probe_timeout", bootstrap.DefaultProbeTimeout)
	v.SetDefault("stage_attempts", bootstrap.DefaultStageAttempts)
	v.SetDefault("concurrency", bootstrap.DefaultConcurrency)
	v.SetDefault("work_dir", "")
	v.SetDefault("custody.file", "unseal-material.yml")

	// Snapshot defaults
	v.SetDefault("snapshot.dir", bootstrap.DefaultSnapshotDir)
	v.SetDefault("snapshot.retention", snapshot.DefaultRetention)
	v.SetDefault("snapshot.timeout", snapshot.DefaultTimeout)
	v.SetDefault("snapshot.s3.endpoint", "")
	v.SetDefault("snapshot.s3.region", "us-east-1")
	v.SetDefault("snapshot.s3.bucket", "")
	v.SetDefault("snapshot.s3.prefix", "vault-snapshots")
	v.SetDefault("snapshot.s3.access_key", "")
	v.SetDefault("snapshot.s3.secret_key", "")
	v.SetDefault("snapshot.s3.path_style", false)
	v.SetDefault("snapshot.s3.retention", 0)

	// Sink defaults
	v.SetDefault("sinks.redis.addr", "")
	v.SetDefault("sinks.redis.password", "")
	v.SetDefault("sinks.redis.db", 0)
	v.SetDefault("sinks.redis.prefix", "vaultops")
	v.SetDefault("sinks.kubernetes.kubeconfig", "")
	v.SetDefault("sinks.kubernetes.namespace", "")
	v.SetDefault("sinks.kubernetes.name_prefix", "vaultops")

	// Metrics defaults
	v.SetDefault("metrics.push_url", "")
	v.SetDefault("metrics.job", "vaultops")
}

// LoadEnvFiles loads .env files into the process environment. Variables
// that are already set win. With no files named, DefaultEnvFile is loaded
// when it exists.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(DefaultEnvFile); err != nil {
			return nil
		}
		files = []string{DefaultEnvFile}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// LoadSettings reads the optional settings file into v and decodes it.
func LoadSettings(v *viper.Viper, file string) (*Settings, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// DefaultSettings returns the settings with nothing overridden.
func DefaultSettings() *Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	_ = v.Unmarshal(&s)
	return &s
}

// Validate checks ranges that would otherwise surface mid-run
func (s *Settings) Validate() error {
	var errs []error
	if s.Retry.MaxRetries < 0 {
		errs = append(errs, infraerrors.NewValidationError("retry.max_retries", strconv.Itoa(s.Retry.MaxRetries), "must not be negative"))
	}
	if s.Retry.Multiplier < 1 {
		errs = append(errs, infraerrors.NewValidationError("retry.multiplier", fmt.Sprint(s.Retry.Multiplier), "must be at least 1"))
	}
	if s.Retry.Jitter < 0 || s.Retry.Jitter > 1 {
		errs = append(errs, infraerrors.NewValidationError("retry.jitter", fmt.Sprint(s.Retry.Jitter), "must be between 0 and 1"))
	}
	if s.StageAttempts < 1 {
		errs = append(errs, infraerrors.NewValidationError("stage_attempts", strconv.Itoa(s.StageAttempts), "must be at least 1"))
	}
	if s.Concurrency < 1 {
		errs = append(errs, infraerrors.NewValidationError("concurrency", strconv.Itoa(s.Concurrency), "must be at least 1"))
	}
	if s.Snapshot.Retention < 1 {
		errs = append(errs, infraerrors.NewValidationError("snapshot.retention", strconv.Itoa(s.Snapshot.Retention), "must be at least 1"))
	}
	switch s.Log.Format {
	case logger.FormatConsole, logger.FormatJSON:
	default:
		errs = append(errs, infraerrors.NewValidationError("log.format", s.Log.Format, "must be console or json"))
	}
	return errors.Join(errs...)
}

// RetryConfig converts the retry settings
func (s *Settings) RetryConfig() retry.Config {
	return retry.Config{
		InitialDelay: s.Retry.InitialDelay,
		MaxDelay:     s.Retry.MaxDelay,
		Multiplier:   s.Retry.Multiplier,
		JitterFactor: s.Retry.Jitter,
		MaxRetries:   s.Retry.MaxRetries,
		CallTimeout:  s.Retry.RequestTimeout,
	}
}

// S3 returns the offsite settings with the local retention applied when the
// bucket has none of its own.
func (s *Settings) S3() snapshot.S3Config {
	c := s.Snapshot.S3
	if c.Retention <= 0 {
		c.Retention = s.Snapshot.Retention
	}
	return c
}
