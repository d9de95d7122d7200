// Package config loads the process configuration of a coordinator from defaults, an optional file and
// TCC_ prefixed environment variables.
package config

import (
	"fmt"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/qbixus/tcc-go"
	"github.com/qbixus/tcc-go/recovery"
	"github.com/qbixus/tcc-go/repository/boltrepo"
	"github.com/qbixus/tcc-go/repository/memrepo"
	"github.com/spf13/viper"
	"strings"
	"time"
)

// EnvPrefix prefixes the environment variables, e.g. TCC_RECOVERY_CRON_INTERVAL.
const EnvPrefix = "TCC"

const (
	RepositoryMemory = "memory"
	RepositoryBolt   = "bolt"
)

type Config struct {
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ExecutorConfig struct {
	Size int `mapstructure:"size"`
}

type RecoveryConfig struct {
	MaxRetryCount   int           `mapstructure:"max_retry_count"`
	RecoverDuration time.Duration `mapstructure:"recover_duration"`
	CronInterval    time.Duration `mapstructure:"cron_interval"`
	ScanAttempts    uint          `mapstructure:"scan_attempts"`
}

type RepositoryConfig struct {
	Kind   string `mapstructure:"kind"`
	Path   string `mapstructure:"path"`
	Bucket string `mapstructure:"bucket"`
	Shards int    `mapstructure:"shards"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// Default returns the configuration used for every key not set otherwise.
func Default() Config {
	return Config{
		Executor: ExecutorConfig{Size: tcc.DefaultExecutorSize},
		Recovery: RecoveryConfig{
			MaxRetryCount:   recovery.DefaultMaxRetryCount,
			RecoverDuration: recovery.DefaultRecoverDuration,
			CronInterval:    recovery.DefaultCronInterval,
			ScanAttempts:    recovery.DefaultScanAttempts,
		},
		Repository: RepositoryConfig{Kind: RepositoryMemory, Bucket: boltrepo.DefaultBucket, Shards: memrepo.DefaultShards},
		Log:        LogConfig{Level: "info"},
		Metrics:    MetricsConfig{Address: ":9464"},
	}
}

// Load читает конфигурацию: значения по умолчанию, затем файл path (если задан), затем переменные окружения
// с префиксом EnvPrefix, затем все, что уже задано в v (например, привязанные флаги). v может быть nil.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("executor.size", d.Executor.Size)
	v.SetDefault("recovery.max_retry_count", d.Recovery.MaxRetryCount)
	v.SetDefault("recovery.recover_duration", d.Recovery.RecoverDuration)
	v.SetDefault("recovery.cron_interval", d.Recovery.CronInterval)
	v.SetDefault("recovery.scan_attempts", d.Recovery.ScanAttempts)
	v.SetDefault("repository.kind", d.Repository.Kind)
	v.SetDefault("repository.path", d.Repository.Path)
	v.SetDefault("repository.bucket", d.Repository.Bucket)
	v.SetDefault("repository.shards", d.Repository.Shards)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Executor),
		validation.Field(&c.Recovery),
		validation.Field(&c.Repository),
		validation.Field(&c.Log),
		validation.Field(&c.Metrics),
	)
}

func (c ExecutorConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Size, validation.Required, validation.Min(1)),
	)
}

func (c RecoveryConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxRetryCount, validation.Required, validation.Min(1)),
		validation.Field(&c.RecoverDuration, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.CronInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.ScanAttempts, validation.Required),
	)
}

func (c RepositoryConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Kind, validation.Required, validation.In(RepositoryMemory, RepositoryBolt)),
		validation.Field(&c.Path, validation.When(c.Kind == RepositoryBolt, validation.Required)),
		validation.Field(&c.Bucket, validation.When(c.Kind == RepositoryBolt, validation.Required)),
		validation.Field(&c.Shards, validation.When(c.Kind == RepositoryMemory, validation.Required, validation.Min(1))),
	)
}

func (c LogConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.Required, validation.In("debug", "info", "warn", "error")),
	)
}

func (c MetricsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.When(c.Enabled, validation.Required)),
	)
}
