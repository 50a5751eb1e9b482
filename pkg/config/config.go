// Package config loads engine configuration from file and environment.
// Every key can be overridden with a MESHFLOW_-prefixed environment
// variable, dots replaced by underscores (engine.async_pool_size becomes
// MESHFLOW_ENGINE_ASYNC_POOL_SIZE).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	AsyncPoolSize           int      `mapstructure:"async_pool_size"`
	SchedulerPoolSize       int      `mapstructure:"scheduler_pool_size"`
	CleanupIntervalMinutes  int      `mapstructure:"cleanup_interval_minutes"`
	InstanceRetentionDays   int      `mapstructure:"instance_retention_days"`
	BaseRetryDelaySeconds   int      `mapstructure:"base_retry_delay_seconds"`
	MaxRetryDelaySeconds    int      `mapstructure:"max_retry_delay_seconds"`
	StepDefaultTimeoutSecs  int      `mapstructure:"step_default_timeout_seconds"`
	UserTaskDefaultDueHours int      `mapstructure:"user_task_default_due_hours"`
	DefinitionCacheSize     int      `mapstructure:"definition_cache_size"`
	StartRatePerSecond      float64  `mapstructure:"start_rate_per_second"`
	StartBurst              int      `mapstructure:"start_burst"`
	AdminUsers              []string `mapstructure:"admin_users"`
}

// CleanupInterval returns the cleanup sweep period.
func (c EngineConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// InstanceRetention returns how long finished instances are kept.
func (c EngineConfig) InstanceRetention() time.Duration {
	return time.Duration(c.InstanceRetentionDays) * 24 * time.Hour
}

// BaseRetryDelay returns the first retry back-off interval.
func (c EngineConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelaySeconds) * time.Second
}

// MaxRetryDelay returns the back-off ceiling.
func (c EngineConfig) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelaySeconds) * time.Second
}

// StepDefaultTimeout returns the timeout applied to steps declaring none.
func (c EngineConfig) StepDefaultTimeout() time.Duration {
	return time.Duration(c.StepDefaultTimeoutSecs) * time.Second
}

// DatabaseConfig describes the postgres connection.
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_seconds"`
}

// DSN renders the lib/pq connection string. Empty host means "run without a
// database" (in-memory repository).
func (c DatabaseConfig) DSN() string {
	if c.Host == "" {
		return ""
	}
	parts := []string{
		"host=" + c.Host,
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + c.Name,
		"user=" + c.User,
		"sslmode=" + c.SSLMode,
	}
	if c.Password != "" {
		parts = append(parts, "password="+c.Password)
	}
	return strings.Join(parts, " ")
}

// RedisConfig describes the notification bus connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the optional file path, then the
// environment, then defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MESHFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.async_pool_size", 10)
	v.SetDefault("engine.scheduler_pool_size", 5)
	v.SetDefault("engine.cleanup_interval_minutes", 60)
	v.SetDefault("engine.instance_retention_days", 30)
	v.SetDefault("engine.base_retry_delay_seconds", 1)
	v.SetDefault("engine.max_retry_delay_seconds", 300)
	v.SetDefault("engine.step_default_timeout_seconds", 300)
	v.SetDefault("engine.user_task_default_due_hours", 24)
	v.SetDefault("engine.definition_cache_size", 256)
	v.SetDefault("engine.start_rate_per_second", 100.0)
	v.SetDefault("engine.start_burst", 200)

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "meshflow")
	v.SetDefault("database.user", "meshflow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime_seconds", 300)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "meshflow:notifications")

	v.SetDefault("logging.level", "info")
}
