package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DSN       string `mapstructure:"dsn"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MaxSubnetHosts             uint64 `mapstructure:"max_subnet_hosts"`
	BulkAllocateMax            int    `mapstructure:"bulk_allocate_max"`
	LockTimeoutSec             int    `mapstructure:"lock_timeout_sec"`
	ConflictScanIntervalSec    int    `mapstructure:"conflict_scan_interval_sec"`
	ReservationCleanupInterval int    `mapstructure:"reservation_cleanup_interval_sec"`
	StatsCacheTTLSec           int    `mapstructure:"stats_cache_ttl_sec"`
	PerSubnetConcurrency       int64  `mapstructure:"per_subnet_concurrency"`
}

func (c Config) LockTimeout() time.Duration { return time.Duration(c.LockTimeoutSec) * time.Second }
func (c Config) ConflictScanInterval() time.Duration {
	return time.Duration(c.ConflictScanIntervalSec) * time.Second
}
func (c Config) ReservationCleanup() time.Duration {
	return time.Duration(c.ReservationCleanupInterval) * time.Second
}
func (c Config) StatsCacheTTL() time.Duration { return time.Duration(c.StatsCacheTTLSec) * time.Second }

// LoadConfig reads ipamd.yaml from the working directory or /etc/ipamd,
// then applies IPAMD_* environment overrides. The DSN is the only
// required setting.
func LoadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("ipamd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ipamd")
	v.SetEnvPrefix("IPAMD")
	v.AutomaticEnv()

	// Registering the key lets the env override reach Unmarshal.
	v.SetDefault("dsn", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("max_subnet_hosts", 65536)
	v.SetDefault("bulk_allocate_max", 100)
	v.SetDefault("lock_timeout_sec", 30)
	v.SetDefault("conflict_scan_interval_sec", 300)
	v.SetDefault("reservation_cleanup_interval_sec", 300)
	v.SetDefault("stats_cache_ttl_sec", 60)
	v.SetDefault("per_subnet_concurrency", 64)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DSN == "" {
		return Config{}, errors.New("missing required setting: dsn (IPAMD_DSN)")
	}
	return cfg, nil
}
