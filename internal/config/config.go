// Package config loads and validates the coordinator's configuration, per
// spec.md §6. Defaults match the specification exactly.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
)

// ScyllaConfig carries the wide-column store connection credentials.
type ScyllaConfig struct {
	Hostname string `mapstructure:"hostname"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Config is the fully resolved, validated coordinator configuration.
type Config struct {
	BatchLenLimit            int           `mapstructure:"batch_len_limit"`
	BatchSizeKB              int           `mapstructure:"batch_size_kb"`
	Linger                   time.Duration `mapstructure:"linger"`
	Keyspace                 string        `mapstructure:"keyspace"`
	MaxInflightBatchDelivery int           `mapstructure:"max_inflight_batch_delivery"`
	ShardCount               int           `mapstructure:"shard_count"`
	Scylla                   ScyllaConfig  `mapstructure:"scylladb"`
	Prometheus               string        `mapstructure:"prometheus"`
	EtcdEndpoints            []string      `mapstructure:"etcd_endpoints"`
}

// Defaults returns the configuration with every spec.md §6 default applied
// and no store/coord endpoints set.
func Defaults() *Config {
	return &Config{
		BatchLenLimit:            10,
		BatchSizeKB:              131585,
		Linger:                   10 * time.Millisecond,
		Keyspace:                 "default",
		MaxInflightBatchDelivery: 100,
		ShardCount:               256,
	}
}

// Load reads configuration from path (if non-empty) and the environment,
// layered on top of Defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := Defaults()

	v.SetDefault("batch_len_limit", cfg.BatchLenLimit)
	v.SetDefault("batch_size_kb", cfg.BatchSizeKB)
	v.SetDefault("linger", cfg.Linger)
	v.SetDefault("keyspace", cfg.Keyspace)
	v.SetDefault("max_inflight_batch_delivery", cfg.MaxInflightBatchDelivery)
	v.SetDefault("shard_count", cfg.ShardCount)

	v.SetEnvPrefix("coordinator")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading config %s: %v", coordinatorerr.ErrConfigError, path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshalling config: %v", coordinatorerr.ErrConfigError, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BatchLenLimit <= 0 {
		return fmt.Errorf("%w: batch_len_limit must be positive, got %d", coordinatorerr.ErrConfigError, c.BatchLenLimit)
	}
	if c.BatchSizeKB <= 0 {
		return fmt.Errorf("%w: batch_size_kb must be positive, got %d", coordinatorerr.ErrConfigError, c.BatchSizeKB)
	}
	if c.Linger < 0 {
		return fmt.Errorf("%w: linger must not be negative, got %s", coordinatorerr.ErrConfigError, c.Linger)
	}
	if c.MaxInflightBatchDelivery <= 0 {
		return fmt.Errorf("%w: max_inflight_batch_delivery must be positive, got %d", coordinatorerr.ErrConfigError, c.MaxInflightBatchDelivery)
	}
	if c.Keyspace == "" {
		return fmt.Errorf("%w: keyspace must not be empty", coordinatorerr.ErrConfigError)
	}
	return nil
}
