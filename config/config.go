// Package config decodes the node's TOML configuration file into the
// enumerated surface that influences the core: query timeouts, session
// memory quota, and per-table partitioning. No other option reaches the
// store, transaction manager, or router.
//
// Grounded on Dirstral/dir2mcp's config package: defaults first, then a
// TOML file merged over them via github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// TableConfig is the partitioning surface for one table: how many
// partitions it is split into, how many replicas each partition keeps,
// and which columns feed the affinity hash that picks a row's partition.
type TableConfig struct {
	PartitionCount    uint32   `toml:"partition_count"`
	ReplicationFactor uint32   `toml:"replication_factor"`
	AffinityColumns   []string `toml:"affinity_columns"`
}

// Config is the decoded node configuration.
type Config struct {
	DefaultQueryTimeoutMS   int64                  `toml:"default_query_timeout_ms"`
	SessionMemoryQuotaBytes int64                  `toml:"session_memory_quota_bytes"`
	Tables                  map[string]TableConfig `toml:"tables"`
}

// DefaultQueryTimeout returns the configured timeout as a duration.
func (c Config) DefaultQueryTimeout() time.Duration {
	return time.Duration(c.DefaultQueryTimeoutMS) * time.Millisecond
}

// TableConfig returns the partitioning surface for name, or the package
// default if name has no explicit entry.
func (c Config) TableConfig(name string) TableConfig {
	if tc, ok := c.Tables[name]; ok {
		return tc
	}
	return DefaultTableConfig()
}

// Default returns the configuration used when no config.toml is present.
func Default() Config {
	return Config{
		DefaultQueryTimeoutMS:   5000,
		SessionMemoryQuotaBytes: 64 << 20,
		Tables:                  map[string]TableConfig{},
	}
}

// DefaultTableConfig is the partitioning surface applied to any table
// without an explicit [tables.<name>] section.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		PartitionCount:    4,
		ReplicationFactor: 1,
		AffinityColumns:   []string{"key"},
	}
}

// Load reads and decodes the TOML file at path over the package
// defaults. A missing file is not an error: Load returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, errors.Wrapf(err, "config: stat %s", path)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: decode %s", path)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a configuration that would misbehave rather than
// merely underperform: a zero timeout or quota, or a table partitioned
// into zero pieces, or replicated to zero copies, or with no affinity
// columns to hash on.
func Validate(cfg Config) error {
	if cfg.DefaultQueryTimeoutMS <= 0 {
		return errors.New("config: default_query_timeout_ms must be positive")
	}
	if cfg.SessionMemoryQuotaBytes <= 0 {
		return errors.New("config: session_memory_quota_bytes must be positive")
	}
	for name, tc := range cfg.Tables {
		if tc.PartitionCount == 0 {
			return errors.Newf("config: tables.%s.partition_count must be positive", name)
		}
		if tc.ReplicationFactor == 0 {
			return errors.Newf("config: tables.%s.replication_factor must be positive", name)
		}
		if len(tc.AffinityColumns) == 0 {
			return errors.Newf("config: tables.%s.affinity_columns must name at least one column", name)
		}
	}
	return nil
}

// AffinityKey concatenates the named columns' values, in the configured
// order, into the byte string the router hashes to pick a partition.
func (tc TableConfig) AffinityKey(columns map[string][]byte) []byte {
	var key []byte
	for i, col := range tc.AffinityColumns {
		if i > 0 {
			key = append(key, 0x1f) // unit separator: keeps adjacent column values from colliding
		}
		key = append(key, columns[col]...)
	}
	return key
}

// String renders cfg for logging without leaking table contents.
func (c Config) String() string {
	return fmt.Sprintf("Config{timeout=%s quota=%dB tables=%d}", c.DefaultQueryTimeout(), c.SessionMemoryQuotaBytes, len(c.Tables))
}
