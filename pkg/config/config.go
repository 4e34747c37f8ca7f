// Package config loads and validates the settings a top-level database
// handle needs to open a Store (C1) and a Conglomerate (C8): where the
// data lives, how much memory the page cache gets, and what durability
// and isolation trade-offs the caller wants.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the engine's top-level configuration.
type Config struct {
	// StorageSystem names the backing Store implementation. "badger" is
	// the only value this build supports; the field exists so a future
	// Store implementation doesn't require a wire-incompatible config
	// shape change.
	StorageSystem string `json:"storage_system"`

	// DatabasePath is the directory the backing Store persists to. Empty
	// runs the store in-memory, for tests and scratch conglomerates.
	DatabasePath string `json:"database_path"`

	// DataCacheSize bounds the page cache's (C2) total held bytes.
	DataCacheSize int64 `json:"data_cache_size"`

	// MaxCacheEntrySize is validated (it may not be negative) but is not
	// passed to the store: the page cache applies no per-entry size
	// limit, only the DataCacheSize total.
	MaxCacheEntrySize int64 `json:"max_cache_entry_size"`

	ReadOnly bool `json:"read_only"`

	// IOSafetyLevel selects the store's write path: 0 runs the buffer
	// manager write-through, so every area write goes straight to Badger
	// without an fsync; 1 and 2 buffer area writes in the buffer manager
	// until Store.CheckPoint or Close; 2 also opens Badger with
	// SyncWrites. No transaction commit calls CheckPoint, so at no level
	// is a commit followed by a checkpoint or an fsync of its own.
	IOSafetyLevel int `json:"io_safety_level"`

	// TransactionErrorOnDirtySelect tightens commit validation: if set, a
	// transaction that SELECTed from a table another transaction
	// concurrently committed any change to fails its own commit with
	// CodeTransactionConflict, even if the two transactions never touched
	// the same row. Left unset, only a row this transaction itself wrote
	// that an intervening commit also touched conflicts, with
	// CodeRowConflict.
	TransactionErrorOnDirtySelect bool `json:"transaction_error_on_dirty_select"`

	// IgnoreCaseForIdentifiers is loaded and kept in Config, but no
	// component reads it: a Conglomerate compares table and column names
	// exactly, so "Orders" and "orders" name different tables.
	IgnoreCaseForIdentifiers bool `json:"ignore_case_for_identifiers"`

	Log  LogConfig  `json:"log"`
	MVCC MVCCConfig `json:"mvcc"`
}

// LogConfig configures structured logging for the engine.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or text
}

// MVCCConfig configures the commit-clock and active-transaction
// bookkeeping a Conglomerate's mvcc.Manager uses.
type MVCCConfig struct {
	GCInterval            time.Duration `json:"gc_interval"`
	GCAgeThreshold        time.Duration `json:"gc_age_threshold"`
	MaxActiveTransactions int           `json:"max_active_transactions"`
}

// DefaultConfig returns the engine's default configuration: an
// in-memory store with a modest page cache, synchronous enough for
// local development but not production durability.
func DefaultConfig() *Config {
	return &Config{
		StorageSystem:                 "badger",
		DatabasePath:                  "",
		DataCacheSize:                 64 << 20,
		MaxCacheEntrySize:             1 << 20,
		ReadOnly:                      false,
		IOSafetyLevel:                 1,
		TransactionErrorOnDirtySelect: false,
		IgnoreCaseForIdentifiers:      false,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		MVCC: MVCCConfig{
			GCInterval:            time.Minute,
			GCAgeThreshold:        10 * time.Minute,
			MaxActiveTransactions: 0,
		},
	}
}

// LoadConfig reads and validates a JSON configuration file at
// configPath, starting from DefaultConfig so an omitted field keeps its
// default rather than zeroing out. An empty configPath returns
// DefaultConfig unchanged.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigOrDefault tries an environment variable override, then a
// handful of common paths, falling back to DefaultConfig if none load.
func LoadConfigOrDefault() *Config {
	if envPath := os.Getenv("CONGL_CONFIG"); envPath != "" {
		if cfg, err := LoadConfig(envPath); err == nil {
			return cfg
		}
	}

	possiblePaths := []string{
		"congl.json",
		"./config/congl.json",
		"/etc/congl/congl.json",
	}
	for _, path := range possiblePaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if cfg, err := LoadConfig(absPath); err == nil {
			return cfg
		}
	}
	return DefaultConfig()
}

func validateConfig(cfg *Config) error {
	if cfg.StorageSystem != "badger" {
		return fmt.Errorf("unsupported storage system: %q", cfg.StorageSystem)
	}
	if cfg.DataCacheSize < 0 {
		return fmt.Errorf("data cache size cannot be negative")
	}
	if cfg.MaxCacheEntrySize < 0 {
		return fmt.Errorf("max cache entry size cannot be negative")
	}
	if cfg.IOSafetyLevel < 0 || cfg.IOSafetyLevel > 2 {
		return fmt.Errorf("invalid io safety level: %d", cfg.IOSafetyLevel)
	}
	if cfg.MVCC.MaxActiveTransactions < 0 {
		return fmt.Errorf("mvcc max active transactions cannot be negative")
	}
	return nil
}
