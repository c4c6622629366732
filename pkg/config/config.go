// Package config handles kernel configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --read-only, etc.)
//  2. Environment variables (NORNICDB_*)
//  3. Config file (config.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	k, err := kernel.Open(cfg)
//
// Environment Variables (all use NORNICDB_ prefix):
//
// Database:
//   - NORNICDB_DATA_DIR="./data"
//   - NORNICDB_READ_ONLY=false (NEO4J_dbms_read__only is honoured too)
//
// Transaction log:
//   - NORNICDB_TXLOG_DIR="" (defaults to <data dir>/txlog)
//   - NORNICDB_TXLOG_ROTATION_THRESHOLD="25MB"
//   - NORNICDB_TXLOG_PRUNE_ON_CHECKPOINT=true
//
// Storage:
//   - NORNICDB_STORAGE_ENGINE="memory" or "badger"
//   - NORNICDB_STORAGE_PATH="" (defaults to <data dir>/store)
//   - NORNICDB_STORAGE_SYNC_WRITES=true
//
// Logging:
//   - NORNICDB_LOG_LEVEL="info"
//   - NORNICDB_LOG_FORMAT="json" or "console"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage engine names accepted by StorageConfig.Engine.
const (
	EngineMemory = "memory"
	EngineBadger = "badger"
)

// Config holds all kernel configuration.
//
// Only Database.ReadOnly is part of the recovery contract; the remaining
// sections configure where the log and store live and how the kernel logs.
type Config struct {
	// Database settings
	Database DatabaseConfig

	// Transaction log settings
	Log LogConfig

	// Store layer settings
	Storage StorageConfig

	// Logging
	Logging LoggingConfig
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	// DataDir is the directory for data storage
	DataDir string
	// ReadOnly keeps the write-gate locked after recovery completes
	ReadOnly bool
}

// LogConfig holds transaction log settings.
type LogConfig struct {
	// Dir holds the segment files. Empty means <DataDir>/txlog.
	Dir string
	// RotationThreshold seals the active segment once it grows past this many
	// bytes. Zero disables size-based rotation.
	RotationThreshold int64
	// PruneOnCheckpoint removes sealed segments that a checkpoint made redundant.
	PruneOnCheckpoint bool
}

// StorageConfig holds store layer settings.
type StorageConfig struct {
	// Engine is "memory" or "badger"
	Engine string
	// Path for the badger engine. Empty means <DataDir>/store.
	Path string
	// InMemory runs badger without touching disk (tests)
	InMemory bool
	// SyncWrites forces badger to fsync every write
	SyncWrites bool
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level: debug, info, warn, error
	Level string
	// Format: json or console
	Format string
	// Output: stderr, stdout or a file path
	Output string
}

// LoadDefaults returns a Config populated with built-in defaults only.
func LoadDefaults() *Config {
	config := &Config{}

	config.Database.DataDir = "./data"
	config.Database.ReadOnly = false

	config.Log.Dir = ""
	config.Log.RotationThreshold = 25 * 1024 * 1024
	config.Log.PruneOnCheckpoint = true

	config.Storage.Engine = EngineBadger
	config.Storage.Path = ""
	config.Storage.InMemory = false
	config.Storage.SyncWrites = true

	config.Logging.Level = "info"
	config.Logging.Format = "json"
	config.Logging.Output = "stderr"

	return config
}

// LoadFromEnv loads defaults and then applies NORNICDB_* environment variables.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Database struct {
		DataDir  string `yaml:"data_dir"`
		ReadOnly bool   `yaml:"read_only"`
	} `yaml:"database"`

	TxLog struct {
		Dir               string `yaml:"dir"`
		RotationThreshold string `yaml:"rotation_threshold"`
		PruneOnCheckpoint *bool  `yaml:"prune_on_checkpoint"`
	} `yaml:"txlog"`

	Storage struct {
		Engine     string `yaml:"engine"`
		Path       string `yaml:"path"`
		InMemory   bool   `yaml:"in_memory"`
		SyncWrites *bool  `yaml:"sync_writes"`
	} `yaml:"storage"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`
}

// LoadFromFile loads configuration with the precedence
// defaults -> config file -> environment variables.
//
// A missing file is not an error: defaults and environment still apply.
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := applyYAML(config, data); err != nil {
				return nil, err
			}
		}
	}

	applyEnvVars(config)
	return config, nil
}

func applyYAML(config *Config, data []byte) error {
	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// === Database Settings ===
	if yamlCfg.Database.DataDir != "" {
		config.Database.DataDir = yamlCfg.Database.DataDir
	}
	if yamlCfg.Database.ReadOnly {
		config.Database.ReadOnly = true
	}

	// === Transaction Log Settings ===
	if yamlCfg.TxLog.Dir != "" {
		config.Log.Dir = yamlCfg.TxLog.Dir
	}
	if yamlCfg.TxLog.RotationThreshold != "" {
		size, err := ParseByteSize(yamlCfg.TxLog.RotationThreshold)
		if err != nil {
			return fmt.Errorf("invalid txlog.rotation_threshold: %w", err)
		}
		config.Log.RotationThreshold = size
	}
	if yamlCfg.TxLog.PruneOnCheckpoint != nil {
		config.Log.PruneOnCheckpoint = *yamlCfg.TxLog.PruneOnCheckpoint
	}

	// === Storage Settings ===
	if yamlCfg.Storage.Engine != "" {
		config.Storage.Engine = strings.ToLower(yamlCfg.Storage.Engine)
	}
	if yamlCfg.Storage.Path != "" {
		config.Storage.Path = yamlCfg.Storage.Path
	}
	if yamlCfg.Storage.InMemory {
		config.Storage.InMemory = true
	}
	if yamlCfg.Storage.SyncWrites != nil {
		config.Storage.SyncWrites = *yamlCfg.Storage.SyncWrites
	}

	// === Logging Settings ===
	if yamlCfg.Logging.Level != "" {
		config.Logging.Level = yamlCfg.Logging.Level
	}
	if yamlCfg.Logging.Format != "" {
		config.Logging.Format = yamlCfg.Logging.Format
	}
	if yamlCfg.Logging.Output != "" {
		config.Logging.Output = yamlCfg.Logging.Output
	}

	return nil
}

func applyEnvVars(config *Config) {
	// Database settings
	if v := getEnv("NORNICDB_DATA_DIR", ""); v != "" {
		config.Database.DataDir = v
	} else if v := getEnv("NEO4J_dbms_directories_data", ""); v != "" {
		config.Database.DataDir = v
	}
	// Flexible boolean parsing for read-only (supports legacy Neo4j env)
	if getEnvBool("NORNICDB_READ_ONLY", false) || getEnvBool("NEO4J_dbms_read__only", false) {
		config.Database.ReadOnly = true
	}

	// Transaction log
	if v := getEnv("NORNICDB_TXLOG_DIR", ""); v != "" {
		config.Log.Dir = v
	}
	if v := getEnv("NORNICDB_TXLOG_ROTATION_THRESHOLD", ""); v != "" {
		if size, err := ParseByteSize(v); err == nil {
			config.Log.RotationThreshold = size
		}
	}
	config.Log.PruneOnCheckpoint = getEnvBool("NORNICDB_TXLOG_PRUNE_ON_CHECKPOINT", config.Log.PruneOnCheckpoint)

	// Storage
	if v := getEnv("NORNICDB_STORAGE_ENGINE", ""); v != "" {
		config.Storage.Engine = strings.ToLower(v)
	}
	if v := getEnv("NORNICDB_STORAGE_PATH", ""); v != "" {
		config.Storage.Path = v
	}
	config.Storage.SyncWrites = getEnvBool("NORNICDB_STORAGE_SYNC_WRITES", config.Storage.SyncWrites)

	// Logging
	config.Logging.Level = getEnv("NORNICDB_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("NORNICDB_LOG_FORMAT", config.Logging.Format)
	config.Logging.Output = getEnv("NORNICDB_LOG_OUTPUT", config.Logging.Output)
}

// Validate checks the configuration for errors.
//
// Example:
//
//	if err := config.Validate(); err != nil {
//		log.Fatalf("Configuration error: %v", err)
//	}
func (c *Config) Validate() error {
	if c.Database.DataDir == "" && (c.Log.Dir == "" || (c.Storage.Engine == EngineBadger && c.Storage.Path == "")) {
		return fmt.Errorf("data directory is required")
	}
	if c.Log.RotationThreshold < 0 {
		return fmt.Errorf("invalid txlog rotation threshold: %d", c.Log.RotationThreshold)
	}
	switch c.Storage.Engine {
	case EngineMemory, EngineBadger:
	default:
		return fmt.Errorf("unknown storage engine: %q", c.Storage.Engine)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}
	return nil
}

// LogDir returns the directory holding transaction log segments.
func (c *Config) LogDir() string {
	if c.Log.Dir != "" {
		return c.Log.Dir
	}
	return filepath.Join(c.Database.DataDir, "txlog")
}

// StorePath returns the directory used by the badger store.
func (c *Config) StorePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.Database.DataDir, "store")
}

// String returns a representation of the Config suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, ReadOnly: %v, TxLog: %s (rotate at %s), Storage: %s}",
		c.Database.DataDir,
		c.Database.ReadOnly,
		c.LogDir(), FormatByteSize(c.Log.RotationThreshold),
		c.Storage.Engine,
	)
}

// FindConfigFile searches the usual locations and returns the first config
// file found, or "" when there is none.
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".nornicdb", "kernel.yaml"))
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "kernel.yaml"))
	}
	candidates = append(candidates, "kernel.yaml", "config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "nornicdb", "kernel.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

// ParseByteSize parses a human-readable size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	num := strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(num, "K"):
		multiplier = 1024
		num = strings.TrimSuffix(num, "K")
	case strings.HasSuffix(num, "M"):
		multiplier = 1024 * 1024
		num = strings.TrimSuffix(num, "M")
	case strings.HasSuffix(num, "G"):
		multiplier = 1024 * 1024 * 1024
		num = strings.TrimSuffix(num, "G")
	case strings.HasSuffix(num, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		num = strings.TrimSuffix(num, "T")
	}

	val, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if val < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return val * multiplier, nil
}

// FormatByteSize formats bytes as human-readable string.
func FormatByteSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
