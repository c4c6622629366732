// Package config tests for kernel configuration.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadFromEnv_Defaults tests default values are loaded correctly.
func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnvVars(t)

	cfg := LoadFromEnv()

	if cfg.Database.DataDir != "./data" {
		t.Errorf("expected data dir './data', got %q", cfg.Database.DataDir)
	}
	if cfg.Database.ReadOnly {
		t.Error("expected ReadOnly to be false by default")
	}
	if cfg.Log.RotationThreshold != 25*1024*1024 {
		t.Errorf("expected rotation threshold 25MB, got %d", cfg.Log.RotationThreshold)
	}
	if !cfg.Log.PruneOnCheckpoint {
		t.Error("expected PruneOnCheckpoint to be true by default")
	}
	if cfg.Storage.Engine != EngineBadger {
		t.Errorf("expected engine %q, got %q", EngineBadger, cfg.Storage.Engine)
	}
	if !cfg.Storage.SyncWrites {
		t.Error("expected SyncWrites to be true by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected log format 'json', got %q", cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

// TestLoadFromEnv_Overrides tests NORNICDB_* variables override defaults.
func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("NORNICDB_DATA_DIR", "/var/lib/kernel")
	t.Setenv("NORNICDB_READ_ONLY", "yes")
	t.Setenv("NORNICDB_TXLOG_DIR", "/var/log/kernel")
	t.Setenv("NORNICDB_TXLOG_ROTATION_THRESHOLD", "4MB")
	t.Setenv("NORNICDB_TXLOG_PRUNE_ON_CHECKPOINT", "false")
	t.Setenv("NORNICDB_STORAGE_ENGINE", "MEMORY")
	t.Setenv("NORNICDB_STORAGE_SYNC_WRITES", "0")
	t.Setenv("NORNICDB_LOG_LEVEL", "debug")
	t.Setenv("NORNICDB_LOG_FORMAT", "console")

	cfg := LoadFromEnv()

	if cfg.Database.DataDir != "/var/lib/kernel" {
		t.Errorf("expected data dir override, got %q", cfg.Database.DataDir)
	}
	if !cfg.Database.ReadOnly {
		t.Error("expected ReadOnly to be true")
	}
	if cfg.LogDir() != "/var/log/kernel" {
		t.Errorf("expected log dir override, got %q", cfg.LogDir())
	}
	if cfg.Log.RotationThreshold != 4*1024*1024 {
		t.Errorf("expected 4MB threshold, got %d", cfg.Log.RotationThreshold)
	}
	if cfg.Log.PruneOnCheckpoint {
		t.Error("expected PruneOnCheckpoint to be false")
	}
	if cfg.Storage.Engine != EngineMemory {
		t.Errorf("expected memory engine, got %q", cfg.Storage.Engine)
	}
	if cfg.Storage.SyncWrites {
		t.Error("expected SyncWrites to be false")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}
}

// TestLoadFromEnv_LegacyReadOnly tests the Neo4j-style read-only variable.
func TestLoadFromEnv_LegacyReadOnly(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("NEO4J_dbms_read__only", "true")

	cfg := LoadFromEnv()
	if !cfg.Database.ReadOnly {
		t.Error("expected NEO4J_dbms_read__only to enable read-only mode")
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnvVars(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	content := `
database:
  data_dir: /srv/graph
  read_only: true
txlog:
  rotation_threshold: 512KB
  prune_on_checkpoint: false
storage:
  engine: memory
logging:
  level: warn
  format: console
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Database.DataDir != "/srv/graph" {
		t.Errorf("expected data dir from file, got %q", cfg.Database.DataDir)
	}
	if !cfg.Database.ReadOnly {
		t.Error("expected read_only from file")
	}
	if cfg.Log.RotationThreshold != 512*1024 {
		t.Errorf("expected 512KB threshold, got %d", cfg.Log.RotationThreshold)
	}
	if cfg.Log.PruneOnCheckpoint {
		t.Error("expected prune_on_checkpoint false from file")
	}
	if cfg.LogDir() != filepath.Join("/srv/graph", "txlog") {
		t.Errorf("expected default log dir under data dir, got %q", cfg.LogDir())
	}
	if cfg.StorePath() != filepath.Join("/srv/graph", "store") {
		t.Errorf("expected default store path under data dir, got %q", cfg.StorePath())
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn level, got %q", cfg.Logging.Level)
	}
}

// TestLoadFromFile_EnvWins tests environment variables override the file.
func TestLoadFromFile_EnvWins(t *testing.T) {
	clearEnvVars(t)

	path := filepath.Join(t.TempDir(), "kernel.yaml")
	if err := os.WriteFile(path, []byte("database:\n  data_dir: /from/file\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NORNICDB_DATA_DIR", "/from/env")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Database.DataDir != "/from/env" {
		t.Errorf("expected env to win, got %q", cfg.Database.DataDir)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	clearEnvVars(t)

	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults, got %v", err)
	}
	if cfg.Database.DataDir != "./data" {
		t.Errorf("expected defaults, got %q", cfg.Database.DataDir)
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	clearEnvVars(t)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("database: [unterminated"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("expected parse error")
	}

	size := filepath.Join(dir, "size.yaml")
	if err := os.WriteFile(size, []byte("txlog:\n  rotation_threshold: lots\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := LoadFromFile(size)
	if err == nil || !strings.Contains(err.Error(), "rotation_threshold") {
		t.Errorf("expected rotation_threshold error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"memory engine", func(c *Config) { c.Storage.Engine = EngineMemory }, false},
		{"unknown engine", func(c *Config) { c.Storage.Engine = "rocks" }, true},
		{"negative threshold", func(c *Config) { c.Log.RotationThreshold = -1 }, true},
		{"zero threshold", func(c *Config) { c.Log.RotationThreshold = 0 }, false},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"no data dir", func(c *Config) { c.Database.DataDir = "" }, true},
		{"explicit dirs", func(c *Config) {
			c.Database.DataDir = ""
			c.Log.Dir = "/a"
			c.Storage.Path = "/b"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"", 0},
		{"1024", 1024},
		{"1KB", 1024},
		{"2k", 2048},
		{"25MB", 25 * 1024 * 1024},
		{"1G", 1024 * 1024 * 1024},
		{" 3 MB ", 3 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if err != nil {
			t.Errorf("ParseByteSize(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"abc", "MB", "-5MB"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Errorf("ParseByteSize(%q) expected error", bad)
		}
	}
}

func TestFormatByteSize(t *testing.T) {
	if got := FormatByteSize(512); got != "512 B" {
		t.Errorf("got %q", got)
	}
	if got := FormatByteSize(25 * 1024 * 1024); got != "25.00 MB" {
		t.Errorf("got %q", got)
	}
}

func TestConfigString(t *testing.T) {
	cfg := LoadDefaults()
	s := cfg.String()
	if !strings.Contains(s, "ReadOnly: false") || !strings.Contains(s, "badger") {
		t.Errorf("unexpected String(): %s", s)
	}
}

// clearEnvVars unsets every variable the loader reads for the duration of the test.
func clearEnvVars(t *testing.T) {
	t.Helper()
	envVars := []string{
		"NEO4J_dbms_directories_data",
		"NEO4J_dbms_read__only",
		"NORNICDB_DATA_DIR",
		"NORNICDB_READ_ONLY",
		"NORNICDB_TXLOG_DIR",
		"NORNICDB_TXLOG_ROTATION_THRESHOLD",
		"NORNICDB_TXLOG_PRUNE_ON_CHECKPOINT",
		"NORNICDB_STORAGE_ENGINE",
		"NORNICDB_STORAGE_PATH",
		"NORNICDB_STORAGE_SYNC_WRITES",
		"NORNICDB_LOG_LEVEL",
		"NORNICDB_LOG_FORMAT",
		"NORNICDB_LOG_OUTPUT",
	}
	for _, key := range envVars {
		// t.Setenv registers restoration; the empty value is treated as unset.
		t.Setenv(key, "")
	}
}
