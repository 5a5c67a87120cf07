// Package config loads prefabcore configuration.
//
// Values start from Default, are merged with the YAML file named by the
// path argument or PREFABCORE_CONFIG, and finally overridden by individual
// PREFABCORE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"prefabcore/internal/blob"
	"prefabcore/internal/core"
)

// Environment variables read by Load in addition to those owned by the
// core and blob packages.
const (
	EnvConfig          = "PREFABCORE_CONFIG"
	EnvLogLevel        = "PREFABCORE_LOG_LEVEL"
	EnvLogFormat       = "PREFABCORE_LOG_FORMAT"
	EnvHistoryLimit    = "PREFABCORE_HISTORY_LIMIT"
	EnvMaxNestingDepth = "PREFABCORE_MAX_NESTING_DEPTH"
)

// Config is the complete prefabcore configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Blob    blob.Config   `yaml:"blob"`
	Log     LogConfig     `yaml:"log"`
	History HistoryConfig `yaml:"history"`
	Rules   RulesConfig   `yaml:"rules"`
}

// StorageConfig selects the template store backend.
type StorageConfig struct {
	Driver      core.StorageDriver `yaml:"driver"`
	SQLitePath  string             `yaml:"sqlite_path"`
	PostgresDSN string             `yaml:"postgres_dsn"`
}

// Target returns the sqlite path or postgres DSN for the selected driver.
func (s StorageConfig) Target() string {
	switch s.Driver {
	case core.StorageSQLite:
		return s.SQLitePath
	case core.StoragePostgres:
		return s.PostgresDSN
	}
	return ""
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// HistoryConfig bounds the undo stack. Zero keeps every command.
type HistoryConfig struct {
	Limit int `yaml:"limit"`
}

// RulesConfig tunes the built-in rules.
type RulesConfig struct {
	// MaxNestingDepth is the depth above which link changes raise a warning.
	// Zero disables the check.
	MaxNestingDepth int `yaml:"max_nesting_depth"`
}

// Default returns the configuration used when no file or environment
// variable says otherwise.
func Default() Config {
	return Config{
		Storage: StorageConfig{Driver: core.StorageMemory, SQLitePath: "prefabcore.db"},
		Blob:    blob.Config{Driver: blob.DriverFilesystem, FSRoot: "./blobdata"},
		Log:     LogConfig{Level: "info", Format: "text"},
		History: HistoryConfig{Limit: 100},
		Rules:   RulesConfig{MaxNestingDepth: core.DefaultMaxNestingDepth},
	}
}

// Load builds the configuration. An empty path falls back to
// PREFABCORE_CONFIG; when both are empty no file is read.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode merges YAML data into c. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(core.EnvStorageDriver); v != "" {
		c.Storage.Driver = core.StorageDriver(strings.ToLower(v))
	}
	if v := os.Getenv(core.EnvSQLitePath); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv(core.EnvPostgresDSN); v != "" {
		c.Storage.PostgresDSN = v
	}
	c.Blob = blob.ConfigFromEnv(c.Blob)
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	if err := envInt(EnvHistoryLimit, &c.History.Limit); err != nil {
		return err
	}
	return envInt(EnvMaxNestingDepth, &c.Rules.MaxNestingDepth)
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "", core.StorageMemory:
	case core.StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path required for sqlite driver")
		}
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			return errors.New("blob.s3.bucket required for s3 driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.History.Limit < 0 {
		return fmt.Errorf("history.limit must not be negative, got %d", c.History.Limit)
	}
	if c.Rules.MaxNestingDepth < 0 {
		return fmt.Errorf("rules.max_nesting_depth must not be negative, got %d", c.Rules.MaxNestingDepth)
	}
	return nil
}

// ParseLevel maps a level name to its slog level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if name == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// RulesEngine builds the rules engine the configuration describes.
func (c Config) RulesEngine() *core.RulesEngine {
	engine := core.NewRulesEngine()
	engine.Register(core.LinkCycleRule())
	if c.Rules.MaxNestingDepth > 0 {
		engine.Register(core.NestingDepthRule(c.Rules.MaxNestingDepth))
	}
	return engine
}
