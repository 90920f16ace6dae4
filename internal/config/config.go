// Package config loads the hub daemon configuration.
//
// Configuration comes from an explicit file (YAML, or JSON with comments for
// .json/.jsonc files) layered over Default(), followed by any command-line
// flags the user set explicitly. Packages never read the environment
// themselves; they receive the resolved Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/hub/internal/scheduler"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DataDir holds the record store.
	DataDir string `yaml:"data_dir"`

	Storage   StorageConfig    `yaml:"storage"`
	Engine    EngineConfig     `yaml:"engine"`
	Pipelines PipelinesConfig  `yaml:"pipelines"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Log       LogConfig        `yaml:"log"`
}

// StorageConfig selects the record backend and encoding.
type StorageConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	// Format is "json" or "cbor".
	Format string `yaml:"format"`
}

// EngineConfig locates the execution engine.
type EngineConfig struct {
	// Path is the engine executable.
	Path string `yaml:"path"`
	// WorkDir is the working directory for engine invocations. Empty means
	// the daemon's own working directory.
	WorkDir string `yaml:"work_dir"`
	// Timeout bounds every engine call, e.g. "5m". Empty or "0" disables it.
	Timeout string `yaml:"timeout"`
}

// PipelinesConfig controls pipeline behaviour driven by task updates.
type PipelinesConfig struct {
	// AutoStart creates a pipeline when a task moves into in-progress.
	AutoStart bool `yaml:"auto_start"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or flag overrides a
// value.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Listen:  "127.0.0.1:7466",
		DataDir: filepath.Join(homeDir, ".hub", "data"),
		Storage: StorageConfig{
			Backend: "file",
			Format:  "json",
		},
		Engine: EngineConfig{
			Path: "./pipelines.sh",
		},
		Pipelines: PipelinesConfig{
			AutoStart: true,
		},
		Scheduler: *scheduler.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads path over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges a config file into c. JSON is a subset of YAML, so the
// yaml tags serve .json and .jsonc files once comments are stripped.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Flag names registered by RegisterFlags.
const (
	FlagListen         = "listen"
	FlagDataDir        = "data-dir"
	FlagStorageBackend = "storage-backend"
	FlagStorageFormat  = "storage-format"
	FlagEnginePath     = "engine"
	FlagEngineWorkDir  = "engine-workdir"
	FlagEngineTimeout  = "engine-timeout"
	FlagAutoStart      = "auto-start"
	FlagWorkers        = "workers"
	FlagQueueSize      = "queue-size"
	FlagLogLevel       = "log-level"
	FlagLogFormat      = "log-format"
)

// RegisterFlags defines one flag per configurable field, defaulting to
// Default().
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(FlagListen, d.Listen, "Listen address for the API server")
	fs.String(FlagDataDir, d.DataDir, "Directory holding task and pipeline records")
	fs.String(FlagStorageBackend, d.Storage.Backend, "Record backend (file, sqlite)")
	fs.String(FlagStorageFormat, d.Storage.Format, "Record encoding (json, cbor)")
	fs.String(FlagEnginePath, d.Engine.Path, "Path to the execution engine")
	fs.String(FlagEngineWorkDir, d.Engine.WorkDir, "Working directory for engine invocations")
	fs.String(FlagEngineTimeout, d.Engine.Timeout, "Timeout for each engine call (e.g. 5m)")
	fs.Bool(FlagAutoStart, d.Pipelines.AutoStart, "Start a pipeline when a task moves to in-progress")
	fs.Int(FlagWorkers, d.Scheduler.GlobalMax, "Concurrent auto-start workers")
	fs.Int(FlagQueueSize, d.Scheduler.QueueSize, "Pending auto-start events before new ones are dropped")
	fs.String(FlagLogLevel, d.Log.Level, "Log level (debug, info, warn, error)")
	fs.String(FlagLogFormat, d.Log.Format, "Log format (text, json)")
}

// Resolve builds the effective configuration: Default(), then the file at
// path when non-empty, then every flag in fs that was set explicitly.
func Resolve(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if fs != nil {
		if err := cfg.applyFlags(fs); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case FlagListen:
			c.Listen, err = fs.GetString(f.Name)
		case FlagDataDir:
			c.DataDir, err = fs.GetString(f.Name)
		case FlagStorageBackend:
			c.Storage.Backend, err = fs.GetString(f.Name)
		case FlagStorageFormat:
			c.Storage.Format, err = fs.GetString(f.Name)
		case FlagEnginePath:
			c.Engine.Path, err = fs.GetString(f.Name)
		case FlagEngineWorkDir:
			c.Engine.WorkDir, err = fs.GetString(f.Name)
		case FlagEngineTimeout:
			c.Engine.Timeout, err = fs.GetString(f.Name)
		case FlagAutoStart:
			c.Pipelines.AutoStart, err = fs.GetBool(f.Name)
		case FlagWorkers:
			c.Scheduler.GlobalMax, err = fs.GetInt(f.Name)
		case FlagQueueSize:
			c.Scheduler.QueueSize, err = fs.GetInt(f.Name)
		case FlagLogLevel:
			c.Log.Level, err = fs.GetString(f.Name)
		case FlagLogFormat:
			c.Log.Format, err = fs.GetString(f.Name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("flag --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// EngineTimeout parses Engine.Timeout. An empty value means no timeout.
func (c *Config) EngineTimeout() (time.Duration, error) {
	if c.Engine.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Engine.Timeout)
	if err != nil {
		return 0, fmt.Errorf("engine.timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("engine.timeout must not be negative")
	}
	return d, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("invalid storage.backend: %q", c.Storage.Backend))
	}
	switch c.Storage.Format {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("invalid storage.format: %q", c.Storage.Format))
	}
	if c.Engine.Path == "" {
		errs = append(errs, fmt.Errorf("engine.path is required"))
	}
	if _, err := c.EngineTimeout(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.GlobalMax < 1 {
		errs = append(errs, fmt.Errorf("scheduler.global_max must be at least 1"))
	}
	if c.Scheduler.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("scheduler.queue_size must be at least 1"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
