// Package config implements the image table module's process-wide
// configuration: logging, metrics, and cache directory settings, loaded
// from defaults, a YAML file, and environment variables, in that order of
// increasing precedence (CLI flags, layered on top by cmd/imagetablectl,
// take highest precedence of all). See Load for which keys environment
// variables can set.
//
// Structure and precedence are grounded on the reference codebase's
// pkg/config: viper for file/env layering, mapstructure decode hooks for
// human-readable durations, go-playground/validator for field validation,
// yaml.v3 for on-disk serialization. Sections the reference codebase
// carries for its NFS/SMB server and control-plane database (Database,
// ControlPlane, Admin, Lock, Kerberos, Telemetry) have no counterpart here
// and are dropped rather than carried as dead struct fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the top-level, validated configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
}

// LoggingConfig controls internal/logger's output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig holds the metrics settings. Neither field is read by
// pkg/metrics or cmd/imagetablectl; pkg/metrics is switched on only by
// metrics.SetEnabled.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// CacheConfig controls where image tables are opened (SPEC_FULL.md §6
// directory resolution) and the namespace subpath under it.
type CacheConfig struct {
	// Namespace subdirectories tables under <caches_root>/ImageTables/<namespace>/.
	Namespace string `mapstructure:"namespace" validate:"required" yaml:"namespace"`

	// Directory is an explicit override; if empty, directory resolution
	// falls through to UseCacheDirectory.
	Directory string `mapstructure:"directory" yaml:"directory,omitempty"`

	// UseCacheDirectory selects the platform cache directory (true,
	// default) vs. a persistent app-support directory (false).
	UseCacheDirectory bool `mapstructure:"use_cache_directory" yaml:"use_cache_directory"`

	// PersistBatchInterval is loaded and validated but not read by
	// pkg/imagetable, which persists sidecars by mutation count only.
	PersistBatchInterval time.Duration `mapstructure:"persist_batch_interval" yaml:"persist_batch_interval"`
}

const envPrefix = "IMAGETABLE"

// Load reads configuration from configPath (if non-empty and present),
// fills fields left unset with defaults, then validates the result.
// Environment variables (IMAGETABLE_*) override keys that the config file
// sets, plus cache.use_cache_directory; other keys are not read from the
// environment, and without a config file every other field takes its
// default.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}
	ApplyDefaults(cfg)
	// ApplyDefaults cannot tell an explicit false from an unset bool, so an
	// explicit use_cache_directory (file or env) is applied afterwards.
	if v.IsSet("cache.use_cache_directory") {
		cfg.Cache.UseCacheDirectory = v.GetBool("cache.use_cache_directory")
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

// durationDecodeHook lets "persist_batch_interval: 5s" in YAML or
// IMAGETABLE_CACHE_PERSIST_BATCH_INTERVAL=5s decode into a time.Duration,
// mirroring the reference codebase's mapstructure duration hook.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "imagetable")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "imagetable")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// ResolveDirectory applies SPEC_FULL.md §6's directory precedence: an
// explicit override, then a persistent app-support path (when
// use_cache_directory is false), then the platform cache directory
// (default), sub-pathed ImageTables/<namespace>.
func (c *CacheConfig) ResolveDirectory() (string, error) {
	if c.Directory != "" {
		return c.Directory, nil
	}

	var root string
	var err error
	if c.UseCacheDirectory {
		root, err = os.UserCacheDir()
	} else {
		root, err = os.UserHomeDir()
	}
	if err != nil {
		return "", fmt.Errorf("config: resolve cache directory: %w", err)
	}
	return filepath.Join(root, "ImageTables", c.Namespace), nil
}
