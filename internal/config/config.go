// Package config loads the process configuration from defaults,
// an optional YAML file, and QUARRY_-prefixed environment variables,
// in ascending precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/quarryhq/quarry/pkg/job"
	"github.com/quarryhq/quarry/pkg/naming"
)

// Config is the effective process configuration.
type Config struct {
	Downloads DownloadsConfig `mapstructure:"downloads" yaml:"downloads"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	S3        S3Config        `mapstructure:"s3" yaml:"s3"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// DownloadsConfig covers scheduling and the default download policy.
type DownloadsConfig struct {
	// SaveTo is the default destination directory.
	SaveTo string `mapstructure:"save_to" yaml:"save_to"`

	// ConcurrencyLimit bounds simultaneously active jobs.
	ConcurrencyLimit int `mapstructure:"concurrency_limit" yaml:"concurrency_limit"`

	// Autostart dispatches submitted jobs immediately.
	Autostart bool `mapstructure:"autostart" yaml:"autostart"`

	// NamingPattern is the default filename template. Empty selects the
	// built-in per-kind defaults.
	NamingPattern string `mapstructure:"naming_pattern" yaml:"naming_pattern"`

	// NamingPatterns overrides NamingPattern per job kind ("single",
	// "gallery").
	NamingPatterns map[string]string `mapstructure:"naming_patterns" yaml:"naming_patterns"`

	// OverwriteMode is skip, overwrite, or rename.
	OverwriteMode string `mapstructure:"overwrite_mode" yaml:"overwrite_mode"`

	// AcceptTypes are default accept patterns applied to every job.
	AcceptTypes []string `mapstructure:"accept_types" yaml:"accept_types"`
}

// CacheConfig locates the durable job cache.
type CacheConfig struct {
	// Path is the cache file location.
	Path string `mapstructure:"path" yaml:"path"`
}

// HTTPConfig tunes the http provider.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

// S3Config tunes the s3 provider. Credentials come from the AWS default
// chain; only non-secret knobs live in the config file.
type S3Config struct {
	Region         string `mapstructure:"region" yaml:"region"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile        string `mapstructure:"profile" yaml:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
	MaxKeys        int    `mapstructure:"max_keys" yaml:"max_keys"`
}

// LoggingConfig controls the CLI logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// JobOptions converts the download defaults into per-job options.
func (c *Config) JobOptions() job.Options {
	return job.Options{
		SaveTo:         c.Downloads.SaveTo,
		AcceptTypes:    c.Downloads.AcceptTypes,
		OverwriteMode:  naming.OverwriteMode(c.Downloads.OverwriteMode),
		NamingPattern:  c.Downloads.NamingPattern,
		NamingPatterns: c.Downloads.NamingPatterns,
	}
}

// Validate checks cross-field constraints not expressible per field.
func (c *Config) Validate() error {
	if c.Downloads.ConcurrencyLimit < 0 {
		return fmt.Errorf("downloads.concurrency_limit must not be negative")
	}
	if _, err := naming.ParseOverwriteMode(c.Downloads.OverwriteMode); err != nil {
		return fmt.Errorf("downloads.overwrite_mode: %w", err)
	}
	return nil
}

const envPrefix = "QUARRY"

// DefaultPath returns the default config file location under the user
// config directory, or empty when that cannot be determined.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "quarry", "config.yaml")
}

// DefaultCachePath returns the default job cache location.
func DefaultCachePath() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "quarry", "jobs.json")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("downloads.save_to", defaultSaveTo())
	v.SetDefault("downloads.concurrency_limit", 3)
	v.SetDefault("downloads.autostart", true)
	v.SetDefault("downloads.naming_pattern", "")
	v.SetDefault("downloads.naming_patterns", map[string]string{})
	v.SetDefault("downloads.overwrite_mode", "rename")
	v.SetDefault("downloads.accept_types", []string{})

	v.SetDefault("cache.path", DefaultCachePath())

	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.timeout", "0s")
	v.SetDefault("http.requests_per_second", 0.0)
	v.SetDefault("http.burst", 0)

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.force_path_style", false)
	v.SetDefault("s3.max_keys", 0)

	v.SetDefault("logging.level", "info")
}

func defaultSaveTo() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return filepath.Join(home, "Downloads", "quarry")
}

// Load builds the effective configuration. path selects an explicit
// config file; empty tries DefaultPath and tolerates its absence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			// A missing default file is fine; an explicit one must exist.
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
