// Package config provides configuration management for updatersync.
//
// Configuration is loaded from three sources with the following precedence
// (highest to lowest):
//  1. CLI flags
//  2. Environment variables (UPDATERSYNC_ prefix)
//  3. Config file (.updatersync.yaml in the working directory or
//     updatersync/.updatersync.yaml in the XDG config home)
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Supported log levels.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Supported log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Supported default content roots.
const (
	ContentRootQueue    = "queue"
	ContentRootRegistry = "registry"
)

// Config represents the global configuration for updatersync.
type Config struct {
	// LogLevel controls the verbosity of log output.
	// Valid values: debug, info, warn, error.
	LogLevel string `mapstructure:"log-level" json:"logLevel"`

	// LogFormat controls the format of log output.
	// Valid values: text, json.
	LogFormat string `mapstructure:"log-format" json:"logFormat"`

	// NoColor disables colored output.
	NoColor bool `mapstructure:"no-color" json:"noColor"`

	// Quiet suppresses all log output below error level.
	Quiet bool `mapstructure:"quiet" json:"quiet"`

	// Sync configures watching and the registry.
	Sync SyncConfig `mapstructure:"sync" json:"sync"`

	// ConfigFile is the resolved path to the config file used.
	// Set after Load(), not read from config itself.
	ConfigFile string `mapstructure:"-" json:"-"`
}

// SyncConfig configures which directories are watched and how changes
// reach the registry.
type SyncConfig struct {
	// ProjectBaseDir contains the watched modules. Watching is disabled
	// when it is empty.
	ProjectBaseDir string `mapstructure:"project-base-dir" json:"projectBaseDir"`

	// WatchedModules are module directories relative to ProjectBaseDir.
	WatchedModules []string `mapstructure:"watched-modules" json:"watchedModules"`

	// IncludedFiles are glob patterns for file names that are watched.
	IncludedFiles []string `mapstructure:"included-files" json:"includedFiles"`

	// ExcludedDirectories are glob patterns for directory names that are
	// skipped with their subtree.
	ExcludedDirectories []string `mapstructure:"excluded-directories" json:"excludedDirectories"`

	// UseWatchServiceOnOSNames lists OS name patterns on which OS change
	// notifications replace polling.
	UseWatchServiceOnOSNames []string `mapstructure:"use-watch-service-on-os-names" json:"useWatchServiceOnOsNames"`

	// WatchDelay is the polling interval.
	WatchDelay time.Duration `mapstructure:"watch-delay" json:"watchDelay"`

	// QuietWindow is how long OS notifications are collected after the
	// last one before they are processed.
	QuietWindow time.Duration `mapstructure:"quiet-window" json:"quietWindow"`

	// Debounce is the quiet period after which collected changes are
	// applied as one batch.
	Debounce time.Duration `mapstructure:"debounce" json:"debounce"`

	// MaxFileLength is the largest script size in bytes. Zero disables
	// the limit.
	MaxFileLength int64 `mapstructure:"max-file-length" json:"maxFileLength"`

	// DefaultContentRoot is used for scripts without @Bootstrap.
	DefaultContentRoot string `mapstructure:"default-content-root" json:"defaultContentRoot"`

	// StoreFile is the registry file. Relative paths resolve against
	// ProjectBaseDir; empty means .updatersync/registry.yaml there.
	StoreFile string `mapstructure:"store-file" json:"storeFile"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:  LogLevelInfo,
		LogFormat: LogFormatText,
		NoColor:   false,
		Quiet:     false,
		Sync:      DefaultSync(),
	}
}

// DefaultSync returns the default sync section.
func DefaultSync() SyncConfig {
	return SyncConfig{
		WatchedModules:           []string{},
		IncludedFiles:            []string{"*.groovy", "*.json", "*.yaml", "*.yml"},
		ExcludedDirectories:      []string{},
		UseWatchServiceOnOSNames: []string{},
		WatchDelay:               500 * time.Millisecond,
		QuietWindow:              100 * time.Millisecond,
		Debounce:                 500 * time.Millisecond,
		MaxFileLength:            256 * 1024,
		DefaultContentRoot:       ContentRootQueue,
	}
}

// Validate checks that all config values are valid.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		// valid
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.LogLevel)
	}

	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
		// valid
	default:
		return fmt.Errorf("invalid log format %q: must be one of text, json", c.LogFormat)
	}

	return c.Sync.Validate()
}

// Validate checks the sync section.
func (s *SyncConfig) Validate() error {
	var errs []error

	for name, d := range map[string]time.Duration{
		"watch-delay":  s.WatchDelay,
		"quiet-window": s.QuietWindow,
		"debounce":     s.Debounce,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid sync.%s %s: must be positive", name, d))
		}
	}

	if s.MaxFileLength < 0 {
		errs = append(errs, fmt.Errorf("invalid sync.max-file-length %d: must not be negative", s.MaxFileLength))
	}

	switch s.DefaultContentRoot {
	case ContentRootQueue, ContentRootRegistry:
		// valid
	default:
		errs = append(errs, fmt.Errorf("invalid sync.default-content-root %q: must be one of queue, registry", s.DefaultContentRoot))
	}

	for _, m := range s.WatchedModules {
		if filepath.IsAbs(m) || strings.HasPrefix(filepath.Clean(m), "..") {
			errs = append(errs, fmt.Errorf("invalid sync.watched-modules entry %q: must be relative to the project base dir", m))
		}
	}

	return errors.Join(errs...)
}

// StorePath returns the absolute or base-relative registry file path.
func (s *SyncConfig) StorePath() string {
	switch {
	case s.StoreFile == "":
		return filepath.Join(s.ProjectBaseDir, ".updatersync", "registry.yaml")
	case filepath.IsAbs(s.StoreFile):
		return s.StoreFile
	default:
		return filepath.Join(s.ProjectBaseDir, s.StoreFile)
	}
}

// EffectiveLogLevel returns the log level to use. When Quiet is true the log
// level is overridden to "error" regardless of the configured LogLevel.
func (c *Config) EffectiveLogLevel() string {
	if c.Quiet {
		return LogLevelError
	}

	return c.LogLevel
}

// Load initialises configuration from flags, environment variables, and an
// optional config file. A fresh viper instance is used on every call so that
// Load is safe for concurrent tests.
func Load(cmd *cobra.Command, configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	configureEnv(v)

	if err := configureFile(v, configFile); err != nil {
		return nil, err
	}

	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Store the resolved config file path so downstream code can locate it.
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", LogLevelInfo)
	v.SetDefault("log-format", LogFormatText)
	v.SetDefault("no-color", false)
	v.SetDefault("quiet", false)

	def := DefaultSync()
	v.SetDefault("sync.project-base-dir", "")
	v.SetDefault("sync.watched-modules", def.WatchedModules)
	v.SetDefault("sync.included-files", def.IncludedFiles)
	v.SetDefault("sync.excluded-directories", def.ExcludedDirectories)
	v.SetDefault("sync.use-watch-service-on-os-names", def.UseWatchServiceOnOSNames)
	v.SetDefault("sync.watch-delay", def.WatchDelay)
	v.SetDefault("sync.quiet-window", def.QuietWindow)
	v.SetDefault("sync.debounce", def.Debounce)
	v.SetDefault("sync.max-file-length", def.MaxFileLength)
	v.SetDefault("sync.default-content-root", def.DefaultContentRoot)
	v.SetDefault("sync.store-file", "")
}

// configureEnv sets up environment variable support.
func configureEnv(v *viper.Viper) {
	v.SetEnvPrefix("UPDATERSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
}

// configureFile sets up the config file source.
func configureFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)

		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %q: %w", configFile, err)
		}

		return nil
	}

	// Auto-discovery mode.
	v.SetConfigName(".updatersync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AddConfigPath(filepath.Join(xdg.ConfigHome, "updatersync"))

	if err := v.ReadInConfig(); err != nil {
		// No config file found → perfectly fine in auto-discovery.
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}

		// Found a file but it was malformed.
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// syncFlags maps command flags to keys of the sync section.
var syncFlags = map[string]string{
	"base-dir":     "sync.project-base-dir",
	"module":       "sync.watched-modules",
	"include":      "sync.included-files",
	"exclude-dir":  "sync.excluded-directories",
	"watch-os":     "sync.use-watch-service-on-os-names",
	"watch-delay":  "sync.watch-delay",
	"quiet-window": "sync.quiet-window",
	"debounce":     "sync.debounce",
	"max-length":   "sync.max-file-length",
	"content-root": "sync.default-content-root",
	"store-file":   "sync.store-file",
}

// bindFlags walks from cmd up to the root and binds all PersistentFlags.
// Flags named in syncFlags bind to their sync key instead.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	if cmd == nil {
		return nil
	}

	// Bind the current command's own flags.
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	for name, key := range syncFlags {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	// Walk up to root and bind all persistent flags at each level.
	for c := cmd; c != nil; c = c.Parent() {
		if err := v.BindPFlags(c.PersistentFlags()); err != nil {
			return fmt.Errorf("binding persistent flags: %w", err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

type ctxKey struct{}

// NewContext returns a child context carrying cfg.
func NewContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, ctxKey{}, cfg)
}

// FromContext extracts a Config from ctx, falling back to Default().
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(ctxKey{}).(*Config); ok {
		return cfg
	}

	return Default()
}
