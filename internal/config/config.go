// Package config loads pitchside settings from defaults, an optional config
// file, a .env file and PITCHSIDE_* environment variables, in increasing
// order of precedence. Explicit overrides (command-line flags) win over all.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/roach88/pitchside/internal/engine"
	"github.com/roach88/pitchside/internal/linking"
	"github.com/roach88/pitchside/internal/logging"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. PITCHSIDE_REMOTE_URL.
const EnvPrefix = "PITCHSIDE"

// Config is the full application configuration.
type Config struct {
	Store   StoreConfig    `mapstructure:"store" json:"store" yaml:"store"`
	Remote  RemoteConfig   `mapstructure:"remote" json:"remote" yaml:"remote"`
	Sync    engine.Config  `mapstructure:"sync" json:"sync" yaml:"sync"`
	Linking linking.Config `mapstructure:"linking" json:"linking" yaml:"linking"`
	Log     logging.Config `mapstructure:"log" json:"log" yaml:"log"`
	Notify  ListenConfig   `mapstructure:"notify" json:"notify" yaml:"notify"`
	Metrics ListenConfig   `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
	User    UserConfig     `mapstructure:"user" json:"user" yaml:"user"`
}

// StoreConfig locates the local database.
type StoreConfig struct {
	Path     string               `mapstructure:"path" json:"path" yaml:"path"`
	Recovery store.RecoveryPolicy `mapstructure:"recovery" json:"recovery" yaml:"recovery"`
}

// RemoteConfig points at the remote authority. An empty URL runs the app
// local-only.
type RemoteConfig struct {
	URL     string        `mapstructure:"url" json:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// ListenConfig is an optional HTTP listener.
type ListenConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr" yaml:"addr"`
}

// UserConfig sets the acting user. Empty means a persisted guest id.
type UserConfig struct {
	ID string `mapstructure:"id" json:"id,omitempty" yaml:"id,omitempty"`
}

// Options controls Load.
type Options struct {
	// File is an explicit config file. Empty searches for pitchside.yaml
	// (or .toml/.json) in the working directory.
	File string

	// EnvFile is a dotenv file to load. Empty loads ./.env if present.
	EnvFile string

	// Overrides are applied last, keyed like "store.path".
	Overrides map[string]any
}

func setDefaults(v *viper.Viper) {
	rp := store.DefaultRecoveryPolicy()
	v.SetDefault("store.path", "pitchside.db")
	v.SetDefault("store.recovery.attempts", rp.Attempts)
	v.SetDefault("store.recovery.initial_delay", rp.InitialDelay)
	v.SetDefault("store.recovery.max_delay", rp.MaxDelay)

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.timeout", engine.DefaultRequestTimeout)

	ec := engine.DefaultConfig()
	v.SetDefault("sync.interval", ec.Interval)
	v.SetDefault("sync.batch_size", ec.BatchSize)
	v.SetDefault("sync.request_timeout", ec.RequestTimeout)
	v.SetDefault("sync.strategy", string(ec.Strategy))
	v.SetDefault("sync.strategies", map[string]string{})
	v.SetDefault("sync.user_id", "")
	v.SetDefault("sync.retry.initial_delay", ec.Retry.InitialDelay)
	v.SetDefault("sync.retry.max_delay", ec.Retry.MaxDelay)
	v.SetDefault("sync.retry.multiplier", ec.Retry.Multiplier)
	v.SetDefault("sync.retry.max_attempts", ec.Retry.MaxAttempts)
	v.SetDefault("sync.retry.jitter", ec.Retry.Jitter)

	lc := linking.DefaultConfig()
	v.SetDefault("linking.time_window_ms", lc.TimeWindowMs)
	v.SetDefault("linking.max_links_per_event", lc.MaxLinksPerEvent)
	v.SetDefault("linking.cross_team", lc.CrossTeam)
	v.SetDefault("linking.retroactive", lc.Retroactive)
	v.SetDefault("linking.rules_file", "")

	gc := logging.DefaultConfig()
	v.SetDefault("log.level", gc.Level)
	v.SetDefault("log.format", gc.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", gc.MaxSizeMB)
	v.SetDefault("log.max_backups", gc.MaxBackups)
	v.SetDefault("log.max_age_days", gc.MaxAgeDays)
	v.SetDefault("log.compress", gc.Compress)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.addr", "127.0.0.1:8787")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9187")

	v.SetDefault("user.id", "")
}

// Default returns the configuration with no file, env or overrides.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load resolves the configuration.
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load() // .env is optional
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName("pitchside")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("config: store.path is required")
	}
	if _, err := outbox.ParseStrategy(string(c.Sync.Strategy)); err != nil {
		return fmt.Errorf("config: sync.strategy: %w", err)
	}
	for table, s := range c.Sync.Strategies {
		if _, err := outbox.ParseStrategy(string(s)); err != nil {
			return fmt.Errorf("config: sync.strategies.%s: %w", table, err)
		}
	}
	if c.Linking.TimeWindowMs <= 0 {
		return errors.New("config: linking.time_window_ms must be positive")
	}
	if c.Linking.MaxLinksPerEvent <= 0 {
		return errors.New("config: linking.max_links_per_event must be positive")
	}
	if c.Sync.Retry.MaxAttempts < 0 {
		return errors.New("config: sync.retry.max_attempts must not be negative")
	}
	return nil
}
