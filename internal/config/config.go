// Package config loads quill settings from a YAML or TOML file, QUILL_*
// environment variables and defaults, in increasing order of precedence:
// defaults < file < environment < flags bound by the CLI.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. QUILL_SERVER_ADDR.
const EnvPrefix = "QUILL"

// Config is the full quill configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	DB           DBConfig           `mapstructure:"db"`
	Replica      ReplicaConfig      `mapstructure:"replica"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Generator    GeneratorConfig    `mapstructure:"generator"`
	Templates    TemplatesConfig    `mapstructure:"templates"`
	Publish      PublishConfig      `mapstructure:"publish"`
	Log          LogConfig          `mapstructure:"log"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	SnapshotMaxAge time.Duration `mapstructure:"snapshot_max_age"`
	QueueSize      int           `mapstructure:"queue_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type AuthConfig struct {
	RequireRole bool `mapstructure:"require_role"`
}

// DBConfig selects the server store backend: "sqlite" (Path) or
// "postgres" (DSN).
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type ReplicaConfig struct {
	Server   string        `mapstructure:"server"`
	Path     string        `mapstructure:"path"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type OrchestratorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// GeneratorConfig selects the content generator: "anthropic" or "static".
type GeneratorConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
	APIKey    string `mapstructure:"api_key"`
}

type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

// PublishConfig enables publishers; an empty section leaves it disabled.
type PublishConfig struct {
	RetryFor time.Duration `mapstructure:"retry_for"`
	Git      GitConfig     `mapstructure:"git"`
	S3       S3Config      `mapstructure:"s3"`
	Redis    RedisConfig   `mapstructure:"redis"`
	Meili    MeiliConfig   `mapstructure:"meili"`
}

type GitConfig struct {
	Dir string `mapstructure:"dir"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	BaseURL   string `mapstructure:"base_url"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type MeiliConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Index  string `mapstructure:"index"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type TelemetryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

var defaults = map[string]any{
	"server.addr":              ":8080",
	"server.snapshot_max_age":  5 * time.Second,
	"server.queue_size":        256,
	"server.write_timeout":     5 * time.Second,
	"auth.require_role":        false,
	"db.driver":                "sqlite",
	"db.path":                  ".quill/quill.db",
	"db.dsn":                   "",
	"replica.server":           "http://localhost:8080",
	"replica.path":             ".quill/replica.db",
	"replica.debounce":         100 * time.Millisecond,
	"orchestrator.enabled":     true,
	"orchestrator.interval":    5 * time.Second,
	"orchestrator.stale_after": 10 * time.Minute,
	"generator.provider":       "anthropic",
	"generator.model":          "claude-sonnet-4-5",
	"generator.max_tokens":     4096,
	"generator.api_key":        "",
	"templates.dir":            "",
	"publish.retry_for":        30 * time.Second,
	"publish.git.dir":          "",
	"publish.s3.endpoint":      "",
	"publish.s3.access_key":    "",
	"publish.s3.secret_key":    "",
	"publish.s3.bucket":        "",
	"publish.s3.prefix":        "",
	"publish.s3.use_ssl":       true,
	"publish.s3.base_url":      "",
	"publish.redis.url":        "",
	"publish.redis.stream":     "quill:deployed",
	"publish.meili.url":        "",
	"publish.meili.api_key":    "",
	"publish.meili.index":      "quill_posts",
	"log.file":                 "",
	"log.max_size_mb":          50,
	"log.max_backups":          3,
	"log.max_age_days":         28,
	"log.compress":             false,
	"telemetry.enabled":        false,
	"telemetry.interval":       15 * time.Second,
}

// New returns a viper instance with defaults and environment overrides set.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, or quill.yaml/quill.toml from the
// working directory or $HOME/.config/quill when path is empty. A missing
// default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quill")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/quill")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the current settings of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("db.path is required for the sqlite driver")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q (want sqlite or postgres)", c.DB.Driver)
	}
	switch c.Generator.Provider {
	case "anthropic", "static":
	default:
		return fmt.Errorf("unknown generator.provider %q (want anthropic or static)", c.Generator.Provider)
	}
	if c.Orchestrator.Interval <= 0 {
		return fmt.Errorf("orchestrator.interval must be positive")
	}
	if c.Orchestrator.StaleAfter <= 0 {
		return fmt.Errorf("orchestrator.stale_after must be positive")
	}
	if c.Server.QueueSize <= 0 {
		return fmt.Errorf("server.queue_size must be positive")
	}
	return nil
}

// Watch calls fn with the reloaded config whenever the config file changes.
// Invalid edits are reported through onError and otherwise ignored.
func Watch(v *viper.Viper, fn func(*Config), onError func(error)) {
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}
