package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all host-level CLI configuration. Deployment content lives in
// the manifest; this is only where to find things on the host.
type Config struct {
	Manifest ManifestConfig `mapstructure:"manifest"`
	Env      EnvConfig      `mapstructure:"env"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Store    StoreConfig    `mapstructure:"store"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Status   StatusConfig   `mapstructure:"status"`
	Log      LogConfig      `mapstructure:"log"`
}

// ManifestConfig locates the deployment manifest.
type ManifestConfig struct {
	Path string `mapstructure:"path"`
}

// EnvConfig drives environment resolution: Files are tried in order and the
// first that exists wins. Required keys missing from the winning file abort
// before any side effect; Defaults fill optional keys.
type EnvConfig struct {
	Files    []string          `mapstructure:"files"`
	Required []string          `mapstructure:"required"`
	Defaults map[string]string `mapstructure:"defaults"`
}

// PathsConfig holds the working directories.
type PathsConfig struct {
	// WorkDir is where repositories are cloned.
	WorkDir string `mapstructure:"work_dir"`
	// LogDir receives per-action log files.
	LogDir string `mapstructure:"log_dir"`
}

// StoreConfig holds the run-history database location.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// StatusConfig holds the status API listen address.
type StatusConfig struct {
	Listen string `mapstructure:"listen"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("manifest.path", "./shipyard.yaml")
	v.SetDefault("env.files", []string{
		"./deploy.env",
		"$HOME/deploy.env",
		"/etc/shipyard/deploy.env",
	})
	v.SetDefault("env.required", []string{"GITHUB_TOKEN", "GITHUB_ORG", "GITHUB_BRANCH"})
	v.SetDefault("paths.work_dir", "./repos")
	v.SetDefault("paths.log_dir", "./logs")
	v.SetDefault("store.dsn", "./data/shipyard.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("status.listen", "127.0.0.1:8844")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if the file exists and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SHIPYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// $HOME in env file candidates is resolved at load time so the
	// resolver only ever sees literal paths.
	for i, f := range cfg.Env.Files {
		cfg.Env.Files[i] = os.ExpandEnv(f)
	}

	cfg.Env.Defaults = normalizeEnvDefaults(cfg.Env.Defaults)

	return &cfg, nil
}

// builtinEnvDefaults fill environment keys the deployment tooling assumes
// when the env file leaves them out.
var builtinEnvDefaults = map[string]string{
	"DB_HOST":             "localhost",
	"DB_PORT":             "5435",
	"DB_USER":             "root",
	"DB_PASS":             "root",
	"REDIS_HOST":          "localhost",
	"REDIS_PORT":          "6389",
	"NGINX_API_PORT":      "8080",
	"NGINX_FRONTEND_PORT": "8084",
	"SSH_PORT":            "2226",
}

// normalizeEnvDefaults merges configured defaults over the built-ins. Viper
// lowercases map keys, so keys are restored to env var convention here.
func normalizeEnvDefaults(configured map[string]string) map[string]string {
	out := make(map[string]string, len(builtinEnvDefaults)+len(configured))
	for k, v := range builtinEnvDefaults {
		out[k] = v
	}
	for k, v := range configured {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to stderr; stdout is reserved for command output.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
