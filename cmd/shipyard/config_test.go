package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "./shipyard.yaml", cfg.Manifest.Path)
	assert.Equal(t, "./repos", cfg.Paths.WorkDir)
	assert.Equal(t, "./logs", cfg.Paths.LogDir)
	assert.Equal(t, "./data/shipyard.db", cfg.Store.DSN)
	assert.Equal(t, "127.0.0.1:8844", cfg.Status.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	require.Len(t, cfg.Env.Files, 3)
	assert.Equal(t, "./deploy.env", cfg.Env.Files[0])
	assert.Equal(t, "localhost", cfg.Env.Defaults["DB_HOST"])
	assert.Equal(t, "2226", cfg.Env.Defaults["SSH_PORT"])
	assert.Equal(t, []string{"GITHUB_TOKEN", "GITHUB_ORG", "GITHUB_BRANCH"}, cfg.Env.Required,
		"source credentials must be validated before any side effect")
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
manifest:
  path: "/opt/app/shipyard.yaml"

env:
  files:
    - "/opt/app/deploy.env"
  required:
    - DB_HOST
    - DB_PORT
  defaults:
    GITHUB_BRANCH: main

paths:
  work_dir: "/opt/app/repos"
  log_dir: "/var/log/shipyard"

store:
  dsn: "/var/lib/shipyard/runs.db"

log:
  level: "debug"
  format: "json"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "/opt/app/shipyard.yaml", cfg.Manifest.Path)
	assert.Equal(t, []string{"/opt/app/deploy.env"}, cfg.Env.Files)
	assert.Equal(t, []string{"DB_HOST", "DB_PORT"}, cfg.Env.Required)
	assert.Equal(t, "main", cfg.Env.Defaults["GITHUB_BRANCH"])
	assert.Equal(t, "/opt/app/repos", cfg.Paths.WorkDir)
	assert.Equal(t, "/var/log/shipyard", cfg.Paths.LogDir)
	assert.Equal(t, "/var/lib/shipyard/runs.db", cfg.Store.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("SHIPYARD_MANIFEST_PATH", "/etc/shipyard/manifest.yaml")
	t.Setenv("SHIPYARD_STORE_DSN", "/custom/runs.db")
	t.Setenv("SHIPYARD_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/etc/shipyard/manifest.yaml", cfg.Manifest.Path)
	assert.Equal(t, "/custom/runs.db", cfg.Store.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_ExpandsHomeInEnvFiles(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", "/home/deployer")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/home/deployer/deploy.env", cfg.Env.Files[1])
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "./shipyard.yaml", cfg.Manifest.Path)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_Formats(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		cfg := &Config{Log: LogConfig{Level: "info", Format: format}}
		assert.NotNil(t, SetupLogger(cfg))
	}
}

func TestSetupLogger_InvalidLevelFallsBack(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "shouting", Format: "text"}}

	// Falls back to info, does not panic.
	assert.NotNil(t, SetupLogger(cfg))
}

// =============================================================================
// Exit Code Tests
// =============================================================================

func TestRun_VersionCommand(t *testing.T) {
	code := run([]string{"version"})
	assert.Equal(t, ExitSuccess, code)
}

func TestRun_UnknownCommand(t *testing.T) {
	code := run([]string{"frobnicate"})
	assert.Equal(t, ExitConfigError, code)
}

func TestRun_MissingManifestIsConfigError(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHIPYARD_MANIFEST_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	code := run([]string{"build"})
	assert.Equal(t, ExitConfigError, code)
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"SHIPYARD_MANIFEST_PATH",
		"SHIPYARD_STORE_DSN",
		"SHIPYARD_LOG_LEVEL",
		"SHIPYARD_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
