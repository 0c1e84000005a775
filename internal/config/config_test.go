package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
state_dir = "/var/lib/stackup"
backend = "process"

[log]
level = "debug"
file = "/var/log/stackup.log"
compress = true

[up]
startup_timeout = "2m"
max_parallel = 2
metrics_addr = ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/stackup", cfg.StateDir)
	assert.Equal(t, "process", cfg.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Compress)
	assert.Equal(t, 2*time.Minute, cfg.Up.StartupTimeout)
	assert.Equal(t, 2, cfg.Up.MaxParallel)
	assert.Equal(t, ":9090", cfg.Up.MetricsAddr)

	// untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.Up.PollInterval)
	assert.Equal(t, 20, cfg.Up.KeepRuns)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeFile(t, "backnd = \"docker\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backnd")
}

func TestLoad_Invalid(t *testing.T) {
	path := writeFile(t, `
backend = "podman"

[up]
keep_runs = 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Backend: failed oneof")
	assert.Contains(t, err.Error(), "Config.Up.KeepRuns: failed gte=1")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "backend = \"process\"\n")
	t.Setenv("STACKUP_BACKEND", "docker")
	t.Setenv("STACKUP_STARTUP_TIMEOUT", "45s")
	t.Setenv("STACKUP_STATE_DIR", "~/stackup-state")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "docker", cfg.Backend)
	assert.Equal(t, 45*time.Second, cfg.Up.StartupTimeout)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "stackup-state"), cfg.StateDir)
}

func TestApplyEnv_BadValues(t *testing.T) {
	env := map[string]string{
		"STACKUP_POLL_INTERVAL": "soon",
		"STACKUP_MAX_PARALLEL":  "many",
	}
	cfg := Default()
	err := applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STACKUP_POLL_INTERVAL")
}
