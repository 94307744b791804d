package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, AdapterMemory, cfg.Adapter)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialDispatchFailureDelay)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "scope: tenant-a\nadapter: postgres\npostgres_dsn: postgres://example\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", cfg.Scope)
	assert.Equal(t, AdapterPostgres, cfg.Adapter)
	assert.Equal(t, "postgres://example", cfg.PostgresDSN)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, AdapterMemory, cfg.Adapter)
}

func TestLoadEnvOverridesScope(t *testing.T) {
	t.Setenv("ENTITYSTORE_SCOPE", "from-env")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Scope)
}
