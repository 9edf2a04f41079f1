package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kopy/internal/config"
)

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Checksum)
	assert.Nil(t, cfg.Defaults.Threads)
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "kopy")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
checksum = true
threads = 8
delete = "trash"
limit = "50MB"
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.Checksum)
	assert.True(t, *cfg.Defaults.Checksum)

	require.NotNil(t, cfg.Defaults.Threads)
	assert.Equal(t, 8, *cfg.Defaults.Threads)

	require.NotNil(t, cfg.Defaults.Delete)
	assert.Equal(t, "trash", *cfg.Defaults.Delete)

	require.NotNil(t, cfg.Defaults.Limit)
	assert.Equal(t, "50MB", *cfg.Defaults.Limit)
}

func TestLoadPartialConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "kopy")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
threads = 4
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Nil(t, cfg.Defaults.Checksum)
	require.NotNil(t, cfg.Defaults.Threads)
	assert.Equal(t, 4, *cfg.Defaults.Threads)
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "kopy")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("invalid [[["), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/kopy/config.toml", config.Path())
}
