package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ".", cfg.SourceDir)
	assert.Equal(t, runtime.NumCPU(), cfg.WorkerCount)
	assert.Equal(t, 256, cfg.MaxQueue)
	assert.Equal(t, "lossy", cfg.Mode)
	assert.Equal(t, 80, cfg.Quality)
	assert.Equal(t, "auto", cfg.Format)
	assert.True(t, cfg.RecursiveScan)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "squish.toml")
	content := `
source_dir = "/photos"
workers = 2
mode = "lossless"
max_width = 1920
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/photos", cfg.SourceDir)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, "lossless", cfg.Mode)
	assert.Equal(t, 1920, cfg.MaxWidth)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched keys keep their defaults.
	assert.Equal(t, 80, cfg.Quality)
	assert.Equal(t, 256, cfg.MaxQueue)
	assert.True(t, cfg.RecursiveScan)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("workers = [not toml"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
